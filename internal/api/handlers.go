package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/zuri-labs/zuri/internal/analytics"
	"github.com/zuri-labs/zuri/internal/commands"
	"github.com/zuri-labs/zuri/internal/content"
	"github.com/zuri-labs/zuri/internal/fleet"
	"github.com/zuri-labs/zuri/internal/protocol"
	"github.com/zuri-labs/zuri/internal/registry"
	"github.com/zuri-labs/zuri/internal/store"
)

const maxBodyBytes = 1 << 20

// ═══════════════════════════════════════════════════════════════════════════
// RESPONSE HELPERS
// ═══════════════════════════════════════════════════════════════════════════

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeError maps domain errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeDetail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeDetail(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInvalid):
		writeDetail(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeDetail(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	i, err := strconv.Atoi(v)
	return i, err == nil
}

func queued(cmd *commands.Command) map[string]any {
	return map[string]any{
		"status":     "queued",
		"command_id": cmd.ID,
		"delivery":   cmd.Status,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// SYSTEM
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "Zuri Fleet API",
		"version": VersionInfo(),
		"health":  "/api/v2/health",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   Version,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.fleet.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ═══════════════════════════════════════════════════════════════════════════
// DEVICES
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeDetail(w, http.StatusBadRequest, "device_id is required")
		return
	}

	d, err := s.fleet.RegisterDevice(r.Context(), registry.Registration{
		DeviceID:  req.DeviceID,
		Name:      req.DeviceName,
		IPAddress: req.IPAddress,
		Firmware:  req.FirmwareVersion,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.RegisterResponse{Status: "registered", DeviceID: d.DeviceID})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	var req protocol.HeartbeatRequest
	if !decode(w, r, &req) {
		return
	}
	if req.BatteryLevel < 0 || req.BatteryLevel > 100 {
		writeDetail(w, http.StatusBadRequest, "battery_level must be between 0 and 100")
		return
	}

	reply, err := s.fleet.Heartbeat(r.Context(), registry.Heartbeat{
		DeviceID: deviceID,
		Battery:  req.BatteryLevel,
		WiFiSSID: req.WiFiSSID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := protocol.HeartbeatResponse{Status: "ok", Commands: make([]protocol.CommandPayload, 0, len(reply.Commands))}
	for _, c := range reply.Commands {
		resp.Commands = append(resp.Commands, protocol.CommandPayload{
			ID:      c.ID,
			Command: c.Command,
			Params:  c.Params,
			Status:  string(c.Status),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.fleet.ListDevices(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.fleet.Device(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	var req struct {
		UserID string `json:"user_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.fleet.PairDevice(r.Context(), deviceID, req.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paired", "device_id": deviceID})
}

func (s *Server) handleWiFi(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	var req struct {
		WiFiSSID      string     `json:"wifi_ssid"`
		ProvisionedAt *time.Time `json:"provisioned_at,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	var at time.Time
	if req.ProvisionedAt != nil {
		at = *req.ProvisionedAt
	}
	if err := s.fleet.UpdateWiFi(r.Context(), deviceID, req.WiFiSSID, at); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "device_id": deviceID})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	var req struct {
		Command string          `json:"command"`
		Params  json.RawMessage `json:"params,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeDetail(w, http.StatusBadRequest, "command is required")
		return
	}

	cmd, err := s.fleet.EnqueueCommand(r.Context(), deviceID, req.Command, req.Params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queued(cmd))
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 50)
	if !ok || limit <= 0 {
		writeDetail(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	cmds, err := s.fleet.Commands(r.Context(), chi.URLParam(r, "deviceID"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	settings := protocol.DefaultSettings
	if !decode(w, r, &settings) {
		return
	}
	cmd, err := s.fleet.UpdateSettings(r.Context(), chi.URLParam(r, "deviceID"), settings)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queued(cmd))
}

func (s *Server) handleCommandResult(w http.ResponseWriter, r *http.Request) {
	var req protocol.ResultRequest
	if !decode(w, r, &req) {
		return
	}
	cmd, err := s.fleet.ReportCommandResult(r.Context(), chi.URLParam(r, "commandID"), req.Success)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// handleFactoryReset is mounted only when an internal key is configured.
func (s *Server) handleFactoryReset(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if err := s.fleet.FactoryReset(r.Context(), deviceID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "device_id": deviceID})
}

// ═══════════════════════════════════════════════════════════════════════════
// PLAYBACK
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req fleet.PlayRequest
	if !decode(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeDetail(w, http.StatusBadRequest, "device_id is required")
		return
	}
	cmd, err := s.fleet.Play(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queued(cmd))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		writeDetail(w, http.StatusBadRequest, "device_id is required")
		return
	}
	cmd, err := s.fleet.Stop(r.Context(), deviceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queued(cmd))
}

// ═══════════════════════════════════════════════════════════════════════════
// CONTENT
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) handleListContent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := content.Filter{Type: q.Get("content_type")}

	var ok bool
	if f.AgeMin, ok = queryInt(r, "age_min", 0); !ok {
		writeDetail(w, http.StatusBadRequest, "age_min must be an integer")
		return
	}
	if f.AgeMax, ok = queryInt(r, "age_max", 0); !ok {
		writeDetail(w, http.StatusBadRequest, "age_max must be an integer")
		return
	}
	if v := q.Get("premium_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "premium_only must be a boolean")
			return
		}
		f.Premium = &b
	}

	items, err := s.content.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleAddContent(w http.ResponseWriter, r *http.Request) {
	var it content.Item
	if !decode(w, r, &it) {
		return
	}
	added, err := s.content.Add(r.Context(), it)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added", "content_id": added.ContentID})
}

func (s *Server) handleDeleteContent(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "contentID")
	if err := s.content.Delete(r.Context(), contentID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "content_id": contentID})
}

// ═══════════════════════════════════════════════════════════════════════════
// ANALYTICS
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) handleLogUsage(w http.ResponseWriter, r *http.Request) {
	var ev analytics.Event
	if !decode(w, r, &ev) {
		return
	}
	logged, err := s.analytics.Log(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged", "timestamp": logged.Timestamp})
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	days, ok := queryInt(r, "days", 7)
	if !ok || days <= 0 {
		writeDetail(w, http.StatusBadRequest, "days must be a positive integer")
		return
	}
	events, err := s.analytics.Window(r.Context(), chi.URLParam(r, "deviceID"), days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
