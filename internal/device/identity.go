package device

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// idFileName is where the derived id is persisted inside the state dir.
const idFileName = ".zuri_device_id"

// cpuinfoPath is read for the board serial. Tests point it elsewhere.
var cpuinfoPath = "/proc/cpuinfo"

// interfaceMAC returns the first non-loopback hardware address.
var interfaceMAC = func() (net.HardwareAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr, nil
	}
	return nil, errors.New("no hardware address found")
}

// ResolveID returns the device id. An explicit override wins, then the id
// persisted in stateDir, then one derived from the CPU serial or MAC
// address which is persisted for the next start.
func ResolveID(stateDir, override string) (string, error) {
	if override != "" {
		return override, nil
	}

	path := filepath.Join(stateDir, idFileName)
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	id, err := deriveID()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}

func deriveID() (string, error) {
	if f, err := os.Open(cpuinfoPath); err == nil {
		serial := cpuSerial(f)
		_ = f.Close()
		if serial != "" {
			return formatID(serial), nil
		}
	}

	mac, err := interfaceMAC()
	if err != nil {
		return "", fmt.Errorf("derive device id: %w", err)
	}
	return formatID(strings.ReplaceAll(mac.String(), ":", "")), nil
}

// cpuSerial extracts the Serial field of a cpuinfo listing.
func cpuSerial(r io.Reader) string {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "Serial") {
			continue
		}
		if _, v, ok := strings.Cut(line, ":"); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func formatID(raw string) string {
	if len(raw) > 6 {
		raw = raw[len(raw)-6:]
	}
	return "ZR-" + strings.ToUpper(raw)
}
