// Zuri device client: registers with the fleet API, heartbeats and plays
// what it is told to.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/zuri-labs/zuri/internal/config"
	"github.com/zuri-labs/zuri/internal/device"
)

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test connectivity")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("zuri-device %s\n", device.Version)
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck())
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	id, err := device.ResolveID(cfg.StateDir, cfg.DeviceID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve device id")
	}

	lib, err := device.OpenLibrary(filepath.Join(cfg.StateDir, "content"), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open content library")
	}
	defer func() { _ = lib.Close() }()

	log.Info().
		Str("version", device.Version).
		Str("device", id).
		Str("url", cfg.APIURL).
		Msg("Zuri device client starting")

	a := device.New(cfg, log, id, device.NewClient(cfg.APIURL, nil), lib, device.NewSystemPlayer(log))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		a.Shutdown()
	}()

	if err := a.Run(); err != nil {
		log.Error().Err(err).Msg("device client failed")
		_ = lib.Close()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`Usage: zuri-device [options]

Zuri device client %s - connects a Zuri companion to the fleet API.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test connectivity

Environment variables:
  ZURI_API_URL              Fleet API base URL, e.g. https://api.zuri.example/api/v2 (required)
  ZURI_DEVICE_ID            Override the derived device id
  ZURI_DEVICE_NAME          Display name (default: Zuri Device <id>)
  ZURI_FIRMWARE_VERSION     Reported firmware version
  ZURI_STATE_DIR            State directory (default: /var/lib/zuri)
  ZURI_HEARTBEAT_INTERVAL   Heartbeat interval in seconds (default: 30)
  ZURI_BATTERY_INTERVAL     Battery drain interval (default: 5m)
  ZURI_WIFI_SSID            WiFi network reported with heartbeats
  ZURI_LIVE_CHANNEL         Keep a WebSocket for pushed commands (default: true)
  ZURI_LOG_LEVEL            Log level: debug, info, warn, error
`, device.Version)
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		return 1
	}

	fmt.Println("✓ Config OK")
	fmt.Printf("  API:         %s\n", cfg.APIURL)
	fmt.Printf("  State Dir:   %s\n", cfg.StateDir)
	fmt.Printf("  Heartbeat:   %s\n", cfg.HeartbeatInterval)
	fmt.Println()

	fmt.Print("Testing API connectivity... ")

	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := client.Get(strings.TrimRight(cfg.APIURL, "/") + "/health")
	latency := time.Since(start)

	if err != nil {
		fmt.Printf("❌ Failed\n")
		fmt.Printf("  Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		fmt.Printf("❌ Failed (HTTP %d)\n", resp.StatusCode)
		return 1
	}

	fmt.Printf("✓ OK (latency: %dms)\n", latency.Milliseconds())
	return 0
}
