package device

// Version is the device client version, reported as firmware version
// unless overridden. Set via ldflags at build time.
var Version = "1.0.0"
