package config

import "log/slog"

// Set at link time:
//
//	go build -ldflags "-X mailrelay/internal/config.version=1.2.3 \
//	    -X mailrelay/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X mailrelay/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo returns the linker-injected build metadata.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}

// LogValue groups the build metadata under one structured log attribute.
func (b BuildInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("version", b.Version),
		slog.String("commit", b.Commit),
		slog.String("built", b.BuildTime),
	)
}
