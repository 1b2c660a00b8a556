package logger

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// envDefault lets LOG_LEVEL / LOG_FORMAT set the flag defaults so services
// configured purely through the environment need no command line.
func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel       string
	LogFormat      string
	LogFile        string
	DebugRTP       bool
	DebugRTSP      bool
	DebugRouter    bool
	DebugHealth    bool
	DebugRetention bool
	DebugAll       bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", envDefault("LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", envDefault("LOG_LEVEL", "info"),
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", envDefault("LOG_FORMAT", "text"),
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	// Debug category flags
	fs.BoolVar(&f.DebugRTP, "debug-rtp", false,
		"Enable RTP capture debugging (SSRC, payload type, packet sizes)")
	fs.BoolVar(&f.DebugRTSP, "debug-rtsp", false,
		"Enable RTSP source / transcoder debugging")
	fs.BoolVar(&f.DebugRouter, "debug-router", false,
		"Enable router RPC frame debugging")
	fs.BoolVar(&f.DebugHealth, "debug-health", false,
		"Enable health monitor debugging (packet counters, stale checks)")
	fs.BoolVar(&f.DebugRetention, "debug-retention", false,
		"Enable recording retention debugging")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	// Any enabled debug category forces debug level
	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		cfg.Level = LevelDebug
	} else {
		for cat, enabled := range map[DebugCategory]bool{
			DebugRTP:       f.DebugRTP,
			DebugRTSP:      f.DebugRTSP,
			DebugRouter:    f.DebugRouter,
			DebugHealth:    f.DebugHealth,
			DebugRetention: f.DebugRetention,
		} {
			if enabled {
				cfg.EnableCategory(cat)
				cfg.Level = LevelDebug
			}
		}
	}

	return cfg, nil
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugRTP {
			debugCategories = append(debugCategories, "rtp")
		}
		if f.DebugRTSP {
			debugCategories = append(debugCategories, "rtsp")
		}
		if f.DebugRouter {
			debugCategories = append(debugCategories, "router")
		}
		if f.DebugHealth {
			debugCategories = append(debugCategories, "health")
		}
		if f.DebugRetention {
			debugCategories = append(debugCategories, "retention")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
