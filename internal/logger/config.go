package logger

import (
	"strings"

	"github.com/aleister1102/webtrack/internal/config"

	"github.com/rs/zerolog"
)

// LoggerConfig holds resolved configuration for logger setup
type LoggerConfig struct {
	Level         zerolog.Level
	Format        LogFormat
	EnableConsole bool
	EnableFile    bool
	FilePath      string
	MaxSizeMB     int
	MaxBackups    int
	JobName       string
	UseSubdirs    bool
}

// LogFormat represents available log formats
type LogFormat int

const (
	FormatJSON LogFormat = iota
	FormatConsole
)

// String returns string representation of LogFormat
func (lf LogFormat) String() string {
	switch lf {
	case FormatJSON:
		return "json"
	default:
		return "console"
	}
}

// DefaultLoggerConfig returns default logger configuration
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:         zerolog.InfoLevel,
		Format:        FormatConsole,
		EnableConsole: true,
		EnableFile:    false,
		MaxSizeMB:     100,
		MaxBackups:    3,
	}
}

// ParseLevel parses a string log level to zerolog.Level, defaulting to info.
func ParseLevel(levelStr string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(levelStr))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// ParseFormat parses a string format to LogFormat, defaulting to console.
func ParseFormat(formatStr string) LogFormat {
	if strings.ToLower(formatStr) == "json" {
		return FormatJSON
	}
	return FormatConsole
}

// convertConfig resolves the file-level config into a LoggerConfig.
func convertConfig(cfg config.LogConfig) LoggerConfig {
	return LoggerConfig{
		Level:         ParseLevel(cfg.LogLevel),
		Format:        ParseFormat(cfg.LogFormat),
		EnableConsole: true,
		EnableFile:    cfg.LogFile != "",
		FilePath:      cfg.LogFile,
		MaxSizeMB:     maxOrDefault(cfg.MaxLogSizeMB, 100),
		MaxBackups:    maxOrDefault(cfg.MaxLogBackups, 3),
		UseSubdirs:    cfg.UseSubdirs,
	}
}

func maxOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
