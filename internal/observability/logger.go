package observability

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig selects the encoder and level of the process logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Connector string `yaml:"-"`
	Version   string `yaml:"-"`
}

// NewLogger builds the process logger. Format "console" gives the colored
// development encoder, anything else JSON.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	var config zap.Config

	if cfg.Format == "console" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	config.Level = zap.NewAtomicLevelAt(ParseLevel(cfg.Level))

	fields := map[string]interface{}{}
	if cfg.Connector != "" {
		fields["connector"] = cfg.Connector
	}
	if cfg.Version != "" {
		fields["version"] = cfg.Version
	}
	if len(fields) > 0 {
		config.InitialFields = fields
	}

	return config.Build()
}

// ParseLevel maps a config level name to a zap level, info when unknown.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
