package telemetry

import (
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/dunamismax/photobooth/internal/config"
)

// NewLogger builds the process logger. Unknown levels fall back to info.
func NewLogger(w io.Writer, prefix string, cfg config.LogConfig) *log.Logger {
	level, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		level = log.InfoLevel
	}

	formatter := log.TextFormatter
	switch strings.ToLower(cfg.Format) {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	}

	return log.NewWithOptions(w, log.Options{
		Prefix:          prefix,
		Level:           level,
		ReportTimestamp: true,
		Formatter:       formatter,
	})
}
