// Package logging wraps hclog with the line-prefixing writer and
// environment-driven level resolution this project's CLI and stages share.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	envLogLevel = "BOX_LOG_LEVEL"
	envJSONLog  = "BOX_JSON_LOG"
)

// New builds a named logger writing to output (os.Stderr if nil). Level is
// resolved from the environment unless an explicit level is passed.
func New(name, level string, output io.Writer) hclog.Logger {
	if output == nil {
		output = os.Stderr
	}
	if level == "" {
		level = GetLogLevel()
	}

	writer := output
	if os.Getenv(envJSONLog) != "1" {
		writer = NewPrefixWriter(output, ">> ")
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.LevelFromString(level),
		Output:     writer,
		JSONFormat: os.Getenv(envJSONLog) == "1",
		TimeFn:     func() time.Time { return time.Now().UTC() },
	})
}

// GetLogLevel reads BOX_LOG_LEVEL, defaulting to "warn".
func GetLogLevel() string {
	level := strings.TrimSpace(os.Getenv(envLogLevel))
	if level == "" {
		return "warn"
	}
	return level
}
