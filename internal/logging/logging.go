// Package logging configures logrus output for the engine: a compact custom
// formatter, optional caller reporting in debug builds, and rotating file
// output for embeddings that cannot write to stderr.
package logging

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var setupOnce sync.Once

// Formatter renders a single log entry.
// Format: [2026-08-28 20:14:04] [debug] [manager.go:124] message key=value
type Formatter struct{}

// fieldOrder defines the display order for common log fields.
var fieldOrder = []string{"user", "provider", "request_id", "flow", "retry", "error"}

// Format implements logrus.Formatter.
func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	var buffer *bytes.Buffer
	if entry.Buffer != nil {
		buffer = entry.Buffer
	} else {
		buffer = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	message := strings.TrimRight(entry.Message, "\r\n")

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}

	var fieldsStr string
	if len(entry.Data) > 0 {
		var fields []string
		for _, key := range fieldOrder {
			if value, ok := entry.Data[key]; ok {
				fields = append(fields, fmt.Sprintf("%s=%v", key, value))
			}
		}
		if len(fields) > 0 {
			fieldsStr = " " + strings.Join(fields, " ")
		}
	}

	if entry.Caller != nil {
		fmt.Fprintf(buffer, "[%s] [%-5s] [%s:%d] %s%s\n", timestamp, level, filepath.Base(entry.Caller.File), entry.Caller.Line, message, fieldsStr)
	} else {
		fmt.Fprintf(buffer, "[%s] [%-5s] %s%s\n", timestamp, level, message, fieldsStr)
	}
	return buffer.Bytes(), nil
}

// Options selects logging behaviour, typically derived from the config.
type Options struct {
	Debug  bool
	ToFile bool
	LogDir string
}

// Setup configures the global logrus instance once per process.
func Setup(opts Options) {
	setupOnce.Do(func() {
		log.SetFormatter(&Formatter{})
		if opts.Debug {
			log.SetLevel(log.DebugLevel)
			log.SetReportCaller(true)
		} else {
			log.SetLevel(log.InfoLevel)
		}
		if opts.ToFile {
			dir := opts.LogDir
			if strings.TrimSpace(dir) == "" {
				dir = "logs"
			}
			log.SetOutput(&lumberjack.Logger{
				Filename:   filepath.Join(dir, "idkit.log"),
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     14, // days
				Compress:   true,
			})
		}
	})
}
