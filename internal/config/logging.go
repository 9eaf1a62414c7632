package config

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogsDir is the log directory name under the cache directory.
const LogsDir = "logs"

// NewLogger returns a logger writing to a size-rotated file under
// cacheDir/logs, optionally teeing to stderr. The returned closer stops
// the rotator.
func (c *Config) NewLogger(cacheDir, prefix string, alsoStderr bool) (*log.Logger, io.Closer) {
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cacheDir, LogsDir, "loom.log"),
		MaxSize:    c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAge:     c.Logging.MaxAgeDays,
		Compress:   true,
	}

	var w io.Writer = rotator
	if alsoStderr {
		w = io.MultiWriter(os.Stderr, rotator)
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmsgprefix), rotator
}
