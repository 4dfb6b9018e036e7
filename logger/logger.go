package logger

import (
	"fmt"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"gopkg.in/natefinch/lumberjack.v2"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
)

type Config struct {
	Level      string `yaml:"Level"`
	File       string `yaml:"File"` // relative to the base directory; empty logs to stdout only
	MaxSizeMB  int    `yaml:"MaxSizeMB"`
	MaxBackups int    `yaml:"MaxBackups"`
	MaxAgeDays int    `yaml:"MaxAgeDays"`
	Compress   bool   `yaml:"Compress"`
}

// Setup configures the standard logrus logger and routes the stdlib log package
// through it. The returned closer releases the log file, if any.
func Setup(cfg Config, baseDir string) (io.Closer, error) {
	level := logrus.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = logrus.ParseLevel(cfg.Level); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	logrus.SetLevel(level)

	formatter := &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	}
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		path := cfg.File
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    orDefault(cfg.MaxSizeMB, 50),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 14),
			Compress:   cfg.Compress,
		}
		out = io.MultiWriter(os.Stdout, lj)
		closer = lj
		// Escape codes would end up in the file.
		formatter.DisableColors = true
	}
	logrus.SetFormatter(formatter)
	logrus.SetOutput(out)

	stdlog.SetFlags(0)
	stdlog.SetOutput(logrus.WithField("prefix", "std").WriterLevel(logrus.InfoLevel))
	return closer, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
