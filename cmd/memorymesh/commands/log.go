package commands

import (
	"os"
	"path/filepath"

	"github.com/memorymesh/memorymesh/src/config"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
)

// newFileLogger builds a logger that also writes per-level files in datadir.
func newFileLogger(datadir, level string) *logrus.Logger {
	logger := logrus.New()
	logger.Level = config.LogLevel(level)

	pathMap := lfshook.PathMap{}

	infoPath := filepath.Join(datadir, "info.log")
	if _, err := os.OpenFile(infoPath, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Info("Failed to open info.log file, using default stderr")
	} else {
		pathMap[logrus.InfoLevel] = infoPath
	}

	debugPath := filepath.Join(datadir, "debug.log")
	if _, err := os.OpenFile(debugPath, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Info("Failed to open debug.log file, using default stderr")
	} else {
		pathMap[logrus.DebugLevel] = debugPath
	}

	logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	))

	return logger
}
