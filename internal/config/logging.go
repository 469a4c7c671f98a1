package config

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// SetupLogging configures the global logrus logger. Verbose forces debug level.
func SetupLogging(level string, json bool) error {
	return setupLogging(os.Stderr, level, json)
}

func setupLogging(w io.Writer, level string, json bool) error {
	logrus.SetOutput(w)
	if json {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}

	if Verbose {
		logrus.SetLevel(logrus.DebugLevel)
		return nil
	}
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	return nil
}
