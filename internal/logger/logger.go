package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns the logger used by all long-lived components.
// The level can be raised at runtime with STREAMCAST_LOG=debug.
func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})

	switch os.Getenv("STREAMCAST_LOG") {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}
