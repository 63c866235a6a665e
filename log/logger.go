package log

import (
	"os"
	"path/filepath"

	"github.com/jagveer-loky/ab2d/conf"
	"github.com/sirupsen/logrus"
)

var (
	Worker   logrus.FieldLogger
	BFD      logrus.FieldLogger
	Coverage logrus.FieldLogger
)

func init() {
	SetupLoggers()
}

// SetupLoggers (re)builds the package level loggers from the current
// configuration. Called again by tests after changing log destinations.
func SetupLoggers() {
	Worker = Logger(logrus.New(), conf.GetEnv("AB2D_WORKER_ERROR_LOG"),
		"worker", conf.GetEnv("ENVIRONMENT"))
	BFD = Logger(logrus.New(), conf.GetEnv("AB2D_BFD_LOG"),
		"worker", conf.GetEnv("ENVIRONMENT"))
	Coverage = Logger(logrus.New(), conf.GetEnv("AB2D_COVERAGE_LOG"),
		"worker", conf.GetEnv("ENVIRONMENT"))
}

func Logger(logger *logrus.Logger, outputFile string,
	application, environment string) logrus.FieldLogger {

	logger.SetFormatter(&logrus.JSONFormatter{})

	if outputFile != "" {
		/* #nosec -- 0640 permissions required for log ingestion */
		if file, err := os.OpenFile(filepath.Clean(outputFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640); err == nil {
			logger.SetOutput(file)
		} else {
			logger.Infof("Failed to open output file %s. Will use stderr. %s",
				outputFile, err.Error())
		}
	}

	return logger.WithFields(logrus.Fields{
		"application": application,
		"environment": environment})
}
