package config

import (
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logg *logrus.Logger
)

func GetLogger() *logrus.Logger {
	return logg
}

func init() {
	godotenv.Load()

	logg = logrus.New()
	logg.SetFormatter(&logrus.JSONFormatter{})
	logg.SetLevel(parseLogLevel(os.Getenv("LOG_LEVEL")))
	logg.SetOutput(logOutput())
}

func parseLogLevel(v string) logrus.Level {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(v))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// logOutput picks the log sink from LOG_OUTPUT:
// - stdout (default)
// - file: rotated by lumberjack at LOG_FILE
// - both
func logOutput() io.Writer {
	mode := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_OUTPUT")))
	if mode == "" || mode == "stdout" {
		return os.Stdout
	}

	filename := strings.TrimSpace(os.Getenv("LOG_FILE"))
	if filename == "" {
		filename = "logs/procuresight.log"
	}
	file := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    intFromEnv("LOG_MAX_SIZE_MB", 100),
		MaxBackups: intFromEnv("LOG_MAX_BACKUPS", 5),
		MaxAge:     intFromEnv("LOG_MAX_AGE_DAYS", 30),
		Compress:   true,
	}
	if mode == "file" {
		return file
	}
	return io.MultiWriter(os.Stdout, file)
}

func LogError(logger *logrus.Logger, moduleName string, funcName string, context string, data any, err error) {
	if logger == nil || err == nil {
		return
	}
	fields := logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}
