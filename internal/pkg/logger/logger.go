package logger

import (
	"dealflow-pipeline/internal/config"
	"fmt"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	serviceName    = "dealflow-pipeline"
	serviceVersion = "1.0.0"
)

type Logger struct {
	*logrus.Logger
	config config.LogConfig
}

type Fields map[string]interface{}

func New(config config.LogConfig) (*Logger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if err := configureOutput(log, config); err != nil {
		return nil, fmt.Errorf("failed to configure logger output: %w", err)
	}

	configureFormatter(log, config)

	log.AddHook(&ServiceHook{})

	logger := &Logger{
		Logger: log,
		config: config,
	}

	logger.WithFields(Fields{
		"level":  config.Level,
		"format": config.Format,
		"output": config.Output,
	}).Info("Logger initialized successfully")

	return logger, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.PanicLevel)
	return &Logger{Logger: log}
}

func (l *Logger) WithFields(fields Fields) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields(fields))
}

func (l *Logger) WithRequestID(requestID string) *logrus.Entry {
	return l.Logger.WithField("request_id", requestID)
}

func (l *Logger) WithObservationID(observationID string) *logrus.Entry {
	return l.Logger.WithField("observation_id", observationID)
}

func (l *Logger) WithListingID(listingID string) *logrus.Entry {
	return l.Logger.WithField("listing_id", listingID)
}

func (l *Logger) WithService(service string) *logrus.Entry {
	return l.Logger.WithField("service", service)
}

func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithField("error", err)
}

func (l *Logger) LogRequest(requestID, method, path, userAgent, clientIP string, duration time.Duration, statusCode int) {
	fields := Fields{
		"request_id":  requestID,
		"method":      method,
		"path":        path,
		"user_agent":  userAgent,
		"client_ip":   clientIP,
		"duration_ms": duration.Milliseconds(),
		"status_code": statusCode,
		"type":        "http_request",
	}

	entry := l.WithFields(fields)

	if statusCode >= 500 {
		entry.Error("HTTP Request completed with Server Error")
	} else if statusCode >= 400 {
		entry.Warn("HTTP Request completed with Client Error")
	} else {
		entry.Info("HTTP Request completed successfully")
	}
}

// LogObservation records one pipeline stage for one observation.
func (l *Logger) LogObservation(observationID, stage string, duration time.Duration, data map[string]interface{}, err error) {
	fields := Fields{
		"observation_id": observationID,
		"stage":          stage,
		"type":           "observation",
	}

	if duration > 0 {
		fields["duration_ms"] = duration.Milliseconds()
	}

	for k, v := range data {
		fields[k] = v
	}

	entry := l.WithFields(fields)

	if err != nil {
		entry.WithError(err).Warn(fmt.Sprintf("Observation stage %s failed", stage))
	} else {
		entry.Info(fmt.Sprintf("Observation stage %s completed", stage))
	}
}

func (l *Logger) LogService(service, operation string, duration time.Duration, data map[string]interface{}, err error) {
	fields := Fields{
		"service":   service,
		"operation": operation,
		"type":      "service",
	}

	if duration > 0 {
		fields["duration_ms"] = duration.Milliseconds()
	}

	for k, v := range data {
		fields[k] = v
	}

	entry := l.WithFields(fields)
	if err != nil {
		entry.WithError(err).Error(fmt.Sprintf("Service %s - Operation %s - failed", service, operation))
	} else {
		entry.Debug(fmt.Sprintf("Service %s - Operation %s - completed successfully", service, operation))
	}
}

func (l *Logger) GetLogLevel() string {
	return strings.ToLower(l.Logger.GetLevel().String())
}

func (l *Logger) SetLogLevel(level string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	l.Logger.SetLevel(logLevel)
	l.WithFields(Fields{"new_level": logLevel.String()}).Info("Log Level Changed")

	return nil
}

type ServiceHook struct{}

func (hook *ServiceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = serviceName
	}
	entry.Data["version"] = serviceVersion

	if hostname, err := os.Hostname(); err == nil {
		entry.Data["hostname"] = hostname
	}

	entry.Data["pid"] = os.Getpid()

	return nil
}

func (hook *ServiceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func configureOutput(log *logrus.Logger, config config.LogConfig) error {
	var writers []io.Writer

	switch config.Output {
	case "stdout":
		writers = append(writers, os.Stdout)
	case "file", "both":
		fileWriter, err := rotatingFile(config)
		if err != nil {
			return err
		}
		if config.Output == "both" {
			writers = append(writers, os.Stdout)
		}
		writers = append(writers, fileWriter)
	default:
		writers = append(writers, os.Stdout)
	}

	if len(writers) > 1 {
		log.SetOutput(io.MultiWriter(writers...))
	} else {
		log.SetOutput(writers[0])
	}
	return nil
}

func rotatingFile(config config.LogConfig) (io.Writer, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("file path is required when the output is '%s'", config.Output)
	}

	dir := filepath.Dir(config.FilePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory : %w", err)
	}

	return &lumberjack.Logger{
		Filename:   config.FilePath,
		MaxSize:    config.MaxSize,
		MaxAge:     config.MaxAge,
		MaxBackups: config.MaxBackups,
		Compress:   config.Compress,
		LocalTime:  true,
	}, nil
}

func configureFormatter(log *logrus.Logger, config config.LogConfig) {
	if config.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
				logrus.FieldKeyFunc:  "caller",
			},
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
			ForceColors:     true,
		})
	}
	log.SetReportCaller(true)
}
