package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logEntry represents a single structured entry shipped off-process.
type logEntry struct {
	Timestamp  string         `json:"timestamp"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	TraceID    string         `json:"traceID"` // ties a run's entries together
	Layer      string         `json:"layer"`
	Attributes map[string]any `json:"attributes"`
}

// LogStreamer ships service-level logs to a file (development) or an HTTP
// log collector (production), mirroring everything to zap for console
// visibility.
type LogStreamer struct {
	sourceToken string
	environment string
	uploadURL   string
	logger      *zap.Logger
	client      *http.Client
	fileWriter  io.Writer
	fileMu      sync.Mutex
}

// NewLogStreamer creates a new LogStreamer instance
func NewLogStreamer(sourceToken, environment, uploadURL string, logger *zap.Logger) *LogStreamer {
	streamer := &LogStreamer{
		sourceToken: sourceToken,
		environment: environment,
		uploadURL:   uploadURL,
		logger:      logger,
	}

	if environment == "development" {
		f, err := os.OpenFile("app.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			logger.Error("Failed to open log file", zap.Error(err))
			streamer.fileWriter = os.Stderr
		} else {
			streamer.fileWriter = f
		}
	}

	if environment == "production" {
		streamer.client = &http.Client{Timeout: 10 * time.Second}
	}

	return streamer
}

// Log streams one entry. Entries without a trace ID are skipped.
func (s *LogStreamer) Log(level zapcore.Level, traceID string, message string, attributes map[string]any, layer string) {
	if traceID == "" {
		return
	}

	var levelStr string
	switch level {
	case zapcore.ErrorLevel:
		levelStr = "ERROR"
	case zapcore.WarnLevel:
		levelStr = "WARN"
	case zapcore.InfoLevel:
		levelStr = "INFO"
	case zapcore.DebugLevel:
		levelStr = "DEBUG"
	default:
		levelStr = "UNKNOWN"
	}

	if attributes == nil {
		attributes = make(map[string]any)
	}

	entry := logEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      levelStr,
		Message:    message,
		TraceID:    traceID,
		Layer:      layer,
		Attributes: attributes,
	}

	body, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		s.logger.Error("Failed to marshal log", zap.Error(marshalErr))
		return
	}

	if s.environment == "development" {
		s.fileMu.Lock()
		defer s.fileMu.Unlock()
		if _, writeErr := s.fileWriter.Write(append(body, '\n')); writeErr != nil {
			s.logger.Error("Failed to write log to file", zap.Error(writeErr))
		}
	} else if s.uploadURL != "" {
		req, err := http.NewRequest("POST", s.uploadURL, bytes.NewReader(body))
		if err != nil {
			s.logger.Error("Failed to create HTTP request", zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.sourceToken)

		go func() {
			resp, err := s.client.Do(req)
			if err != nil {
				s.logger.Error("Failed to send log to collector", zap.Error(err))
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
				s.logger.Error("Unexpected response from log collector", zap.String("status", resp.Status))
			}
		}()
	}

	s.logger.Log(level, message, zap.Any("attributes", attributes))
}
