// Package logger provides process-wide logging for kumiai.
//
// Two flavours live side by side: a printf-style console logger used for
// startup banners and shutdown narration in cmd/kumiai, and the slog-based
// structured logger (slog.go) that components scope with Component().
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	instance *Logger
	once     sync.Once
)

// Logger writes human-oriented lines to the console and a dated file
type Logger struct {
	infoLogger  *log.Logger
	errorLogger *log.Logger
	logFile     *os.File
	mu          sync.Mutex
}

// Init initializes the global console logger
func Init(logDir string) error {
	var initErr error
	once.Do(func() {
		instance, initErr = newLogger(logDir)
	})
	return initErr
}

func newLogger(logDir string) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFilePath := filepath.Join(logDir, fmt.Sprintf("kumiai-console-%s.log", time.Now().Format("2006-01-02")))
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Logger{
		infoLogger:  log.New(io.MultiWriter(os.Stdout, logFile), "", log.LstdFlags),
		errorLogger: log.New(io.MultiWriter(os.Stderr, logFile), "ERROR: ", log.LstdFlags),
		logFile:     logFile,
	}, nil
}

// Close closes the log file
func Close() error {
	if instance != nil && instance.logFile != nil {
		return instance.logFile.Close()
	}
	return nil
}

// Printf logs a formatted informational line
func Printf(format string, v ...any) {
	if instance == nil {
		return
	}
	instance.mu.Lock()
	defer instance.mu.Unlock()
	instance.infoLogger.Printf(format, v...)
}

// Println logs a simple line
func Println(v ...any) {
	if instance == nil {
		return
	}
	instance.mu.Lock()
	defer instance.mu.Unlock()
	instance.infoLogger.Println(v...)
}

// Errorf logs a formatted error line
func Errorf(format string, v ...any) {
	if instance == nil {
		return
	}
	instance.mu.Lock()
	defer instance.mu.Unlock()
	instance.errorLogger.Printf(format, v...)
}

// Fatalf logs a formatted fatal error and exits
func Fatalf(format string, v ...any) {
	if instance == nil {
		log.Fatalf(format, v...)
	}
	instance.mu.Lock()
	defer instance.mu.Unlock()
	instance.errorLogger.Fatalf(format, v...)
}
