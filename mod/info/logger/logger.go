package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

/*
	Logger

	Console and file logger shared by every module.
	Log files rotate by month and are named <prefix>_<yyyy-mm>.log
*/

type Logger struct {
	Prefix         string //Prefix for log files
	LogFolder      string //Folder to store the log file
	CurrentLogFile string //Current writing filename
	logger         *zap.Logger
	file           *os.File
}

// NewLogger creates a logger writing to the console and to a log file under logFolder
func NewLogger(logFilePrefix string, logFolder string) (*Logger, error) {
	if err := os.MkdirAll(logFolder, 0775); err != nil {
		return nil, err
	}

	thisLogger := Logger{
		Prefix:    logFilePrefix,
		LogFolder: logFolder,
	}

	logFilePath := thisLogger.getLogFilepath()
	f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0755)
	if err != nil {
		return nil, err
	}
	thisLogger.CurrentLogFile = logFilePath
	thisLogger.file = f
	thisLogger.logger = zap.New(zapcore.NewTee(
		newCore(zapcore.AddSync(os.Stdout), zapcore.InfoLevel),
		newCore(zapcore.AddSync(f), zapcore.DebugLevel),
	))
	return &thisLogger, nil
}

// NewFmtLogger creates a logger that only writes to the console
func NewFmtLogger() (*Logger, error) {
	return &Logger{
		Prefix:    "",
		LogFolder: "",
		logger:    zap.New(newCore(zapcore.AddSync(os.Stdout), zapcore.InfoLevel)),
	}, nil
}

// NewNopLogger creates a logger that discards everything, used by tests
func NewNopLogger() *Logger {
	return &Logger{logger: zap.NewNop()}
}

func newCore(ws zapcore.WriteSyncer, level zapcore.Level) zapcore.Core {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "title",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000000"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	return zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), ws, level)
}

func (l *Logger) getLogFilepath() string {
	year, month, _ := time.Now().Date()
	return filepath.Join(l.LogFolder, l.Prefix+"_"+fmt.Sprint(year)+"-"+fmt.Sprintf("%02d", month)+".log")
}

// PrintAndLog will log the message to file and print the log to STDOUT
func (l *Logger) PrintAndLog(title string, message string, originalError error) {
	if l == nil || l.logger == nil {
		return
	}
	named := l.logger.Named(title)
	if originalError != nil {
		named.Error(message, zap.Error(originalError))
		return
	}
	named.Info(message)
}

// Warn logs a recoverable failure
func (l *Logger) Warn(title string, message string, fields ...zap.Field) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Named(title).Warn(message, fields...)
}

// Debug writes a message only to the log file
func (l *Logger) Debug(title string, message string, fields ...zap.Field) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Named(title).Debug(message, fields...)
}

// Println is a drop-in replacement for log.Println
func (l *Logger) Println(v ...interface{}) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Named("internal").Info(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

// Printf is a drop-in replacement for log.Printf
func (l *Logger) Printf(format string, v ...interface{}) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Named("internal").Info(fmt.Sprintf(format, v...))
}

// Zap exposes the underlying structured logger
func (l *Logger) Zap() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}
	return l.logger
}

// Close flushes buffered entries and closes the log file
func (l *Logger) Close() {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Sync()
	if l.file != nil {
		l.file.Close()
	}
}
