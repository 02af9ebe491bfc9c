package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rivo/tview"
)

// LogLevel represents the severity of a log message
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// parseLevel maps a server log level name onto a LogLevel. slog levels
// between the named ones ("INFO+2") take the level they start with.
func parseLevel(s string) LogLevel {
	s = strings.ToUpper(s)
	for _, l := range []LogLevel{LogLevelError, LogLevelWarn, LogLevelInfo, LogLevelDebug} {
		if strings.HasPrefix(s, string(l)) {
			return l
		}
	}
	return LogLevelInfo
}

// LogManager manages the log panel and message history
type LogManager struct {
	textView *tview.TextView

	// messages stores recent log messages, oldest first
	messages    []LogMessage
	maxMessages int

	mu sync.Mutex
}

// LogMessage represents a single log entry
type LogMessage struct {
	Time    time.Time
	Level   LogLevel
	Message string
}

// NewLogManager creates a new log manager
func NewLogManager(maxMessages int) *LogManager {
	textView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetMaxLines(maxMessages)

	textView.SetBorder(true).SetTitle(" Logs ")

	return &LogManager{
		textView:    textView,
		messages:    make([]LogMessage, 0, maxMessages),
		maxMessages: maxMessages,
	}
}

// GetView returns the tview component
func (lm *LogManager) GetView() tview.Primitive {
	return lm.textView
}

// AddLog adds a log message with the specified level
func (lm *LogManager) AddLog(level LogLevel, format string, args ...any) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	msg := LogMessage{
		Time:    time.Now(),
		Level:   level,
		Message: fmt.Sprintf(format, args...),
	}
	lm.messages = append(lm.messages, msg)
	if len(lm.messages) > lm.maxMessages {
		lm.messages = lm.messages[len(lm.messages)-lm.maxMessages:]
	}

	fmt.Fprint(lm.textView, formatLogLine(msg))
	lm.textView.ScrollToEnd()
}

// Debug logs a debug message
func (lm *LogManager) Debug(format string, args ...any) {
	lm.AddLog(LogLevelDebug, format, args...)
}

// Info logs an info message
func (lm *LogManager) Info(format string, args ...any) {
	lm.AddLog(LogLevelInfo, format, args...)
}

// Warn logs a warning message
func (lm *LogManager) Warn(format string, args ...any) {
	lm.AddLog(LogLevelWarn, format, args...)
}

// Error logs an error message
func (lm *LogManager) Error(format string, args ...any) {
	lm.AddLog(LogLevelError, format, args...)
}

// Messages returns a copy of the retained messages.
func (lm *LogManager) Messages() []LogMessage {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return append([]LogMessage(nil), lm.messages...)
}

// formatLogLine renders "HH:MM:SS LEVEL message" with tview color tags.
// Square brackets in the message are escaped.
func formatLogLine(msg LogMessage) string {
	return fmt.Sprintf("[gray]%s[-] [%s]%-5s[-] %s\n",
		msg.Time.Format("15:04:05"), colorForLevel(msg.Level), msg.Level, tview.Escape(msg.Message))
}

// colorForLevel returns the tview color tag for a log level
func colorForLevel(level LogLevel) string {
	switch level {
	case LogLevelDebug:
		return "gray"
	case LogLevelWarn:
		return "yellow"
	case LogLevelError:
		return "red"
	default:
		return "white"
	}
}
