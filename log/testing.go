package log

import (
	"fmt"
	"strings"
	"sync"
)

// Log levels recorded by MemoryLogger.
const (
	LevelInfo  = "INFO"
	LevelDebug = "DEBUG"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// MemoryLogger captures all log messages in memory for testing.
// Thread-safe for concurrent use.
type MemoryLogger struct {
	mu       sync.Mutex
	messages []LogMessage
}

// LogMessage represents a captured log entry
type LogMessage struct {
	Level   string
	Message string
}

// NewMemoryLogger creates a new MemoryLogger for testing
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (m *MemoryLogger) record(level, format string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, LogMessage{Level: level, Message: fmt.Sprintf(format, args...)})
}

func (m *MemoryLogger) Info(format string, args ...any)  { m.record(LevelInfo, format, args...) }
func (m *MemoryLogger) Debug(format string, args ...any) { m.record(LevelDebug, format, args...) }
func (m *MemoryLogger) Warn(format string, args ...any)  { m.record(LevelWarn, format, args...) }
func (m *MemoryLogger) Error(format string, args ...any) { m.record(LevelError, format, args...) }

// GetMessages returns a copy of all captured messages
func (m *MemoryLogger) GetMessages() []LogMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]LogMessage, len(m.messages))
	copy(result, m.messages)
	return result
}

// GetMessagesByLevel returns all messages of a specific level
func (m *MemoryLogger) GetMessagesByLevel(level string) []LogMessage {
	var result []LogMessage
	for _, msg := range m.GetMessages() {
		if msg.Level == level {
			result = append(result, msg)
		}
	}
	return result
}

// HasMessage checks if any message contains the given substring
func (m *MemoryLogger) HasMessage(substring string) bool {
	return m.HasMessageWithLevel("", substring)
}

// HasMessageWithLevel checks if any message at the given level contains the
// substring. An empty level matches every level.
func (m *MemoryLogger) HasMessageWithLevel(level, substring string) bool {
	for _, msg := range m.GetMessages() {
		if (level == "" || msg.Level == level) && strings.Contains(msg.Message, substring) {
			return true
		}
	}
	return false
}

// Clear removes all captured messages
func (m *MemoryLogger) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

// Count returns the total number of captured messages
func (m *MemoryLogger) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// CountByLevel returns the number of messages at a specific level
func (m *MemoryLogger) CountByLevel(level string) int {
	return len(m.GetMessagesByLevel(level))
}

// String returns a formatted string of all messages (useful for debugging tests)
func (m *MemoryLogger) String() string {
	var sb strings.Builder
	for i, msg := range m.GetMessages() {
		sb.WriteString(fmt.Sprintf("%d. [%s] %s\n", i+1, msg.Level, msg.Message))
	}
	return sb.String()
}
