package logging

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Entry is one captured log line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// Buffer is a thread-safe ring buffer of the most recent log lines. It is
// fed the JSON output of zerolog and served by the control API.
type Buffer struct {
	entries []Entry
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

// NewBuffer creates a buffer holding at most size entries.
func NewBuffer(size int) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Write implements io.Writer. Each call is expected to carry one zerolog line.
func (b *Buffer) Write(p []byte) (int, error) {
	raw := strings.TrimRight(string(p), "\n")
	entry := Entry{
		Timestamp: time.Now(),
		Level:     "info",
		Message:   raw,
		Raw:       raw,
	}
	var line struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(p, &line); err == nil {
		if line.Level != "" {
			entry.Level = line.Level
		}
		entry.Message = line.Message
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	return len(p), nil
}

// Entries returns all entries in chronological order
func (b *Buffer) Entries() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Entry, b.count)
	if b.count == 0 {
		return result
	}
	start := 0
	if b.count == b.size {
		start = b.head
	}
	for i := 0; i < b.count; i++ {
		result[i] = b.entries[(start+i)%b.size]
	}
	return result
}

// Recent returns the most recent n entries, optionally only those at level or above.
func (b *Buffer) Recent(n int, level string) []Entry {
	entries := b.Entries()
	if level != "" {
		floor := levelRank(level)
		filtered := entries[:0:0]
		for _, e := range entries {
			if levelRank(e.Level) >= floor {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if n <= 0 || len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}

// Clear drops all entries
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
}

func levelRank(level string) int {
	switch strings.ToLower(level) {
	case "trace":
		return 0
	case "debug":
		return 1
	case "info":
		return 2
	case "warn", "warning":
		return 3
	case "error":
		return 4
	case "fatal":
		return 5
	case "panic":
		return 6
	}
	return 2
}
