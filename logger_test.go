//go:build !integration

package ldapauth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// capturedRecord is one log record flattened for assertions.
type capturedRecord struct {
	level   slog.Level
	message string
	attrs   map[string]string
}

// captureHandler is a slog.Handler that records every log line so tests
// can assert on diagnostic events and their attributes.
type captureHandler struct {
	mu      sync.Mutex
	records []capturedRecord
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, record slog.Record) error {
	captured := capturedRecord{
		level:   record.Level,
		message: record.Message,
		attrs:   map[string]string{},
	}
	record.Attrs(func(attr slog.Attr) bool {
		captured.attrs[attr.Key] = fmt.Sprint(attr.Value.Any())
		return true
	})

	h.mu.Lock()
	h.records = append(h.records, captured)
	h.mu.Unlock()
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) all() []capturedRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]capturedRecord(nil), h.records...)
}

func (h *captureHandler) find(message string) (capturedRecord, bool) {
	for _, record := range h.all() {
		if record.message == message {
			return record, true
		}
	}
	return capturedRecord{}, false
}

func (h *captureHandler) findAll(message string) []capturedRecord {
	var matches []capturedRecord
	for _, record := range h.all() {
		if record.message == message {
			matches = append(matches, record)
		}
	}
	return matches
}
