package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultLogHistory = 200

// logRecord is a captured log line as served by /api/logs.
type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook keeping the last limit records at info and above
// in a ring.
type logStore struct {
	mu     sync.RWMutex
	ring   []logRecord
	next   int
	filled bool
	closed atomic.Bool
}

func newLogStore(limit int) *logStore {
	if limit <= 0 {
		limit = defaultLogHistory
	}
	return &logStore{ring: make([]logRecord, limit)}
}

func (s *logStore) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel}
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if s.closed.Load() {
		return nil
	}
	record := toRecord(entry)

	s.mu.Lock()
	s.ring[s.next] = record
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.filled = true
	}
	s.mu.Unlock()
	return nil
}

func toRecord(entry *logrus.Entry) logRecord {
	rec := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	for k, v := range entry.Data {
		if k == "component" {
			rec.Component, _ = v.(string)
			continue
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]interface{}, len(entry.Data))
		}
		// error and Stringer values do not survive JSON encoding as-is.
		switch val := v.(type) {
		case error:
			rec.Fields[k] = val.Error()
		case fmt.Stringer:
			rec.Fields[k] = val.String()
		default:
			rec.Fields[k] = val
		}
	}
	return rec
}

// snapshot returns records newest first, restricted to component when set.
func (s *logStore) snapshot(component string) []logRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.next
	if s.filled {
		n = len(s.ring)
	}
	out := make([]logRecord, 0, n)
	for i := 1; i <= n; i++ {
		rec := s.ring[(s.next-i+len(s.ring))%len(s.ring)]
		if component != "" && rec.Component != component {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (s *logStore) close() {
	s.closed.Store(true)
}
