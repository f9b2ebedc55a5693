package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	warns    sync.Map // map[string]*int64, keyed by component
	errs     sync.Map // map[string]*int64, keyed by component
	channels sync.Map // map[string]*channelStat
)

func counter(m *sync.Map, key string) *int64 {
	v, _ := m.LoadOrStore(key, new(int64))
	return v.(*int64)
}

func recordWarn(component string) {
	atomic.AddInt64(counter(&warns, component), 1)
}

func recordError(component string) {
	atomic.AddInt64(counter(&errs, component), 1)
}

// RecordChannelMessage counts one message of size bytes flowing through the
// named channel. The totals show up in the runtime report.
func RecordChannelMessage(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// WarnCount returns the number of warnings logged with the given component.
func WarnCount(component string) int64 {
	return atomic.LoadInt64(counter(&warns, component))
}

// ErrorCount returns the number of errors logged with the given component.
func ErrorCount(component string) int64 {
	return atomic.LoadInt64(counter(&errs, component))
}

// StartReport begins periodic logging of runtime and channel statistics. Extra
// fields returned by extra, when non-nil, are merged into every report.
func StartReport(ctx context.Context, log *Log, interval time.Duration, extra func() Fields) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log, extra)
			}
		}
	}()
}

func logReport(log *Log, extra func() Fields) {
	log.WithComponent("report").WithFields(reportFields(extra)).Info("runtime report")
}

func reportFields(extra func() Fields) Fields {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	fields := Fields{
		"goroutines":    runtime.NumGoroutine(),
		"heap_alloc_mb": float64(mem.HeapAlloc) / 1024 / 1024,
		"num_gc":        mem.NumGC,
		"channels":      channelData,
		"warns":         snapshotCounters(&warns),
		"errors":        snapshotCounters(&errs),
	}
	if extra != nil {
		for k, v := range extra() {
			fields[k] = v
		}
	}
	return fields
}

func snapshotCounters(m *sync.Map) map[string]int64 {
	keys := []string{}
	m.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	out := make(map[string]int64, len(keys))
	for _, k := range keys {
		out[k] = atomic.LoadInt64(counter(m, k))
	}
	return out
}
