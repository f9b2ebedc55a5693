package dashboard

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "stream disconnected"
	entry.Data = logrus.Fields{"component": "stream_manager", "url": "ws://localhost:8080", "error": errors.New("eof")}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("store.Fire returned error: %v", err)
	}

	snapshot := store.snapshot("")
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(snapshot))
	}

	got := snapshot[0]
	if got.Component != "stream_manager" || got.Fields["url"] != "ws://localhost:8080" {
		t.Fatalf("unexpected snapshot data: %#v", got)
	}
	if got.Fields["error"] != "eof" {
		t.Fatalf("expected error rendered as string, got %#v", got.Fields["error"])
	}
	if _, ok := got.Fields["component"]; ok {
		t.Fatal("component should not be duplicated in fields")
	}
}

func TestLogStoreRespectsLimitAndClose(t *testing.T) {
	store := newLogStore(2)
	for i := 0; i < 4; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = "msg"
		entry.Level = logrus.InfoLevel
		entry.Data = logrus.Fields{"index": i}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	snapshot := store.snapshot("")
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 entries after pruning, got %d", len(snapshot))
	}
	if snapshot[0].Fields["index"] != 3 {
		t.Fatalf("expected newest entry first, got %#v", snapshot[0])
	}

	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	if err := store.Fire(entry); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}

	snapshot = store.snapshot("")
	if len(snapshot) != 2 {
		t.Fatalf("store accepted entries after close")
	}
}

func TestLogStoreFiltersByComponent(t *testing.T) {
	store := newLogStore(10)
	for _, c := range []string{"feed", "stream_manager", "feed"} {
		entry := logrus.NewEntry(logrus.New())
		entry.Level = logrus.InfoLevel
		entry.Data = logrus.Fields{"component": c}
		_ = store.Fire(entry)
	}

	if got := len(store.snapshot("feed")); got != 2 {
		t.Fatalf("expected 2 feed entries, got %d", got)
	}
}

func TestLogStoreLevelsExcludeDebug(t *testing.T) {
	for _, l := range newLogStore(1).Levels() {
		if l == logrus.DebugLevel || l == logrus.TraceLevel {
			t.Fatalf("unexpected level %s", l)
		}
	}
}
