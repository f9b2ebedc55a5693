package logger

import (
	"reflect"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// selfPackage is this package's import path, derived at init so the hook
// survives a module rename.
var selfPackage = reflect.TypeOf(Log{}).PkgPath()

// callerHook points entry.Caller at the first frame outside logrus and the
// logger wrappers.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(4, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !internalFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func internalFrame(fn string) bool {
	if strings.Contains(fn, "sirupsen/logrus") {
		return true
	}
	return strings.HasPrefix(fn, selfPackage+".(*Entry)") || strings.HasPrefix(fn, selfPackage+".(*Log)")
}
