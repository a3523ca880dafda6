package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// callerHook points the reported caller at the first frame outside logrus
// and this package, since every call goes through the Entry wrappers.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		fn := frame.Function
		if !strings.Contains(fn, "sirupsen/logrus") && !strings.Contains(fn, "bookstream/logger") {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}
