package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

const maxCallerDepth = 16

var skippedCallers = []string{"sirupsen/logrus", "candleflow/logger."}

// callerHook points entry.Caller at the first frame outside logrus and this package,
// so wrapped helpers such as Entry.LogMetric report the real call site.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, maxCallerDepth)
	n := runtime.Callers(4, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isSkippedCaller(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isSkippedCaller(fn string) bool {
	for _, prefix := range skippedCallers {
		if strings.Contains(fn, prefix) {
			return true
		}
	}
	return false
}
