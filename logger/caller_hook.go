package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Call paths that never count as the real call site: logrus internals
// and this package's own wrappers.
var callerSkipPrefixes = []string{
	"github.com/sirupsen/logrus",
	"scalpflow/logger",
}

// callerHook rewrites entry.Caller so log lines point at the code that
// asked for the log rather than at the wrapper that forwarded it.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	depth := runtime.Callers(4, pcs)
	frames := runtime.CallersFrames(pcs[:depth])

	for {
		frame, more := frames.Next()
		if frame.Function != "" && !skippableFrame(frame.Function) {
			site := frame
			entry.Caller = &site
			return nil
		}
		if !more {
			return nil
		}
	}
}

func skippableFrame(fn string) bool {
	for _, prefix := range callerSkipPrefixes {
		if strings.HasPrefix(fn, prefix) {
			return true
		}
	}
	return false
}
