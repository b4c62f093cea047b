package logger

import (
	"context"
	"time"
)

// StartReport periodically emits the accumulated warn and error totals
// as health metrics. The counters are process-wide, so one reporter is
// enough.
func StartReport(ctx context.Context, l *Log, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.LogMetric("health", "warnings_total", WarnTotal(), "counter", nil)
				l.LogMetric("health", "errors_total", ErrorTotal(), "counter", nil)
			}
		}
	}()
}
