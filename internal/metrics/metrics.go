package metrics

import (
	"sync/atomic"

	"scalpflow/logger"
)

// EmitMetric emits a single metric through the structured logger. The
// logger mirrors the value to CloudWatch when publishing is enabled.
func EmitMetric(log *logger.Log, component, metric string, value int64, metricType string, fields logger.Fields) {
	if log == nil {
		log = logger.GetLogger()
	}
	log.LogMetric(component, metric, value, metricType, fields)
}

// Counter is a process-wide atomic counter with an externally observable
// value. Every dropped or discarded unit of data must go through one of
// these; silent loss is not allowed.
type Counter struct {
	v int64
}

func (c *Counter) Inc() int64 { return atomic.AddInt64(&c.v, 1) }

func (c *Counter) Add(n int64) int64 { return atomic.AddInt64(&c.v, n) }

func (c *Counter) Value() int64 { return atomic.LoadInt64(&c.v) }
