package supervisor

import (
	"time"

	"github.com/loykin/sentinel/internal/metrics"
	"github.com/loykin/sentinel/internal/runner"
	"github.com/loykin/sentinel/internal/workload"
)

// collectLine assigns the per-workload sequence number and hands the record
// to the batching appender. The appender, not the supervisor, owns the
// backpressure bound.
func (s *Supervisor) collectLine(line runner.Line) {
	payload := line.Text
	if line.Truncated {
		payload += runner.TruncatedMarker
	}
	s.seq++
	rec := workload.LogRecord{
		WorkloadID: s.id(),
		Seq:        s.seq,
		Time:       line.Time,
		Stream:     line.Stream,
		Payload:    payload,
	}
	if s.deps.Appender != nil {
		s.deps.Appender.EnqueueLog(rec)
	}
}

// systemLog records a daemon-originated message on the workload's log stream.
func (s *Supervisor) systemLog(msg string) {
	s.seq++
	if s.deps.Appender != nil {
		s.deps.Appender.EnqueueLog(workload.LogRecord{
			WorkloadID: s.id(),
			Seq:        s.seq,
			Time:       time.Now(),
			Stream:     workload.StreamSystem,
			Payload:    msg,
		})
	}
}

func (s *Supervisor) collectSample(sample workload.MetricSample) {
	if s.deps.Appender != nil {
		s.deps.Appender.EnqueueMetric(sample)
	}
	metrics.SetSample(s.name(), sample.CPU, sample.RSSBytes, sample.Threads)
}
