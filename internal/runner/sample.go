package runner

import (
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/sentinel/internal/workload"
)

// sampleLoop observes cpu/rss/threads at the configured cadence while the
// process lives. Samples are skipped silently when the process is already
// gone or the OS refuses the read.
func (r *Runner) sampleLoop(pid int) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	// Prime the cpu accounting so the first interval reading is meaningful.
	_, _ = proc.CPUPercent()

	ticker := time.NewTicker(r.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.sampStop:
			return
		case <-ticker.C:
			s, ok := r.sampleOnce(proc)
			if !ok {
				continue
			}
			select {
			case r.samples <- s:
			case <-r.sampStop:
				return
			}
		}
	}
}

func (r *Runner) sampleOnce(proc *process.Process) (workload.MetricSample, bool) {
	cpuPct, err := proc.CPUPercent()
	if err != nil {
		return workload.MetricSample{}, false
	}
	s := workload.MetricSample{
		WorkloadID: r.cfg.WorkloadID,
		Time:       time.Now(),
		CPU:        cpuPct / 100.0,
	}
	if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
		s.RSSBytes = mi.RSS
	}
	if n, err := proc.NumThreads(); err == nil {
		s.Threads = n
	}
	return s, true
}
