package polyphony

import "github.com/paulhenrich/polyphony/metrics"

// Stats is the snapshot returned by Scheduler.Stats, matching spec §6's
// "stats returns at minimum {poll_count, op_count, runqueue_size,
// switch_count}".
type Stats struct {
	PollCount    int64
	OpCount      int64
	RunQueueSize int64
	SwitchCount  int64
}

// TraceEvent identifies one of the five points trace_proc fires at.
type TraceEvent int

const (
	TraceEnterPoll TraceEvent = iota
	TraceLeavePoll
	TraceUnblock
	TraceSchedule
	TraceSwitch
)

func (e TraceEvent) String() string {
	switch e {
	case TraceEnterPoll:
		return "enter_poll"
	case TraceLeavePoll:
		return "leave_poll"
	case TraceUnblock:
		return "unblock"
	case TraceSchedule:
		return "schedule"
	case TraceSwitch:
		return "switch"
	default:
		return "unknown"
	}
}

// TraceProc is invoked at {enter_poll, leave_poll, unblock, schedule,
// switch} when set via Scheduler.SetTrace.
type TraceProc func(event TraceEvent, fiber *Fiber)

func (s *Scheduler) trace(event TraceEvent, fiber *Fiber) {
	if s.traceProc != nil {
		s.traceProc(event, fiber)
	}
}

// SetTrace installs trace_proc.
func (s *Scheduler) SetTrace(proc TraceProc) { s.traceProc = proc }

// SetMetrics installs the metrics.Provider instruments are recorded
// against; defaults to metrics.NoopProvider.
func (s *Scheduler) SetMetrics(p metrics.Provider) {
	s.metrics = p
	s.pollCounter = p.Counter("polyphony_poll_count")
	s.opCounter = p.Counter("polyphony_op_count")
	s.switchCounter = p.Counter("polyphony_switch_count")
	s.runqueueGauge = p.Gauge("polyphony_runqueue_size")
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		PollCount:    s.pollCount,
		OpCount:      s.opCount,
		RunQueueSize: int64(s.runQueue.Len()),
		SwitchCount:  s.switchCount,
	}
}
