package trace

import "sync"

// Sink receives trace events. Record must not block for long and must not
// fail the run.
type Sink interface {
	Record(event TraceEvent)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(TraceEvent) {}

// SafeRecord records event, swallowing any panic from a buggy sink.
func SafeRecord(s Sink, event TraceEvent) {
	if s == nil {
		return
	}
	defer func() { _ = recover() }()
	s.Record(event)
}

// Recorder collects events in memory. It is safe for concurrent use;
// ordering is fixed later by Canonicalize.
type Recorder struct {
	mu     sync.Mutex
	events []TraceEvent
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event TraceEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Snapshot returns a copy of the recorded events.
func (r *Recorder) Snapshot() []TraceEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TraceEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Trace returns a canonical trace of the events recorded so far.
func (r *Recorder) Trace(graphHash string) ExecutionTrace {
	tr := ExecutionTrace{GraphHash: graphHash, Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}
