// Package trace records what a pipeline run decided for each step, in a
// canonical form whose bytes depend only on the outcome and not on
// scheduling.
package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ExecutionTrace is the canonical record of one pipeline run. It holds no
// timestamps, durations or error strings.
type ExecutionTrace struct {
	GraphHash string
	Events    []TraceEvent
}

// TraceEventKind discriminates TraceEvent. The values are part of the
// canonical bytes; do not rename.
type TraceEventKind string

const (
	EventTaskCached   TraceEventKind = "TaskCached"
	EventTaskExecuted TraceEventKind = "TaskExecuted"
	EventTaskFailed   TraceEventKind = "TaskFailed"
	EventTaskSkipped  TraceEventKind = "TaskSkipped"
)

// Reason codes.
const (
	ReasonCommandFailed  = "CommandFailed"
	ReasonUpstreamFailed = "UpstreamFailed"
	ReasonCanceled       = "Canceled"
	ReasonInvalidInput   = "InvalidInput"
)

// TraceEvent is the outcome of a single step.
type TraceEvent struct {
	Kind TraceEventKind

	// TaskID is the step name.
	TaskID string

	// TaskHash is the content-derived identity of the step, when known.
	TaskHash string

	Reason string

	// CauseTaskID names the upstream step whose failure caused a skip.
	CauseTaskID string

	// Artifacts lists the output paths the step produced or restored.
	Artifacts []string
}

// Validate checks the trace is well formed.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.GraphHash == "" {
		return errors.New("graphHash is required")
	}
	for i, e := range t.Events {
		if kindOrder(e.Kind) == unknownKind {
			return fmt.Errorf("events[%d]: unknown kind %q", i, e.Kind)
		}
		if e.TaskID == "" {
			return fmt.Errorf("events[%d].taskId is required for kind %q", i, e.Kind)
		}
		for j, a := range e.Artifacts {
			if a == "" {
				return fmt.Errorf("events[%d].artifacts[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize sorts artifacts and orders events by
// (taskId, kind, reason, causeTaskId, taskHash, artifacts).
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		t.Events[i].Artifacts = sortedCopy(t.Events[i].Artifacts)
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		switch {
		case a.TaskID != b.TaskID:
			return a.TaskID < b.TaskID
		case a.Kind != b.Kind:
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		case a.Reason != b.Reason:
			return a.Reason < b.Reason
		case a.CauseTaskID != b.CauseTaskID:
			return a.CauseTaskID < b.CauseTaskID
		case a.TaskHash != b.TaskHash:
			return a.TaskHash < b.TaskHash
		}
		return lessStrings(a.Artifacts, b.Artifacts)
	})
}

const unknownKind = 1000

func kindOrder(k TraceEventKind) int {
	switch k {
	case EventTaskCached:
		return 10
	case EventTaskExecuted:
		return 20
	case EventTaskFailed:
		return 30
	case EventTaskSkipped:
		return 40
	default:
		return unknownKind
	}
}

// Count returns how many events have kind k.
func (t ExecutionTrace) Count(k TraceEventKind) int {
	n := 0
	for _, e := range t.Events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// Event returns the first event recorded for task.
func (t ExecutionTrace) Event(task string) (TraceEvent, bool) {
	for _, e := range t.Events {
		if e.TaskID == task {
			return e, true
		}
	}
	return TraceEvent{}, false
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func lessStrings(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// CanonicalJSON canonicalizes a copy of the trace and encodes it.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	c := ExecutionTrace{GraphHash: t.GraphHash, Events: make([]TraceEvent, len(t.Events))}
	copy(c.Events, t.Events)
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// Hash returns the sha256 of CanonicalJSON.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

type traceJSON struct {
	GraphHash string       `json:"graphHash"`
	Events    []TraceEvent `json:"events"`
}

func (t ExecutionTrace) MarshalJSON() ([]byte, error) {
	if t.GraphHash == "" {
		return nil, errors.New("graphHash is required")
	}
	events := t.Events
	if events == nil {
		events = []TraceEvent{}
	}
	return json.Marshal(traceJSON{GraphHash: t.GraphHash, Events: events})
}

func (t *ExecutionTrace) UnmarshalJSON(b []byte) error {
	var raw traceJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t.GraphHash, t.Events = raw.GraphHash, raw.Events
	return nil
}

type eventJSON struct {
	Kind        TraceEventKind `json:"kind"`
	TaskID      string         `json:"taskId,omitempty"`
	TaskHash    string         `json:"taskHash,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	CauseTaskID string         `json:"causeTaskId,omitempty"`
	Artifacts   []string       `json:"artifacts,omitempty"`
}

// MarshalJSON fixes field order, omits empty optionals and sorts
// artifacts without touching the receiver.
func (e TraceEvent) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	return json.Marshal(eventJSON{
		Kind:        e.Kind,
		TaskID:      e.TaskID,
		TaskHash:    e.TaskHash,
		Reason:      e.Reason,
		CauseTaskID: e.CauseTaskID,
		Artifacts:   sortedCopy(e.Artifacts),
	})
}

func (e *TraceEvent) UnmarshalJSON(b []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = TraceEvent(raw)
	return nil
}
