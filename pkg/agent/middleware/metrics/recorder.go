// Package metrics provides metrics recording for LLM client operations.
package metrics

import (
	"time"
)

// Scope labels every request a client makes. It is fixed when the client is built
// for one actor of one experiment; State, when set, reports the actor's FSM state.
type Scope struct {
	Experiment string
	Actor      string
	State      func() string
}

func (s Scope) state() string {
	if s.State == nil {
		return ""
	}
	return s.State()
}

// Request is one observed completion call.
type Request struct {
	Model            string
	Experiment       string
	Actor            string
	State            string
	ErrorType        string
	PromptTokens     int
	CompletionTokens int
	Duration         time.Duration
	Success          bool
}

// Recorder defines the interface for recording LLM operation metrics.
type Recorder interface {
	// ObserveRequest records metrics for a completed LLM request.
	ObserveRequest(r Request)

	// IncThrottle increments the throttle counter for rate limiting events.
	IncThrottle(model, reason string)

	// ObserveQueueWait records time spent waiting for rate limit availability.
	ObserveQueueWait(model string, duration time.Duration)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRequest(Request) {}

// IncThrottle does nothing in the no-op recorder.
func (n *NoopRecorder) IncThrottle(_, _ string) {}

// ObserveQueueWait does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveQueueWait(_ string, _ time.Duration) {}

// Tee fans every observation out to all recorders.
func Tee(recorders ...Recorder) Recorder {
	return tee(recorders)
}

type tee []Recorder

func (t tee) ObserveRequest(r Request) {
	for _, rec := range t {
		rec.ObserveRequest(r)
	}
}

func (t tee) IncThrottle(model, reason string) {
	for _, rec := range t {
		rec.IncThrottle(model, reason)
	}
}

func (t tee) ObserveQueueWait(model string, duration time.Duration) {
	for _, rec := range t {
		rec.ObserveQueueWait(model, duration)
	}
}
