// Package events delivers usage events and abuse signals to external
// consumers without blocking the admission path.
package events

import (
	"context"
	"time"
)

// Kind names an event type in logs and metrics.
type Kind string

const (
	// KindUsage is a per-decision usage event.
	KindUsage Kind = "usage"
	// KindAbuse is an abuse signal.
	KindAbuse Kind = "abuse"
)

// UsageEvent records one admission decision.
type UsageEvent struct {
	Key       string    `json:"key"`
	Scope     string    `json:"scope,omitempty"`
	Tier      string    `json:"tier,omitempty"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
	Algorithm string    `json:"algorithm"`
	FailOpen  bool      `json:"fail_open,omitempty"`
	Degraded  bool      `json:"degraded,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AbuseSignal is raised when a client's abuse score crosses the alert
// threshold or the client gets blocked.
type AbuseSignal struct {
	Key            string    `json:"key"`
	AbuseScore     float64   `json:"abuse_score"`
	ViolationCount int       `json:"violation_count"`
	Blocked        bool      `json:"blocked"`
	Timestamp      time.Time `json:"timestamp"`
}

// Batch groups the events of one flush.
type Batch struct {
	Usage   []UsageEvent
	Signals []AbuseSignal
}

// Len returns the number of events in the batch.
func (b Batch) Len() int {
	return len(b.Usage) + len(b.Signals)
}

// Sink receives batches. Write must honor ctx.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch Batch) error
}

// Publisher accepts events without blocking.
type Publisher interface {
	PublishUsage(e UsageEvent) bool
	PublishAbuse(s AbuseSignal) bool
}

// NopPublisher discards every event.
type NopPublisher struct{}

// PublishUsage implements Publisher.
func (NopPublisher) PublishUsage(UsageEvent) bool { return true }

// PublishAbuse implements Publisher.
func (NopPublisher) PublishAbuse(AbuseSignal) bool { return true }
