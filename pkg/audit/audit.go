// Package audit provides an append-only audit trail for every cloud control
// plane interaction performed during a test run.
//
// Every adapter call (launch, describe, terminate, placement-group lookup) is
// recorded with its timestamp, operation name, resource handle, and classified
// outcome. The trail serves two purposes: post-run inspection of exactly what
// the tool did to the account, and end-of-run orphan reconciliation (an
// instance that was launched but never released shows up here even when its
// handle was lost to a crash).
//
// The sink is safe for concurrent use; writes are serialized internally.
package audit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Entry is one recorded control-plane interaction.
type Entry struct {
	// Timestamp is when the operation completed.
	Timestamp time.Time `json:"timestamp"`

	// Operation names the adapter call, e.g. "launch", "terminate".
	Operation string `json:"operation"`

	// Resource identifies the subject, usually an instance id. May be an
	// instance type for pre-launch operations.
	Resource string `json:"resource"`

	// Outcome is the classified result: "ok" or an error kind.
	Outcome string `json:"outcome"`

	// Detail carries free-form context, e.g. an error message.
	Detail string `json:"detail,omitempty"`
}

// Sink collects audit entries and mirrors them to the structured log.
type Sink struct {
	mu      sync.Mutex
	entries []Entry
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewSink returns a sink that mirrors entries to the given logger at debug
// level. A nil logger falls back to the logrus standard logger.
func NewSink(log logrus.FieldLogger) *Sink {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sink{log: log, now: time.Now}
}

// Record appends one entry to the trail.
func (s *Sink) Record(operation, resource, outcome, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := Entry{
		Timestamp: s.now().UTC(),
		Operation: operation,
		Resource:  resource,
		Outcome:   outcome,
		Detail:    detail,
	}
	s.entries = append(s.entries, e)
	s.log.WithFields(logrus.Fields{
		"operation": operation,
		"resource":  resource,
		"outcome":   outcome,
	}).Debug("audit")
}

// RecordOrphan flags a resource that reached the launched state but was never
// released through a verdict or cleanup. Orphans are logged at warning level
// so they survive into non-debug output.
func (s *Sink) RecordOrphan(resource, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := Entry{
		Timestamp: s.now().UTC(),
		Operation: "orphaned-resource",
		Resource:  resource,
		Outcome:   "unreleased",
		Detail:    detail,
	}
	s.entries = append(s.entries, e)
	s.log.WithField("resource", resource).Warn("orphaned resource at exit")
}

// Entries returns a copy of the trail in append order.
func (s *Sink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Orphans returns the resources flagged via RecordOrphan.
func (s *Sink) Orphans() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.entries {
		if e.Operation == "orphaned-resource" {
			out = append(out, e.Resource)
		}
	}
	return out
}
