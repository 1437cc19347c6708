package offline

import (
	"time"

	"github.com/drblury/transitflow/internal/runtime/messages"
)

// DropReason explains why an envelope left the queue undelivered.
type DropReason string

const (
	DropRetriesExhausted DropReason = "retriesExhausted"
	DropEvicted          DropReason = "evicted"
	DropCoalesced        DropReason = "coalesced"
	DropSuperseded       DropReason = "superseded"
	DropClosed           DropReason = "closed"
)

// Hooks are optional lifecycle callbacks. They run outside the queue lock.
type Hooks struct {
	OnDelivered      func(env messages.QueuedEnvelope)
	OnDropped        func(env messages.QueuedEnvelope, reason DropReason)
	OnRetryScheduled func(env messages.QueuedEnvelope, delay time.Duration)
}

// Merge returns hooks that call h first and then other.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnDelivered:      chainEnvelope(h.OnDelivered, other.OnDelivered),
		OnDropped:        chainDropped(h.OnDropped, other.OnDropped),
		OnRetryScheduled: chainRetry(h.OnRetryScheduled, other.OnRetryScheduled),
	}
}

func chainEnvelope(a, b func(messages.QueuedEnvelope)) func(messages.QueuedEnvelope) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(env messages.QueuedEnvelope) {
		a(env)
		b(env)
	}
}

func chainDropped(a, b func(messages.QueuedEnvelope, DropReason)) func(messages.QueuedEnvelope, DropReason) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(env messages.QueuedEnvelope, reason DropReason) {
		a(env, reason)
		b(env, reason)
	}
}

func chainRetry(a, b func(messages.QueuedEnvelope, time.Duration)) func(messages.QueuedEnvelope, time.Duration) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(env messages.QueuedEnvelope, d time.Duration) {
		a(env, d)
		b(env, d)
	}
}

// event is a deferred hook invocation collected while the lock is held.
type event struct {
	env       messages.QueuedEnvelope
	delivered bool
	reason    DropReason
	retry     time.Duration
}

func (h Hooks) fire(events []event) {
	for _, ev := range events {
		switch {
		case ev.delivered:
			if h.OnDelivered != nil {
				h.OnDelivered(ev.env)
			}
		case ev.reason != "":
			if h.OnDropped != nil {
				h.OnDropped(ev.env, ev.reason)
			}
		case ev.retry > 0:
			if h.OnRetryScheduled != nil {
				h.OnRetryScheduled(ev.env, ev.retry)
			}
		}
	}
}
