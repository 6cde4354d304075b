// Package progress normalizes heterogeneous backend progress signals into one
// rate-limited, monotonic stream per task.
package progress

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashdyer/kiln/internal/model"
)

// subscriberBufferSize is the channel buffer for each subscriber. Events are
// dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// Tracker aggregates progress callbacks into per-task subscribable streams.
// It retains only the most recent event per task, clamps fractions to be
// non-decreasing within an attempt, and rate-limits emission per task to
// protect downstream consumers. It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers receive a
// closed channel instead of blocking forever.
type Tracker struct {
	perTask rate.Limit

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs    map[int]chan model.ProgressEvent
	nextID  int
	closed  bool
	limiter *rate.Limiter
	last    model.ProgressEvent
	hasLast bool
}

// NewTracker creates a tracker with the given per-task emission ceiling in
// events per second.
func NewTracker(maxEventsPerSecond float64) *Tracker {
	return &Tracker{
		perTask: rate.Limit(maxEventsPerSecond),
		topics:  make(map[string]*topic),
	}
}

// Publish records one progress sample for a task attempt. Fractions within an
// attempt are clamped to be non-decreasing; a higher attempt number resets
// progress to the reported value (a retry starts over at 0). Samples beyond
// the rate ceiling update the retained value but are not fanned out, except
// completion (fraction >= 1), which is always delivered.
func (t *Tracker) Publish(taskID string, attempt int, fraction float64, stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tp, ok := t.topics[taskID]
	if !ok {
		tp = t.newTopic()
		t.topics[taskID] = tp
	}
	if tp.closed {
		return
	}

	if tp.hasLast && attempt == tp.last.Attempt && fraction < tp.last.Fraction {
		fraction = tp.last.Fraction
	}

	ev := model.ProgressEvent{
		TaskID:    taskID,
		Fraction:  min(fraction, 1),
		Stage:     stage,
		Attempt:   attempt,
		EmittedAt: time.Now().UTC(),
	}
	tp.last = ev
	tp.hasLast = true

	if ev.Fraction < 1 && !tp.limiter.Allow() {
		return
	}

	for _, ch := range tp.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers rather than blocking execution.
		}
	}
}

// Latest returns the most recent event for a task, if any.
func (t *Tracker) Latest(taskID string) (model.ProgressEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tp, ok := t.topics[taskID]
	if !ok || !tp.hasLast {
		return model.ProgressEvent{}, false
	}
	return tp.last, true
}

// Subscribe returns a channel receiving progress events for the task and an
// unsubscribe function. The latest retained event, if any, is delivered
// immediately. If the task already reached a terminal status the channel is
// closed on return.
func (t *Tracker) Subscribe(taskID string) (<-chan model.ProgressEvent, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tp, ok := t.topics[taskID]
	if !ok {
		tp = t.newTopic()
		t.topics[taskID] = tp
	}

	ch := make(chan model.ProgressEvent, subscriberBufferSize)
	if tp.closed {
		close(ch)
		return ch, func() {}
	}

	if tp.hasLast {
		ch <- tp.last
	}

	id := tp.nextID
	tp.nextID++
	tp.subs[id] = ch

	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(tp.subs, id)
	}
}

// Close signals that the task reached a terminal status. All subscriber
// channels are closed and future Subscribe calls return a closed channel.
func (t *Tracker) Close(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tp, ok := t.topics[taskID]
	if !ok {
		tp = t.newTopic()
		tp.closed = true
		t.topics[taskID] = tp
		return
	}

	tp.closed = true
	for id, ch := range tp.subs {
		close(ch)
		delete(tp.subs, id)
	}
}

func (t *Tracker) newTopic() *topic {
	return &topic{
		subs:    make(map[int]chan model.ProgressEvent),
		limiter: rate.NewLimiter(t.perTask, 1),
	}
}
