package coalesce

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"event-sync-relay/shared/events"
)

// DefaultInterval is the quiescence window applied when none is configured.
const DefaultInterval = time.Second

// Effect tells the caller what Ingest did with an event.
type Effect int

const (
	// Immediate means no rule matched; the caller delivers the event as is.
	Immediate Effect = iota
	// Scheduled means the event was added to a group that flushes later
	// through the engine's DeliverFunc.
	Scheduled
)

func (e Effect) String() string {
	switch e {
	case Immediate:
		return "immediate"
	case Scheduled:
		return "scheduled"
	default:
		return fmt.Sprintf("effect(%d)", int(e))
	}
}

// DeliverFunc receives merged events. It is called from timer goroutines,
// never while the engine lock is held.
type DeliverFunc func(evt events.Event)

// groupKey identifies one aggregation group. value is the canonical JSON
// encoding of the grouping value, so 5 and "5" never share a group.
type groupKey struct {
	event    string
	path     string
	hasValue bool
	value    string
}

type group struct {
	rule      Rule
	value     any
	hasValue  bool
	fragments []map[string]any
	timer     Timer
}

type ruleKey struct {
	event string
	path  string
}

// Engine owns the aggregation table. All table mutations happen under mu.
type Engine struct {
	interval  time.Duration
	scheduler Scheduler
	deliver   DeliverFunc
	rules     map[ruleKey]Rule

	mu      sync.Mutex
	groups  map[groupKey]*group
	closed  bool
	dropped int
}

// Option configures an Engine.
type Option func(*Engine)

// WithInterval sets the merge interval. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithScheduler replaces the timer source, mainly for virtual time in tests.
func WithScheduler(s Scheduler) Option {
	return func(e *Engine) {
		if s != nil {
			e.scheduler = s
		}
	}
}

// New builds an engine. When rules repeat an (event, path) pair the first one
// wins.
func New(rules []Rule, deliver DeliverFunc, opts ...Option) *Engine {
	e := &Engine{
		interval:  DefaultInterval,
		scheduler: systemScheduler{},
		deliver:   deliver,
		rules:     make(map[ruleKey]Rule, len(rules)),
		groups:    make(map[groupKey]*group),
	}
	for _, r := range rules {
		k := ruleKey{event: r.Event, path: r.Path}
		if _, exists := e.rules[k]; !exists {
			e.rules[k] = r
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Interval reports the configured merge interval.
func (e *Engine) Interval() time.Duration { return e.interval }

// Match returns the rule that governs evt, if any.
func (e *Engine) Match(evt events.Event) (Rule, bool) {
	r, ok := e.rules[ruleKey{event: evt.Event, path: evt.Path}]
	return r, ok
}

// Ingest routes one inbound event. Unmatched events come back as Immediate
// without touching the table.
func (e *Engine) Ingest(evt events.Event) Effect {
	rule, ok := e.Match(evt)
	if !ok {
		return Immediate
	}
	value, hasValue := rule.groupingValue(evt.Data)
	key := groupKey{event: evt.Event, path: evt.Path, hasValue: hasValue}
	if hasValue {
		key.value = canonical(value)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		e.dropped++
		return Scheduled
	}
	g, ok := e.groups[key]
	if !ok {
		g = &group{rule: rule, value: value, hasValue: hasValue}
		e.groups[key] = g
	}
	g.fragments = append(g.fragments, evt.Data)
	if g.timer == nil {
		g.timer = e.scheduler.AfterFunc(e.interval, func() { e.flush(key, g) })
	}
	return Scheduled
}

// flush drains g and removes it from the table in one critical section.
// Events arriving afterwards start a new group with a new timer.
func (e *Engine) flush(key groupKey, g *group) {
	e.mu.Lock()
	if cur, ok := e.groups[key]; !ok || cur != g {
		// Closed, or already flushed.
		e.mu.Unlock()
		return
	}
	delete(e.groups, key)
	list := g.fragments
	g.fragments = nil
	g.timer = nil
	e.mu.Unlock()

	if len(list) == 0 || e.deliver == nil {
		return
	}
	e.deliver(g.merged(key, list))
}

func (g *group) merged(key groupKey, list []map[string]any) events.Event {
	data := map[string]any{events.MergedListKey: list}
	if g.rule.GroupingField != "" && g.hasValue {
		data[g.rule.GroupingField] = g.value
	}
	return events.Event{Path: key.path, Event: key.event, Data: data}
}

// Pending returns the number of groups waiting for their timer.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.groups)
}

// Close stops every pending timer and abandons the accumulated fragments.
// It returns how many fragments were dropped, including events ingested
// after a previous Close.
func (e *Engine) Close() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for key, g := range e.groups {
		if g.timer != nil {
			g.timer.Stop()
		}
		e.dropped += len(g.fragments)
		delete(e.groups, key)
	}
	n := e.dropped
	e.dropped = 0
	return n
}

func canonical(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T:%v", v, v)
	}
	return string(b)
}
