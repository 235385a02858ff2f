package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Aggregator holds the latest published Snapshot of every source and fans
// updates out to subscribers. Each source slot is swapped atomically, so
// readers never take a lock and never observe a half-written snapshot.
type Aggregator struct {
	historySize int
	eventTTL    time.Duration
	now         func() time.Time

	slotsMu sync.RWMutex // Guards slot membership only
	slots   map[string]*slot

	subsMu sync.RWMutex
	subs   map[*subscription]bool
}

type slot struct {
	snap atomic.Pointer[Snapshot]
}

type subscription struct {
	sourceFilter string // Empty string means receive all sources
	channel      chan Snapshot
	wake         chan struct{} // Set instead of channel for change notifications
}

// NewAggregator creates an aggregator keeping historySize recent events per
// source. Events older than eventTTL are expired; zero disables expiry.
func NewAggregator(historySize int, eventTTL time.Duration) *Aggregator {
	if historySize <= 0 {
		historySize = 16
	}
	return &Aggregator{
		historySize: historySize,
		eventTTL:    eventTTL,
		now:         time.Now,
		slots:       make(map[string]*slot),
		subs:        make(map[*subscription]bool),
	}
}

// Register creates the slot for a source. Registering twice keeps the
// existing snapshot.
func (a *Aggregator) Register(source string, kind Kind) {
	a.slotsMu.Lock()
	defer a.slotsMu.Unlock()

	if _, exists := a.slots[source]; exists {
		return
	}

	s := &slot{}
	s.snap.Store(&Snapshot{
		Source:        source,
		Kind:          kind,
		Recent:        []Event{},
		Health:        DeviceHealth{Source: source, State: StateStarting},
		AnalyzerState: AnalyzerWarming,
		UpdatedAt:     a.now(),
	})
	a.slots[source] = s
}

func (a *Aggregator) slot(source string) (*slot, error) {
	a.slotsMu.RLock()
	defer a.slotsMu.RUnlock()
	s, ok := a.slots[source]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	return s, nil
}

// update applies fn to a copy of the current snapshot and swaps it in,
// retrying when another writer got there first
func (a *Aggregator) update(source string, fn func(*Snapshot)) error {
	s, err := a.slot(source)
	if err != nil {
		return err
	}

	for {
		old := s.snap.Load()
		next := *old
		fn(&next)
		next.UpdatedAt = a.now()
		if s.snap.CompareAndSwap(old, &next) {
			a.publish(next)
			return nil
		}
	}
}

// Observe publishes an analyzed frame. Frame, score and any new event become
// visible together.
func (a *Aggregator) Observe(frame *Frame, result Result) error {
	if frame == nil {
		return ErrMalformedFrame
	}
	return a.update(frame.Source, func(s *Snapshot) {
		s.Frame = frame
		s.Score = result.Score
		s.Motion = result.Motion
		s.AnalyzerState = result.State
		if result.Event != nil {
			a.appendEvent(s, *result.Event)
		}
	})
}

// Record publishes an event without a frame
func (a *Aggregator) Record(event Event) error {
	return a.update(event.Source, func(s *Snapshot) {
		a.appendEvent(s, event)
	})
}

func (a *Aggregator) appendEvent(s *Snapshot, event Event) {
	ev := event
	s.Event = &ev

	// Recent is shared with older snapshots, so build a fresh slice
	recent := make([]Event, 0, a.historySize)
	start := 0
	if len(s.Recent) >= a.historySize {
		start = len(s.Recent) - a.historySize + 1
	}
	for _, e := range s.Recent[start:] {
		if !a.expired(e) {
			recent = append(recent, e)
		}
	}
	s.Recent = append(recent, ev)
}

// SetHealth publishes a new health record for its source
func (a *Aggregator) SetHealth(health DeviceHealth) error {
	return a.update(health.Source, func(s *Snapshot) {
		s.Health = health
	})
}

func (a *Aggregator) expired(e Event) bool {
	return a.eventTTL > 0 && a.now().Sub(e.Timestamp) > a.eventTTL
}

// view hides events that expired since the snapshot was published
func (a *Aggregator) view(s *Snapshot) Snapshot {
	out := *s
	if a.eventTTL <= 0 {
		return out
	}
	if out.Event != nil && a.expired(*out.Event) {
		out.Event = nil
	}
	for i, e := range out.Recent {
		if !a.expired(e) {
			out.Recent = out.Recent[i:]
			return out
		}
	}
	out.Recent = []Event{}
	return out
}

// Snapshot returns the latest snapshot of a source
func (a *Aggregator) Snapshot(source string) (Snapshot, bool) {
	s, err := a.slot(source)
	if err != nil {
		return Snapshot{}, false
	}
	return a.view(s.snap.Load()), true
}

// SnapshotAll returns the latest snapshot of every source
func (a *Aggregator) SnapshotAll() map[string]Snapshot {
	a.slotsMu.RLock()
	defer a.slotsMu.RUnlock()

	result := make(map[string]Snapshot, len(a.slots))
	for id, s := range a.slots {
		result[id] = a.view(s.snap.Load())
	}
	return result
}

// Sources returns the registered source ids in sorted order
func (a *Aggregator) Sources() []string {
	a.slotsMu.RLock()
	defer a.slotsMu.RUnlock()

	ids := make([]string, 0, len(a.slots))
	for id := range a.slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribe returns a channel receiving every new snapshot of source, or of
// all sources when source is empty. Slow subscribers miss updates instead of
// blocking the pipeline. Returns the channel and an unsubscribe function.
func (a *Aggregator) Subscribe(source string, bufferSize int) (<-chan Snapshot, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan Snapshot, bufferSize)
	sub := &subscription{
		sourceFilter: source,
		channel:      ch,
	}

	a.subsMu.Lock()
	a.subs[sub] = true
	a.subsMu.Unlock()

	unsubscribe := func() {
		a.subsMu.Lock()
		if _, ok := a.subs[sub]; ok {
			delete(a.subs, sub)
			close(ch)
		}
		a.subsMu.Unlock()
	}

	return ch, unsubscribe
}

func (a *Aggregator) publish(snap Snapshot) {
	a.subsMu.RLock()
	defer a.subsMu.RUnlock()

	for sub := range a.subs {
		if sub.sourceFilter != "" && sub.sourceFilter != snap.Source {
			continue
		}
		if sub.wake != nil {
			// A pending signal already covers this change
			select {
			case sub.wake <- struct{}{}:
			default:
			}
			continue
		}
		select {
		case sub.channel <- snap:
		default:
			// Subscriber is behind, skip this snapshot
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (a *Aggregator) SubscriberCount() int {
	a.subsMu.RLock()
	defer a.subsMu.RUnlock()
	return len(a.subs)
}

// Close unsubscribes all subscribers and closes their channels
func (a *Aggregator) Close() {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()

	for sub := range a.subs {
		sub.close()
		delete(a.subs, sub)
	}
}

func (s *subscription) close() {
	if s.wake != nil {
		close(s.wake)
		return
	}
	close(s.channel)
}

// changes returns a channel signalled after every update of any source.
// Signals coalesce, so a receiver that is behind sees one signal for many
// updates and must re-read the snapshots.
func (a *Aggregator) changes() (<-chan struct{}, func()) {
	sub := &subscription{wake: make(chan struct{}, 1)}

	a.subsMu.Lock()
	a.subs[sub] = true
	a.subsMu.Unlock()

	return sub.wake, func() {
		a.subsMu.Lock()
		if _, ok := a.subs[sub]; ok {
			delete(a.subs, sub)
			sub.close()
		}
		a.subsMu.Unlock()
	}
}

// Watcher receives the changes Watch extracts from the snapshot stream
type Watcher interface {
	// OnEvent is called once per new event
	OnEvent(event Event)
	// OnHealth is called when a source changes health state
	OnHealth(health DeviceHealth)
}

// Watch reports new events and health state transitions of every source to
// w until ctx is done or the aggregator is closed. The current state of every
// source is reported first. While w is slow, updates are reconciled against
// the latest snapshots: every event still in a source's Recent history is
// delivered once, oldest first, and health reports the newest state.
func (a *Aggregator) Watch(ctx context.Context, w Watcher) {
	wake, unsubscribe := a.changes()
	defer unsubscribe()

	lastEvent := make(map[string]string)
	lastState := make(map[string]HealthState)
	for _, id := range a.Sources() {
		snap, ok := a.Snapshot(id)
		if !ok {
			continue
		}
		lastState[id] = snap.Health.State
		w.OnHealth(snap.Health)
		if n := len(snap.Recent); n > 0 {
			latest := snap.Recent[n-1]
			lastEvent[id] = latest.ID
			w.OnEvent(latest)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-wake:
			if !ok {
				return
			}
			for _, id := range a.Sources() {
				snap, ok := a.Snapshot(id)
				if !ok {
					continue
				}
				for _, e := range undelivered(snap.Recent, lastEvent[id]) {
					lastEvent[id] = e.ID
					w.OnEvent(e)
				}
				if lastState[id] != snap.Health.State {
					lastState[id] = snap.Health.State
					w.OnHealth(snap.Health)
				}
			}
		}
	}
}

// undelivered returns the events of recent (oldest first) that follow the
// one with id last. When last is no longer in the history every retained
// event is newer than it.
func undelivered(recent []Event, last string) []Event {
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].ID == last {
			return recent[i+1:]
		}
	}
	return recent
}
