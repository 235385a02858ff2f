package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventFor(source string, seq uint64, ts time.Time) Event {
	return Event{ID: fmt.Sprintf("%s-%d", source, seq), Source: source, Seq: seq, Score: 1, Timestamp: ts}
}

func TestAggregatorRegisterStartsEmpty(t *testing.T) {
	a := NewAggregator(4, 0)
	a.Register("cam", KindCamera)

	snap, ok := a.Snapshot("cam")
	require.True(t, ok)
	assert.Equal(t, "cam", snap.Source)
	assert.Equal(t, KindCamera, snap.Kind)
	assert.Nil(t, snap.Frame)
	assert.Nil(t, snap.Event)
	assert.Empty(t, snap.Recent)
	assert.Equal(t, StateStarting, snap.Health.State)
	assert.Equal(t, AnalyzerWarming, snap.AnalyzerState)

	_, ok = a.Snapshot("missing")
	assert.False(t, ok)
	assert.ErrorIs(t, a.SetHealth(DeviceHealth{Source: "missing"}), ErrUnknownSource)
	assert.Equal(t, []string{"cam"}, a.Sources())
}

func TestAggregatorHistoryIsBounded(t *testing.T) {
	a := NewAggregator(3, 0)
	a.Register("cam", KindCamera)

	now := time.Now()
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, a.Record(eventFor("cam", seq, now)))
	}

	snap, _ := a.Snapshot("cam")
	require.Len(t, snap.Recent, 3)
	assert.Equal(t, uint64(3), snap.Recent[0].Seq)
	assert.Equal(t, uint64(5), snap.Recent[2].Seq)
	assert.Equal(t, uint64(5), snap.Event.Seq)
}

func TestAggregatorOldSnapshotsAreNotMutated(t *testing.T) {
	a := NewAggregator(2, 0)
	a.Register("cam", KindCamera)

	now := time.Now()
	require.NoError(t, a.Record(eventFor("cam", 1, now)))
	before, _ := a.Snapshot("cam")

	require.NoError(t, a.Record(eventFor("cam", 2, now)))
	require.NoError(t, a.Record(eventFor("cam", 3, now)))

	require.Len(t, before.Recent, 1)
	assert.Equal(t, uint64(1), before.Recent[0].Seq)
	assert.Equal(t, uint64(1), before.Event.Seq)
}

func TestAggregatorExpiresEvents(t *testing.T) {
	a := NewAggregator(4, time.Minute)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return clock }
	a.Register("cam", KindCamera)

	require.NoError(t, a.Record(eventFor("cam", 1, clock)))
	clock = clock.Add(30 * time.Second)
	require.NoError(t, a.Record(eventFor("cam", 2, clock)))

	snap, _ := a.Snapshot("cam")
	require.NotNil(t, snap.Event)
	assert.Len(t, snap.Recent, 2)

	clock = clock.Add(45 * time.Second)
	snap, _ = a.Snapshot("cam")
	require.NotNil(t, snap.Event)
	require.Len(t, snap.Recent, 1)
	assert.Equal(t, uint64(2), snap.Recent[0].Seq)

	clock = clock.Add(time.Minute)
	snap, _ = a.Snapshot("cam")
	assert.Nil(t, snap.Event)
	assert.Empty(t, snap.Recent)
}

func TestAggregatorConcurrentReadsAreNeverTorn(t *testing.T) {
	a := NewAggregator(16, 0)
	a.Register("cam", KindCamera)
	const frames = 5000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for seq := uint64(1); seq <= frames; seq++ {
			f := &Frame{Source: "cam", Seq: seq, Width: 1, Height: 1, Pix: []byte{0}}
			ev := eventFor("cam", seq, time.Now())
			assert.NoError(t, a.Observe(f, Result{Score: float64(seq), Motion: true, Event: &ev}))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for last < frames {
				snap, ok := a.Snapshot("cam")
				if !ok || snap.Frame == nil {
					continue
				}
				if !assert.NotNil(t, snap.Event) ||
					!assert.Equal(t, snap.Frame.Seq, snap.Event.Seq) ||
					!assert.Equal(t, float64(snap.Frame.Seq), snap.Score) ||
					!assert.GreaterOrEqual(t, snap.Frame.Seq, last) {
					return
				}
				last = snap.Frame.Seq
			}
		}()
	}
	wg.Wait()
}

func TestAggregatorSubscribeFiltersAndDropsWhenFull(t *testing.T) {
	a := NewAggregator(4, 0)
	a.Register("a", KindCamera)
	a.Register("b", KindCamera)

	chA, unsubA := a.Subscribe("a", 1)
	chAll, unsubAll := a.Subscribe("", 10)
	assert.Equal(t, 2, a.SubscriberCount())

	require.NoError(t, a.SetHealth(DeviceHealth{Source: "b", State: StateRunning}))
	require.NoError(t, a.SetHealth(DeviceHealth{Source: "a", State: StateRunning}))
	require.NoError(t, a.SetHealth(DeviceHealth{Source: "a", State: StateDegraded}))

	// chA holds only one snapshot and the second was dropped
	snap := <-chA
	assert.Equal(t, "a", snap.Source)
	assert.Equal(t, StateRunning, snap.Health.State)
	assert.Len(t, chA, 0)
	assert.Len(t, chAll, 3)

	unsubA()
	unsubA()
	_, ok := <-chA
	assert.False(t, ok)

	a.Close()
	unsubAll()
	assert.Equal(t, 0, a.SubscriberCount())
}

type recordingWatcher struct {
	mu     sync.Mutex
	events []Event
	health []DeviceHealth
}

func (w *recordingWatcher) OnEvent(e Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, e)
}

func (w *recordingWatcher) OnHealth(h DeviceHealth) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.health = append(w.health, h)
}

func (w *recordingWatcher) counts() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events), len(w.health)
}

func TestAggregatorWatchReportsChanges(t *testing.T) {
	a := NewAggregator(4, 0)
	a.Register("cam", KindCamera)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &recordingWatcher{}
	done := make(chan struct{})
	go func() {
		a.Watch(ctx, w)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, health := w.counts()
		return health == 1
	}, time.Second, 5*time.Millisecond)

	ev := eventFor("cam", 1, time.Now())
	f := &Frame{Source: "cam", Seq: 1, Width: 1, Height: 1, Pix: []byte{0}}
	require.NoError(t, a.Observe(f, Result{Event: &ev}))
	f2 := &Frame{Source: "cam", Seq: 2, Width: 1, Height: 1, Pix: []byte{0}}
	require.NoError(t, a.Observe(f2, Result{}))
	require.NoError(t, a.SetHealth(DeviceHealth{Source: "cam", State: StateRunning}))
	require.NoError(t, a.SetHealth(DeviceHealth{Source: "cam", State: StateRunning, FramesCaptured: 2}))

	require.Eventually(t, func() bool {
		events, health := w.counts()
		return events == 1 && health == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	assert.Equal(t, "cam-1", w.events[0].ID)
	assert.Equal(t, StateStarting, w.health[0].State)
	assert.Equal(t, StateRunning, w.health[1].State)
}

// gatedWatcher blocks every OnEvent until release is closed
type gatedWatcher struct {
	recordingWatcher
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (w *gatedWatcher) OnEvent(e Event) {
	w.once.Do(func() { close(w.entered) })
	<-w.release
	w.recordingWatcher.OnEvent(e)
}

func TestAggregatorWatchDeliversEventsMissedWhileBusy(t *testing.T) {
	a := NewAggregator(8, 0)
	a.Register("cam", KindCamera)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &gatedWatcher{entered: make(chan struct{}), release: make(chan struct{})}
	done := make(chan struct{})
	go func() {
		a.Watch(ctx, w)
		close(done)
	}()
	require.Eventually(t, func() bool {
		_, health := w.counts()
		return health == 1
	}, time.Second, 5*time.Millisecond)

	now := time.Now()
	for seq := uint64(1); seq <= 5; seq++ {
		ev := eventFor("cam", seq, now)
		require.NoError(t, a.Observe(&Frame{Source: "cam", Seq: seq, Width: 1, Height: 1, Pix: []byte{0}}, Result{Event: &ev}))
		if seq == 1 {
			<-w.entered
		}
	}
	close(w.release)

	require.Eventually(t, func() bool {
		events, _ := w.counts()
		return events == 5
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.events))
	for _, e := range w.events {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"cam-1", "cam-2", "cam-3", "cam-4", "cam-5"}, ids)
}

func TestAggregatorWatchEndsOnClose(t *testing.T) {
	a := NewAggregator(4, 0)
	a.Register("cam", KindCamera)

	done := make(chan struct{})
	go func() {
		a.Watch(context.Background(), &recordingWatcher{})
		close(done)
	}()
	require.Eventually(t, func() bool { return a.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	a.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after Close")
	}
}

func TestUndelivered(t *testing.T) {
	recent := []Event{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	assert.Equal(t, recent[2:], undelivered(recent, "b"))
	assert.Empty(t, undelivered(recent, "c"))
	assert.Equal(t, recent, undelivered(recent, ""))
	assert.Equal(t, recent, undelivered(recent, "evicted"))
}
