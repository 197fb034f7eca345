package poller

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/signalboard/signals"
)

type scripted struct {
	mu      sync.Mutex
	calls   atomic.Int32
	results []func() (signals.Snapshot, error)
	release chan struct{}
}

func (s *scripted) Fetch(ctx context.Context) (signals.Snapshot, error) {
	n := int(s.calls.Add(1))
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return signals.Snapshot{}, nil
	}
	idx := n - 1
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	return s.results[idx]()
}

func snapshotOf(color signals.Color) func() (signals.Snapshot, error) {
	return func() (signals.Snapshot, error) {
		return signals.Snapshot{"east": {Signal: color, Duration: "50", Status: signals.StatusOn}}, nil
	}
}

func failure(msg string) func() (signals.Snapshot, error) {
	return func() (signals.Snapshot, error) { return nil, errors.New(msg) }
}

func newEngine(t *testing.T, fetcher Fetcher, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.New(io.Discard))}, opts...)
	engine, err := New(fetcher, opts...)
	require.NoError(t, err)
	return engine
}

func runEngine(t *testing.T, engine *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestNewRequiresFetcher(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestPreviousFollowsCurrent(t *testing.T) {
	fetcher := &scripted{results: []func() (signals.Snapshot, error){
		snapshotOf(signals.ColorRed),
		snapshotOf(signals.ColorGreen),
		snapshotOf(signals.ColorYellow),
	}}
	engine := newEngine(t, fetcher)
	ctx := context.Background()

	require.True(t, engine.Refresh(ctx))
	st := engine.State()
	require.Nil(t, st.Previous)
	require.Equal(t, signals.ColorRed, st.Current["east"].Signal)

	var last signals.Snapshot
	for _, want := range []signals.Color{signals.ColorGreen, signals.ColorYellow} {
		last = engine.State().Current
		require.True(t, engine.Refresh(ctx))
		st = engine.State()
		require.True(t, st.Previous.Equal(last))
		require.Equal(t, want, st.Current["east"].Signal)
	}
	require.Len(t, st.History, 3)
	require.Equal(t, uint64(3), st.Counters.Fetches)
}

func TestEmptySnapshotStillBecomesPrevious(t *testing.T) {
	fetcher := &scripted{results: []func() (signals.Snapshot, error){
		func() (signals.Snapshot, error) { return signals.Snapshot{}, nil },
		snapshotOf(signals.ColorRed),
	}}
	engine := newEngine(t, fetcher)
	engine.Refresh(context.Background())
	engine.Refresh(context.Background())

	st := engine.State()
	require.NotNil(t, st.Previous)
	require.Empty(t, st.Previous)
}

func TestFailureKeepsLastKnownGood(t *testing.T) {
	fetcher := &scripted{results: []func() (signals.Snapshot, error){
		snapshotOf(signals.ColorRed),
		failure("proxy unreachable"),
		snapshotOf(signals.ColorGreen),
	}}
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	engine := newEngine(t, fetcher, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	engine.Refresh(ctx)
	engine.Refresh(ctx)
	st := engine.State()
	require.NotNil(t, st.Error)
	require.Equal(t, "proxy unreachable", st.Error.Message)
	require.Equal(t, now, st.Error.At)
	require.Equal(t, signals.ColorRed, st.Current["east"].Signal)
	require.Nil(t, st.Previous)
	require.Len(t, st.History, 1)
	require.Equal(t, uint64(1), st.Counters.Failures)

	engine.Refresh(ctx)
	st = engine.State()
	require.Nil(t, st.Error)
	require.Equal(t, signals.ColorRed, st.Previous["east"].Signal)
	require.Equal(t, signals.ColorGreen, st.Current["east"].Signal)
}

func TestHistoryBoundedInEngine(t *testing.T) {
	engine := newEngine(t, &scripted{}, WithHistorySize(3))
	for i := 0; i < 5; i++ {
		engine.Refresh(context.Background())
	}
	require.Len(t, engine.History(), 3)
}

func TestStartFetchesImmediatelyOnce(t *testing.T) {
	fetcher := &scripted{}
	engine := newEngine(t, fetcher, WithInterval(time.Hour))
	runEngine(t, engine)

	engine.Start()
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, ModePolling, engine.Mode())

	engine.Start()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), fetcher.calls.Load())
}

func TestSetIntervalReschedulesWithoutExtraFetch(t *testing.T) {
	fetcher := &scripted{}
	engine := newEngine(t, fetcher, WithInterval(10*time.Second))
	runEngine(t, engine)

	engine.Start()
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, engine.SetInterval(200*time.Millisecond))
	require.Equal(t, 200*time.Millisecond, engine.Interval())
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), fetcher.calls.Load(), "interval change must not fetch immediately")

	require.Eventually(t, func() bool { return fetcher.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestSetIntervalRejectsNonPositive(t *testing.T) {
	engine := newEngine(t, &scripted{})
	require.ErrorIs(t, engine.SetInterval(0), ErrInvalidInterval)
	require.ErrorIs(t, engine.SetInterval(-time.Second), ErrInvalidInterval)
	_, err := New(&scripted{}, WithInterval(0))
	require.ErrorIs(t, err, ErrInvalidInterval)
}

func TestStopStartDoesNotDuplicateTimers(t *testing.T) {
	fetcher := &scripted{}
	engine := newEngine(t, fetcher, WithInterval(100*time.Millisecond))
	runEngine(t, engine)

	for i := 0; i < 3; i++ {
		engine.Start()
		engine.Stop()
	}
	require.Equal(t, ModePaused, engine.Mode())
	engine.Start()
	require.Eventually(t, func() bool { return fetcher.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	base := fetcher.calls.Load()
	time.Sleep(550 * time.Millisecond)
	ticks := fetcher.calls.Load() - base
	if ticks < 3 || ticks > 6 {
		t.Fatalf("expected one schedule worth of ticks, got %d", ticks)
	}
}

func TestStopKeepsSnapshots(t *testing.T) {
	fetcher := &scripted{results: []func() (signals.Snapshot, error){snapshotOf(signals.ColorGreen)}}
	engine := newEngine(t, fetcher, WithInterval(time.Hour))
	runEngine(t, engine)

	engine.Start()
	require.Eventually(t, func() bool { return engine.State().Current != nil }, time.Second, 5*time.Millisecond)
	engine.Stop()

	st := engine.State()
	require.Equal(t, ModePaused, st.Mode)
	require.Equal(t, signals.ColorGreen, st.Current["east"].Signal)
}

func TestTicksSkippedWhileFetchInFlight(t *testing.T) {
	fetcher := &scripted{release: make(chan struct{})}
	engine := newEngine(t, fetcher, WithInterval(10*time.Millisecond), WithTimeout(time.Minute))
	runEngine(t, engine)

	engine.Start()
	require.Eventually(t, func() bool { return engine.State().Counters.Skipped >= 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), fetcher.calls.Load())
	require.True(t, engine.State().Loading)

	engine.Stop()
	close(fetcher.release)
}

func TestRefreshCoalescesIntoInFlightFetch(t *testing.T) {
	fetcher := &scripted{release: make(chan struct{})}
	engine := newEngine(t, fetcher, WithTimeout(time.Minute))

	first := make(chan bool, 1)
	go func() { first <- engine.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.False(t, engine.Refresh(ctx))

	close(fetcher.release)
	require.True(t, <-first)
	require.Equal(t, int32(1), fetcher.calls.Load())
}

func TestStopDiscardsInFlightResult(t *testing.T) {
	fetcher := &scripted{
		release: make(chan struct{}),
		results: []func() (signals.Snapshot, error){snapshotOf(signals.ColorRed)},
	}
	engine := newEngine(t, fetcher, WithTimeout(time.Minute))

	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Refresh(context.Background())
	}()
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	engine.Stop()
	require.False(t, engine.State().Loading)
	close(fetcher.release)
	<-done
	engine.Wait()

	st := engine.State()
	require.Nil(t, st.Current)
	require.Empty(t, st.History)
	require.Equal(t, uint64(1), st.Counters.Stale)
}

func TestObserversReceiveUpdates(t *testing.T) {
	fetcher := &scripted{results: []func() (signals.Snapshot, error){
		snapshotOf(signals.ColorRed),
		snapshotOf(signals.ColorGreen),
	}}
	var got []Update
	engine := newEngine(t, fetcher, WithObserver(func(u Update) { got = append(got, u) }))

	engine.Refresh(context.Background())
	engine.Refresh(context.Background())

	require.Len(t, got, 2)
	require.Equal(t, uint64(1), got[0].Sequence)
	require.Equal(t, TriggerRefresh, got[0].Trigger)
	require.Nil(t, got[0].Previous)
	require.Equal(t, signals.ColorRed, got[1].Previous["east"].Signal)
	require.Equal(t, signals.ColorGreen, got[1].Current["east"].Signal)
}

// stubborn ignores context cancellation and records how many fetches overlap.
type stubborn struct {
	release chan struct{}
	calls   atomic.Int32
	active  atomic.Int32
	peak    atomic.Int32
}

func (s *stubborn) Fetch(context.Context) (signals.Snapshot, error) {
	s.calls.Add(1)
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	<-s.release
	return signals.Snapshot{"north": {Signal: signals.ColorGreen, Duration: "30", Status: signals.StatusOn}}, nil
}

func TestRestartWaitsForDiscardedFetch(t *testing.T) {
	fetcher := &stubborn{release: make(chan struct{})}
	engine := newEngine(t, fetcher, WithInterval(time.Hour), WithTimeout(time.Minute))
	runEngine(t, engine)

	engine.Start()
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		engine.Stop()
		engine.Start()
	}
	require.Eventually(t, func() bool { return engine.State().Loading }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), fetcher.calls.Load())

	close(fetcher.release)
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	engine.Wait()

	st := engine.State()
	require.Equal(t, int32(1), fetcher.peak.Load())
	require.Equal(t, uint64(1), st.Counters.Stale)
	require.Equal(t, signals.ColorGreen, st.Current["north"].Signal)
	require.False(t, st.Loading)
}

func TestRefreshAfterStopQueuesBehindDiscardedFetch(t *testing.T) {
	fetcher := &stubborn{release: make(chan struct{})}
	engine := newEngine(t, fetcher, WithTimeout(time.Minute))

	go engine.Refresh(context.Background())
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	engine.Stop()

	refreshed := make(chan bool, 1)
	go func() { refreshed <- engine.Refresh(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), fetcher.calls.Load())

	close(fetcher.release)
	require.True(t, <-refreshed)
	require.Equal(t, int32(2), fetcher.calls.Load())
	require.Equal(t, int32(1), fetcher.peak.Load())
	require.NotNil(t, engine.State().Current)
}

func TestObserverRunsDoNotOverlapAcrossPause(t *testing.T) {
	fetcher := &scripted{}
	entered := make(chan uint64, 4)
	unblock := make(chan struct{})
	var active, peak atomic.Int32
	observer := func(u Update) {
		n := active.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		entered <- u.Sequence
		if u.Sequence == 1 {
			<-unblock
		}
		active.Add(-1)
	}
	engine := newEngine(t, fetcher, WithInterval(time.Hour), WithTimeout(time.Minute), WithObserver(observer))
	runEngine(t, engine)

	engine.Start()
	require.Equal(t, uint64(1), <-entered)
	engine.Pause()
	engine.Start()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), fetcher.calls.Load())
	close(unblock)

	require.Equal(t, uint64(2), <-entered)
	engine.Wait()
	require.Equal(t, int32(1), peak.Load())
	require.Equal(t, int32(2), fetcher.calls.Load())
}

func TestStateReportsEvictionsAndLastUpdate(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	engine := newEngine(t, &scripted{}, WithHistorySize(2), WithClock(func() time.Time { return now }))
	require.Nil(t, engine.State().LastUpdate)

	for i := 0; i < 4; i++ {
		engine.Refresh(context.Background())
	}
	st := engine.State()
	require.Equal(t, uint64(2), st.Counters.Evicted)
	require.NotNil(t, st.LastUpdate)
	require.Equal(t, now, *st.LastUpdate)
}
