package livesync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func activeSnap(uuid string, codes ...string) Snapshot {
	s := Snapshot{Status: StatusActive, SessionUUID: uuid, Logs: []LogEntry{}}
	for _, c := range codes {
		s.Logs = append(s.Logs, LogEntry{StudentCode: c})
	}
	return s
}

func TestPollerApplyDiscardsOlderResponses(t *testing.T) {
	p := NewPoller(nil, Snapshot.Active, time.Second, zap.NewNop(), nil)

	require.True(t, p.apply(2, activeSnap("s1", "a", "b")))
	require.False(t, p.apply(1, activeSnap("s1")))
	require.Len(t, p.View().Data.Logs, 2)
	require.Equal(t, PhaseActive, p.View().Phase)

	require.True(t, p.apply(3, inactive()))
	v := p.View()
	require.Equal(t, PhaseSetup, v.Phase)
	require.Empty(t, v.Data.Logs)
	require.Equal(t, uint64(3), v.Seq)
}

func TestPollerReplacesViewWholesale(t *testing.T) {
	p := NewPoller(nil, Snapshot.Active, time.Second, zap.NewNop(), nil)
	p.apply(1, activeSnap("s1", "a", "b", "c"))
	p.apply(2, activeSnap("s1", "c"))
	require.Equal(t, []LogEntry{{StudentCode: "c"}}, p.View().Data.Logs)
}

func TestPollerSlowResponseNeverOverwritesNewer(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context) (Snapshot, error) {
		if calls.Add(1) == 1 {
			select {
			case <-release:
			case <-ctx.Done():
				return Snapshot{}, ctx.Err()
			}
			return activeSnap("s1", "stale"), nil
		}
		return activeSnap("s1", "fresh"), nil
	}

	var mu sync.Mutex
	var seen []string
	onChange := func(v View[Snapshot]) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, v.Data.Logs[0].StudentCode)
	}

	p := NewPoller(fetch, Snapshot.Active, 10*time.Millisecond, zap.NewNop(), onChange)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		v := p.View()
		return v.Phase == PhaseActive && v.Data.Logs[0].StudentCode == "fresh"
	}, time.Second, 5*time.Millisecond)

	close(release)
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.NotContains(t, seen, "stale")
	require.Equal(t, "fresh", p.View().Data.Logs[0].StudentCode)
}

func TestPollerRetriesAfterTransientError(t *testing.T) {
	var calls atomic.Int32
	fetch := func(context.Context) (Snapshot, error) {
		if calls.Add(1) <= 2 {
			return Snapshot{}, errors.New("connection refused")
		}
		return activeSnap("s1", "a"), nil
	}
	p := NewPoller(fetch, Snapshot.Active, 5*time.Millisecond, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.View().Phase == PhaseActive }, time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestPollerIgnoresResultsAfterTeardown(t *testing.T) {
	started := make(chan struct{})
	fetch := func(ctx context.Context) (Snapshot, error) {
		close(started)
		<-ctx.Done()
		return activeSnap("s1", "late"), nil
	}
	var changed atomic.Bool
	p := NewPoller(fetch, Snapshot.Active, time.Hour, zap.NewNop(), func(View[Snapshot]) { changed.Store(true) })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	<-started
	cancel()
	require.NoError(t, <-done)
	require.False(t, changed.Load())
	require.Equal(t, PhaseSetup, p.View().Phase)
}
