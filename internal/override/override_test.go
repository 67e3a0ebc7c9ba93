package override

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"classroll/internal/apperr"
	"classroll/internal/livesync"
	"classroll/internal/metrics"
	"classroll/internal/model"
	"classroll/internal/store"
)

func seededStore(t *testing.T) (*store.Memory, model.Session) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	subj, err := st.CreateSubject(ctx, "CS101", "Intro to CS")
	require.NoError(t, err)
	for _, s := range [][2]string{{"6301001", "Alice"}, {"6301002", "Bob"}, {"6301003", "Bob"}} {
		stu, err := st.UpsertStudent(ctx, s[0], s[1], "")
		require.NoError(t, err)
		require.NoError(t, st.Enroll(ctx, stu.ID, subj.ID))
	}
	sess, _, err := st.BeginSession(ctx, store.NewSession{SubjectID: subj.ID, Topic: "Week1", StartedAt: time.Now()})
	require.NoError(t, err)
	return st, sess
}

func TestApplyByCodeAndName(t *testing.T) {
	st, sess := seededStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 10, 9, 30, 0, 0, time.UTC)
	svc := NewService(st, nil, zap.NewNop())
	svc.now = func() time.Time { return now }

	out, err := svc.Apply(ctx, "Alice", model.StatusLate)
	require.NoError(t, err)
	require.Equal(t, "6301001", out.StudentCode)
	require.Equal(t, model.StatusLate, out.Record.Status)
	require.Equal(t, now, *out.Record.CheckInTime)

	out, err = svc.Apply(ctx, "6301001", model.StatusAbsent)
	require.NoError(t, err)
	require.Nil(t, out.Record.CheckInTime)

	roster, err := st.Roster(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, roster, 3)
	require.Equal(t, model.StatusAbsent, roster[0].Status)
}

func TestApplyRejections(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)

	svc := NewService(store.NewMemory(), rec, zap.NewNop())
	_, err := svc.Apply(ctx, "Alice", model.StatusPresent)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	st, _ := seededStore(t)
	svc = NewService(st, rec, zap.NewNop())

	_, err = svc.Apply(ctx, "alice", model.StatusPresent)
	require.ErrorIs(t, err, apperr.ErrNotFound, "matching is exact")

	_, err = svc.Apply(ctx, "Bob", model.StatusPresent)
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.Apply(ctx, "6301002", "HERE")
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.Apply(ctx, " ", model.StatusPresent)
	require.ErrorIs(t, err, apperr.ErrValidation)

	require.Equal(t, 3, testutil.CollectAndCount(reg, "classroll_overrides_total"))
}

func rosterFixture() []livesync.MonitorStudent {
	at := "2024-01-10 09:05:00"
	proof := "proof/a.jpg"
	return []livesync.MonitorStudent{
		{StudentCode: "6301001", Name: "Alice", Status: model.StatusPresent, CheckInTime: &at, ProofPath: &proof, DetectionCount: 2},
		{StudentCode: "6301002", Name: "Bob", Status: model.StatusAbsent},
	}
}

func TestRosterOptimisticOverrideSucceeds(t *testing.T) {
	var calls int
	r := NewRoster(rosterFixture(), func(_ context.Context, identity string, status model.Status) error {
		calls++
		require.Equal(t, "Bob", identity)
		require.Equal(t, model.StatusLate, status)
		return nil
	})
	r.now = func() time.Time { return time.Date(2024, 1, 10, 9, 40, 0, 0, time.UTC) }

	res := r.Override(context.Background(), "Bob", model.StatusLate)
	require.True(t, res.Applied)
	require.NoError(t, res.Err)
	require.Equal(t, 1, calls)

	bob := r.Students()[1]
	require.Equal(t, model.StatusLate, bob.Status)
	require.Equal(t, "2024-01-10 09:40:00", *bob.CheckInTime)
}

func TestRosterShowsOptimisticStateDuringWrite(t *testing.T) {
	var r *Roster
	r = NewRoster(rosterFixture(), func(context.Context, string, model.Status) error {
		alice := r.Students()[0]
		require.Equal(t, model.StatusAbsent, alice.Status)
		require.Nil(t, alice.CheckInTime)
		return nil
	})
	require.True(t, r.Override(context.Background(), "6301001", model.StatusAbsent).Applied)
}

func TestRosterRollsBackExactlyOnRejection(t *testing.T) {
	before := rosterFixture()
	rejected := apperr.NotFoundf("no student")
	r := NewRoster(before, func(context.Context, string, model.Status) error { return rejected })

	for _, status := range []model.Status{model.StatusAbsent, model.StatusLate, model.StatusPresent} {
		res := r.Override(context.Background(), "6301001", status)
		require.False(t, res.Applied)
		require.True(t, errors.Is(res.Err, apperr.ErrNotFound))
		require.Equal(t, before, r.Students())
	}

	res := r.Override(context.Background(), "nobody", model.StatusPresent)
	require.ErrorIs(t, res.Err, apperr.ErrNotFound)
	require.Equal(t, before, r.Students())
}

func TestRosterRollbackKeepsNewerPoll(t *testing.T) {
	var r *Roster
	fresh := rosterFixture()
	fresh[0].DetectionCount = 5
	fresh[0].Status = model.StatusLate
	r = NewRoster(rosterFixture(), func(context.Context, string, model.Status) error {
		r.Replace(fresh)
		return errors.New("timeout")
	})
	res := r.Override(context.Background(), "6301001", model.StatusAbsent)
	require.Error(t, res.Err)
	require.Equal(t, fresh, r.Students())
}
