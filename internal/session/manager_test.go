package session

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"classroll/internal/apperr"
	"classroll/internal/model"
	"classroll/internal/store"
)

type fixture struct {
	store   *store.Memory
	manager *Manager
	clock   *fakeClock
	cs101   model.Subject
	ma201   model.Subject
	alice   model.Student
	bob     model.Student
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	clock := &fakeClock{now: time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)}

	cs101, err := st.CreateSubject(ctx, "CS101", "Intro to CS")
	require.NoError(t, err)
	ma201, err := st.CreateSubject(ctx, "MA201", "Linear Algebra")
	require.NoError(t, err)
	alice, err := st.UpsertStudent(ctx, "6301001", "A", "gallery/a.jpg")
	require.NoError(t, err)
	bob, err := st.UpsertStudent(ctx, "6301002", "B", "gallery/b.jpg")
	require.NoError(t, err)
	require.NoError(t, st.Enroll(ctx, alice.ID, cs101.ID))
	require.NoError(t, st.Enroll(ctx, bob.ID, cs101.ID))
	require.NoError(t, st.Enroll(ctx, alice.ID, ma201.ID))

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &fixture{
		store:   st,
		manager: NewManager(st, zap.NewNop(), opts...),
		clock:   clock,
		cs101:   cs101,
		ma201:   ma201,
		alice:   alice,
		bob:     bob,
	}
}

func (f *fixture) start(t *testing.T, subject, topic string) StartResult {
	t.Helper()
	res, err := f.manager.StartOrResume(context.Background(), StartRequest{SubjectCode: subject, Topic: topic, Room: "505"})
	require.NoError(t, err)
	return res
}

func TestStartSeedsAbsentRecordForEveryEnrolledStudent(t *testing.T) {
	f := newFixture(t)
	res := f.start(t, "CS101", "Week1")
	require.False(t, res.Resumed)
	require.Equal(t, model.SessionActive, res.Session.Status)
	require.False(t, res.Session.RegistrationOpen)
	require.NotEmpty(t, res.Session.UUID)

	roster, err := f.store.Roster(context.Background(), res.Session.ID)
	require.NoError(t, err)
	require.Len(t, roster, 2)
	for _, e := range roster {
		require.Equal(t, model.StatusAbsent, e.Status)
		require.Nil(t, e.CheckInTime)
	}
}

func TestStartTwiceResumesSameSession(t *testing.T) {
	f := newFixture(t)
	first := f.start(t, "CS101", "Week1")
	second := f.start(t, "CS101", " Week1 ")
	require.True(t, second.Resumed)
	require.Equal(t, first.Session.ID, second.Session.ID)
	require.Equal(t, first.Session.UUID, second.Session.UUID)
}

func TestStartDifferentSessionWhileActiveConflicts(t *testing.T) {
	f := newFixture(t)
	f.start(t, "CS101", "Week1")

	_, err := f.manager.StartOrResume(context.Background(), StartRequest{SubjectCode: "MA201", Topic: "Week1"})
	require.ErrorIs(t, err, apperr.ErrConflict)

	_, err = f.manager.StartOrResume(context.Background(), StartRequest{SubjectCode: "CS101", Topic: "Week2"})
	require.ErrorIs(t, err, apperr.ErrConflict)
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.StartOrResume(context.Background(), StartRequest{SubjectCode: "CS101"})
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.manager.StartOrResume(context.Background(), StartRequest{SubjectCode: "XX999", Topic: "Week1"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDisabledSubjectCannotStartButCanResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := f.start(t, "CS101", "Week1")

	_, err := f.store.SetSubjectActive(ctx, f.cs101.ID, false)
	require.NoError(t, err)
	resumed := f.start(t, "CS101", "Week1")
	require.True(t, resumed.Resumed)
	require.Equal(t, started.Session.ID, resumed.Session.ID)

	_, err = f.manager.End(ctx, 0)
	require.NoError(t, err)
	_, err = f.manager.StartOrResume(ctx, StartRequest{SubjectCode: "CS101", Topic: "Week1"})
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestEndIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.start(t, "CS101", "Week1")

	ended, err := f.manager.End(ctx, first.Session.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionEnded, ended.Status)
	require.NotNil(t, ended.EndedAt)

	_, err = f.manager.End(ctx, first.Session.ID)
	require.ErrorIs(t, err, apperr.ErrConflict)

	_, err = f.manager.SetRegistrationOpen(ctx, RegistrationTarget{SessionID: first.Session.ID}, true)
	require.ErrorIs(t, err, apperr.ErrConflict)

	again := f.start(t, "CS101", "Week1")
	require.False(t, again.Resumed)
	require.NotEqual(t, first.Session.ID, again.Session.ID)
}

func TestEndWithoutActiveSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.End(context.Background(), 0)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSingleActiveSessionInvariantRandomSequences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	subjects := []string{"CS101", "MA201"}
	topics := []string{"Week1", "Week2", "Lab"}

	for i := 0; i < 300; i++ {
		if rng.Intn(4) == 0 {
			_, _ = f.manager.End(ctx, 0)
		} else {
			_, err := f.manager.StartOrResume(ctx, StartRequest{
				SubjectCode: subjects[rng.Intn(len(subjects))],
				Topic:       topics[rng.Intn(len(topics))],
			})
			if err != nil {
				require.ErrorIs(t, err, apperr.ErrConflict)
			}
		}
		ds, err := f.store.ReportData(ctx, store.ReportQuery{})
		require.NoError(t, err)
		active := 0
		for _, s := range ds.Sessions {
			if s.IsActive() {
				active++
			}
		}
		require.LessOrEqual(t, active, 1)
	}
}

func TestConcurrentStartsCreateExactlyOneSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subject := "CS101"
			if i%2 == 1 {
				subject = "MA201"
			}
			_, err := f.manager.StartOrResume(ctx, StartRequest{SubjectCode: subject, Topic: "Week1"})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	conflicts := 0
	for err := range results {
		if err != nil {
			require.ErrorIs(t, err, apperr.ErrConflict)
			conflicts++
		}
	}
	require.Equal(t, 10, conflicts)

	ds, err := f.store.ReportData(ctx, store.ReportQuery{})
	require.NoError(t, err)
	require.Len(t, ds.Sessions, 1)
}

func TestRegistrationGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.RegisterStudent(ctx, f.cs101.ID, "6301003", "C", "")
	require.ErrorIs(t, err, apperr.ErrConflict)

	res := f.start(t, "CS101", "Week1")
	_, err = f.manager.RegisterStudent(ctx, f.cs101.ID, "6301003", "C", "")
	require.ErrorIs(t, err, apperr.ErrConflict)

	_, err = f.manager.SetRegistrationOpen(ctx, RegistrationTarget{SubjectID: f.ma201.ID}, true)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	s, err := f.manager.SetRegistrationOpen(ctx, RegistrationTarget{SubjectID: f.cs101.ID}, true)
	require.NoError(t, err)
	require.True(t, s.RegistrationOpen)

	carol, err := f.manager.RegisterStudent(ctx, f.cs101.ID, "6301003", "C", "gallery/c.jpg")
	require.NoError(t, err)

	roster, err := f.store.Roster(ctx, res.Session.ID)
	require.NoError(t, err)
	require.Len(t, roster, 3)

	_, err = f.manager.RecordDetection(ctx, Detection{StudentID: carol.ID, At: f.clock.Now()})
	require.NoError(t, err)

	ended, err := f.manager.End(ctx, 0)
	require.NoError(t, err)
	require.False(t, ended.RegistrationOpen)
}

func TestRegisteredStudentsCheckInWhileGateClosed(t *testing.T) {
	f := newFixture(t)
	f.start(t, "CS101", "Week1")
	rec, err := f.manager.RecordDetection(context.Background(), Detection{StudentCode: "6301001", At: f.clock.Now()})
	require.NoError(t, err)
	require.Equal(t, model.StatusPresent, rec.Status)
}
