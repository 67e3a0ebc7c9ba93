package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"classroll/internal/api"
	"classroll/internal/apperr"
	"classroll/internal/auth"
	"classroll/internal/catalog"
	"classroll/internal/livesync"
	"classroll/internal/model"
	"classroll/internal/override"
	"classroll/internal/queue"
	"classroll/internal/report"
	"classroll/internal/session"
	"classroll/internal/store"
)

const (
	testKey    = "cli-test-key"
	testIssuer = "classroll"
)

// startServer runs the real router over an in-memory store with CS101
// (Alice, Bob) and an active Week1 session in which Alice has checked in.
func startServer(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	st := store.NewMemory()
	subj, err := st.CreateSubject(ctx, "CS101", "Intro to CS")
	require.NoError(t, err)
	for _, s := range [][2]string{{"6301001", "Alice"}, {"6301002", "Bob"}} {
		stu, err := st.UpsertStudent(ctx, s[0], s[1], "")
		require.NoError(t, err)
		require.NoError(t, st.Enroll(ctx, stu.ID, subj.ID))
	}
	logger := zap.NewNop()
	mgr := session.NewManager(st, logger)
	_, err = mgr.StartOrResume(ctx, session.StartRequest{SubjectCode: "CS101", Topic: "Week1", Room: "505"})
	require.NoError(t, err)
	_, _, err = mgr.SelfCheckIn(ctx, "6301001")
	require.NoError(t, err)

	r := api.NewRouter(api.Services{
		Sessions:  mgr,
		Live:      livesync.NewService(st, nil, 0, nil, logger),
		Overrides: override.NewService(st, nil, logger),
		Reports:   report.NewEngine(st, nil, logger),
		Catalog:   catalog.NewService(st, logger),
		Queue:     queue.NewInMemory(1),
	}, api.Options{SigningKey: testKey, Issuer: testIssuer, Logger: logger})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, st
}

func professorToken(t *testing.T) string {
	t.Helper()
	claims := auth.Claims{
		Subject: "7",
		Role:    auth.RoleProfessor,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testKey))
	require.NoError(t, err)
	return tok
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", srv.URL, "--token", professorToken(t)}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestWatchOnce(t *testing.T) {
	srv, _ := startServer(t)
	out, err := run(t, srv, "watch", "--once")
	require.NoError(t, err)
	require.Contains(t, out, "CS101  Week1  room 505")
	require.Contains(t, out, "Alice")
	require.NotContains(t, out, "Bob")
	require.Contains(t, out, "1 checked in")
}

func TestOverrideCommand(t *testing.T) {
	srv, st := startServer(t)
	out, err := run(t, srv, "override", "Bob", "late")
	require.NoError(t, err)
	require.Contains(t, out, "Bob is now LATE")

	active, err := st.ActiveSession(context.Background())
	require.NoError(t, err)
	roster, err := st.Roster(context.Background(), active.ID)
	require.NoError(t, err)
	for _, e := range roster {
		if e.Name == "Bob" {
			require.Equal(t, model.StatusLate, e.Status)
		}
	}

	out, err = run(t, srv, "override", "Nobody", "PRESENT")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.Contains(t, out, "Alice")

	_, err = run(t, srv, "override", "Bob", "maybe")
	require.Error(t, err)
}

func TestReportCommand(t *testing.T) {
	srv, _ := startServer(t)

	out, err := run(t, srv, "report", "--status", "ABSENT")
	require.NoError(t, err)
	require.Contains(t, out, "6301002")
	require.NotContains(t, out, "6301001")
	require.Contains(t, out, "CLASS view, 1 rows")

	dir := t.TempDir()
	out, err = run(t, srv, "report", "--mode", "raw", "--out", dir)
	require.NoError(t, err)
	require.Contains(t, out, "wrote ")

	files, err := filepath.Glob(filepath.Join(dir, "attendance_export_RAW_*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	raw, err := os.ReadFile(files[0])
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "student_code", rows[0][0])

	_, err = run(t, srv, "report", "--from", "2024-02-01", "--to", "2024-01-01")
	require.Error(t, err)
}

func TestIntervalDefaultsToPollInterval(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "750ms")
	cmd := newRootCommand()
	require.Equal(t, (750 * time.Millisecond).String(), cmd.PersistentFlags().Lookup("interval").DefValue)
}
