package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"classroll/internal/auth"
	"classroll/internal/catalog"
	"classroll/internal/livesync"
	"classroll/internal/override"
	"classroll/internal/queue"
	"classroll/internal/report"
	"classroll/internal/session"
	"classroll/internal/store"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "classroll-test"
)

var start = time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	router *gin.Engine
	store  *store.Memory
	queue  *queue.InMemory
	clock  time.Time
	prof   string
	device string
}

func newFixture(t *testing.T, opts ...func(*Services)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	st := store.NewMemory()
	subj, err := st.CreateSubject(ctx, "CS101", "Intro to CS")
	require.NoError(t, err)
	for _, s := range []struct{ code, name string }{{"6301001", "Alice"}, {"6301002", "Bob"}} {
		stu, err := st.UpsertStudent(ctx, s.code, s.name, "")
		require.NoError(t, err)
		require.NoError(t, st.Enroll(ctx, stu.ID, subj.ID))
	}

	f := &fixture{store: st, queue: queue.NewInMemory(8), clock: start}
	now := func() time.Time { return f.clock }
	logger := zap.NewNop()
	svc := Services{
		Sessions:  session.NewManager(st, logger, session.WithClock(now), session.WithLateAfter(15*time.Minute)),
		Live:      livesync.NewService(st, nil, 0, nil, logger),
		Overrides: override.NewService(st, nil, logger),
		Reports:   report.NewEngine(st, nil, logger),
		Catalog:   catalog.NewService(st, logger),
		Queue:     f.queue,
	}
	for _, opt := range opts {
		opt(&svc)
	}
	f.router = NewRouter(svc, Options{SigningKey: testKey, Issuer: testIssuer, RateLimitPerMin: 2, Logger: logger, Now: now})
	f.prof = token(t, "7", auth.RoleProfessor)
	f.device = token(t, "cam-1", auth.RoleDevice)
	return f
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	claims := auth.Claims{
		Subject: sub,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testKey))
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/session/start", f.prof, gin.H{"subject_code": "CS101", "topic": "Week1", "room": "505"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	started := decode[struct {
		SessionID   int64  `json:"session_id"`
		SessionUUID string `json:"session_uuid"`
		Resumed     bool   `json:"resumed"`
	}](t, w)
	require.False(t, started.Resumed)

	w = f.do(t, http.MethodPost, "/session/start", f.prof, gin.H{"subject_code": "CS101", "topic": " week1 "})
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, decode[struct {
		Resumed bool `json:"resumed"`
	}](t, w).Resumed)

	w = f.do(t, http.MethodPost, "/session/start", f.prof, gin.H{"subject_code": "CS101", "topic": "Week2"})
	require.Equal(t, http.StatusConflict, w.Code)

	f.clock = start.Add(5 * time.Minute)
	w = f.do(t, http.MethodPost, "/attendance/self-checkin", f.device, gin.H{"student_code": "6301001"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "PRESENT", decode[map[string]string](t, w)["status"])

	w = f.do(t, http.MethodGet, "/attendance/live", f.prof, nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[livesync.Snapshot](t, w)
	require.True(t, snap.Active())
	require.Len(t, snap.Logs, 1)
	require.Equal(t, "2024-01-10 09:05:00", snap.Logs[0].CheckInTime)

	w = f.do(t, http.MethodGet, "/api/session/"+started.SessionUUID+"/live", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, started.SessionID, decode[livesync.Snapshot](t, w).SessionID)

	w = f.do(t, http.MethodPost, "/attendance/override", f.prof, gin.H{"student_identity": "Bob", "status": "late"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "LATE", decode[map[string]string](t, w)["status"])

	w = f.do(t, http.MethodGet, "/session/monitor?sort=code", f.prof, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[livesync.MonitorView](t, w)
	require.Len(t, view.Students, 2)
	require.Equal(t, "6301001", view.Students[0].StudentCode)
	require.Equal(t, "LATE", string(view.Students[1].Status))

	w = f.do(t, http.MethodPost, "/session/end", f.prof, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/attendance/live", f.prof, nil)
	require.False(t, decode[livesync.Snapshot](t, w).Active())
	w = f.do(t, http.MethodPost, "/attendance/override", f.prof, gin.H{"student_identity": "Bob", "status": "ABSENT"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDetectionIsQueued(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/detections", f.device, gin.H{"student_code": "6301002", "proof_ref": "p.jpg"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := f.queue.Consume(ctx)
	require.NoError(t, err)
	ev := <-events
	require.Equal(t, "6301002", ev.StudentCode)
	require.Equal(t, "cam-1", ev.DeviceID)
	require.Equal(t, start, ev.Timestamp)

	w = f.do(t, http.MethodPost, "/v1/detections", f.device, gin.H{"proof_ref": "p.jpg"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPost, "/v1/detections", f.device, gin.H{"student_code": "6301002", "proof_image": "not-an-image"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPost, "/v1/proofs", f.device, gin.H{"student_code": "6301002", "data": "x"})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/attendance/live", "", nil).Code)
	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/attendance/live", f.device, nil).Code)
	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/v1/detections", f.prof, gin.H{"student_code": "x"}).Code)
}

func TestPublicLive(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/session/nope/live", "", nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/session/nope/live", "", nil).Code)
	require.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/api/session/nope/live", "", nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/session/other/live", "", nil).Code)
}

func TestCatalogRoutes(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/subjects", f.prof, gin.H{"code": "MA201", "name": "Linear Algebra"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = f.do(t, http.MethodPost, "/subjects", f.prof, gin.H{"code": "MA201", "name": "Again"})
	require.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/students", f.prof, gin.H{"student_code": "6301003", "name": "Carol"})
	require.Equal(t, http.StatusCreated, w.Code)
	carol := decode[struct {
		ID int64 `json:"id"`
	}](t, w)
	w = f.do(t, http.MethodPost, "/subjects/1/enroll", f.prof, gin.H{"student_id": carol.ID})
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPost, "/subjects/abc/enroll", f.prof, gin.H{"student_id": carol.ID})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/subjects", f.prof, nil)
	require.Equal(t, http.StatusOK, w.Code)
	subjects := decode[struct {
		Subjects []catalog.SubjectSummary `json:"subjects"`
	}](t, w).Subjects
	require.Len(t, subjects, 2)
	require.Equal(t, 3, subjects[0].StudentCount)

	// Registration needs an open gate on an active session.
	w = f.do(t, http.MethodPost, "/subjects/1/register", f.prof, gin.H{"student_code": "6301004", "name": "Dan"})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/session/start", f.prof, gin.H{"subject_code": "CS101", "topic": "Week1"}).Code)
	w = f.do(t, http.MethodPost, "/session/registration", f.prof, gin.H{"enable": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = f.do(t, http.MethodPost, "/subjects/1/register", f.device, gin.H{"student_code": "6301004", "name": "Dan"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/session/monitor", f.prof, nil)
	require.Len(t, decode[livesync.MonitorView](t, w).Students, 4)
}

func TestExportRoutes(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/session/start", f.prof, gin.H{"subject_code": "CS101", "topic": "Week1", "room": "505"}).Code)
	f.clock = start.Add(3 * time.Minute)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/attendance/self-checkin", f.prof, gin.H{"student_code": "6301001"}).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/session/end", f.prof, nil).Code)

	w := f.do(t, http.MethodGet, "/api/export/options", f.prof, nil)
	require.Equal(t, http.StatusOK, w.Code)
	opts := decode[catalog.Options](t, w)
	require.Equal(t, []string{"505"}, opts.Rooms)

	w = f.do(t, http.MethodPost, "/api/export/generate", f.prof, gin.H{"status": "ABSENT"})
	require.Equal(t, http.StatusOK, w.Code)
	table := decode[report.Table](t, w)
	require.Equal(t, report.ModeClass, table.ViewMode)
	require.Len(t, table.Data, 2)
	require.Equal(t, "09:03:00", table.Data[0]["2024-01-10 Week1"])

	w = f.do(t, http.MethodPost, "/api/export/csv", f.prof, gin.H{"status": "ABSENT"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, `attachment; filename="attendance_export_CLASS_2024-01-10.csv"`, w.Header().Get("Content-Disposition"))
	rows, err := csv.NewReader(bytes.NewReader(w.Body.Bytes())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "6301002", rows[1][0])

	w = f.do(t, http.MethodPost, "/api/export/xlsx", f.prof, gin.H{"view_mode": "raw"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, xlsxContentType, w.Header().Get("Content-Type"))
	require.Equal(t, `attachment; filename="attendance_export_RAW_2024-01-10.xlsx"`, w.Header().Get("Content-Disposition"))

	w = f.do(t, http.MethodPost, "/api/export/csv", f.prof, gin.H{"start_date": "2024-02-01", "end_date": "2024-01-01"})
	require.Equal(t, http.StatusOK, w.Code)
	rows, err = csv.NewReader(w.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 1)

	w = f.do(t, http.MethodPost, "/api/export/csv", f.prof, gin.H{"start_date": "01/02/2024"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

type fakeUploader struct{ names []string }

func (u *fakeUploader) Upload(_ context.Context, name string, _ []byte) (string, error) {
	u.names = append(u.names, name)
	return "https://cdn.example/" + name, nil
}

var pngBytes = []byte{
	0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n',
	0x00, 0x00, 0x00, 0x0d, 'I', 'H', 'D', 'R',
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x08, 0x06, 0x00, 0x00, 0x00,
	0x1f, 0x15, 0xc4, 0x89,
}

func TestRegisterWithMultipartPhoto(t *testing.T) {
	up := &fakeUploader{}
	f := newFixture(t, func(s *Services) { s.Proofs = up })
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/session/start", f.prof, gin.H{"subject_code": "CS101", "topic": "Week1"}).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/session/registration", f.prof, gin.H{"subject_id": 1, "enable": true}).Code)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("student_code", "6301009"))
	require.NoError(t, mw.WriteField("name", "Eve"))
	part, err := mw.CreateFormFile("photo", "eve.png")
	require.NoError(t, err)
	_, err = part.Write(pngBytes)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/subjects/1/register", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+f.device)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	st := decode[map[string]any](t, w)
	require.Equal(t, "https://cdn.example/gallery-6301009-20240110T090000.000", st["image_path"])
	require.Len(t, up.names, 1)
}

func TestPollRequestsAreNotLogged(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := store.NewMemory()
	_, err := st.CreateSubject(context.Background(), "CS101", "Intro to CS")
	require.NoError(t, err)
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	router := NewRouter(Services{
		Sessions:  session.NewManager(st, logger),
		Live:      livesync.NewService(st, nil, 0, nil, logger),
		Overrides: override.NewService(st, nil, logger),
		Reports:   report.NewEngine(st, nil, logger),
		Catalog:   catalog.NewService(st, logger),
		Queue:     queue.NewInMemory(1),
	}, Options{SigningKey: testKey, Issuer: testIssuer, Logger: logger})
	prof := token(t, "7", auth.RoleProfessor)

	send := func(method, path string, body string) int {
		req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+prof)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}
	require.Equal(t, http.StatusCreated, send(http.MethodPost, "/session/start", `{"subject_code":"CS101","topic":"Week1"}`))
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, send(http.MethodGet, "/attendance/live", ""))
		require.Equal(t, http.StatusOK, send(http.MethodGet, "/session/monitor", ""))
	}

	requests := logs.FilterMessage("request").All()
	require.Len(t, requests, 1)
	require.Equal(t, "/session/start", requests[0].ContextMap()["path"])
}
