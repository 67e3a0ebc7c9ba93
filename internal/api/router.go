// Package api is the HTTP surface: gin routes over the session, live sync,
// override, catalog and report services.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"classroll/internal/auth"
	"classroll/internal/catalog"
	"classroll/internal/httpmiddleware"
	"classroll/internal/livesync"
	"classroll/internal/logging"
	"classroll/internal/override"
	"classroll/internal/proofstore"
	"classroll/internal/queue"
	"classroll/internal/report"
	"classroll/internal/session"
)

// Services are the domain services behind the routes. Proofs may be nil when
// image storage is not configured.
type Services struct {
	Sessions  *session.Manager
	Live      *livesync.Service
	Overrides *override.Service
	Reports   *report.Engine
	Catalog   *catalog.Service
	Queue     queue.Queue
	Proofs    proofstore.Uploader
}

// Options configure the router.
type Options struct {
	SigningKey      string
	Issuer          string
	RateLimitPerMin int
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Health reports dependency health for /healthz.
	Health func(ctx context.Context) map[string]bool
	Logger *zap.Logger
	Now    func() time.Time
}

type handler struct {
	svc Services
	log *zap.Logger
	now func() time.Time
}

// pollPaths are hit every poll interval by each open viewer; successful
// requests on them are not logged.
var pollPaths = []string{
	"/healthz",
	"/metrics",
	"/api/session/:uuid/live",
	"/attendance/live",
	"/session/monitor",
}

// NewRouter wires every route.
func NewRouter(svc Services, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RateLimitPerMin <= 0 {
		opts.RateLimitPerMin = 120
	}
	h := &handler{svc: svc, log: opts.Logger, now: opts.Now}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.GinLogger(opts.Logger, pollPaths...))
	r.Use(httpmiddleware.CORS())
	r.Use(httpmiddleware.SecurityHeaders())

	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	r.GET("/healthz", func(c *gin.Context) {
		deps := map[string]bool{}
		if opts.Health != nil {
			deps = opts.Health(c.Request.Context())
		}
		status := http.StatusOK
		body := gin.H{"status": "ok"}
		for name, ok := range deps {
			body[name] = ok
			if !ok {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}
		c.JSON(status, body)
	})

	// Projector pages poll this without a token.
	public := httpmiddleware.NewTokenBucket(opts.RateLimitPerMin, opts.RateLimitPerMin)
	r.GET("/api/session/:uuid/live", public.GinMiddleware(httpmiddleware.ByIPAndParam("uuid")), h.publicLive)

	device := r.Group("/v1", auth.Require(opts.SigningKey, opts.Issuer, auth.RoleDevice))
	device.POST("/detections", h.enqueueDetection)
	device.POST("/proofs", h.uploadProof)

	kiosk := r.Group("/", auth.Require(opts.SigningKey, opts.Issuer, auth.RoleDevice, auth.RoleProfessor))
	kiosk.POST("/attendance/self-checkin", h.selfCheckIn)
	kiosk.POST("/subjects/:id/register", h.registerStudent)

	prof := r.Group("/", auth.Require(opts.SigningKey, opts.Issuer, auth.RoleProfessor))
	prof.POST("/session/start", h.startSession)
	prof.POST("/session/end", h.endSession)
	prof.POST("/session/registration", h.setRegistration)
	prof.GET("/session/monitor", h.monitor)
	prof.GET("/attendance/live", h.live)
	prof.POST("/attendance/override", h.override)

	prof.GET("/subjects", h.listSubjects)
	prof.POST("/subjects", h.createSubject)
	prof.PATCH("/subjects/:id", h.toggleSubject)
	prof.GET("/subjects/:id/sessions", h.recentSessions)
	prof.POST("/subjects/:id/enroll", h.enroll)
	prof.POST("/students", h.createStudent)

	prof.GET("/api/export/options", h.exportOptions)
	prof.POST("/api/export/generate", h.exportGenerate)
	prof.POST("/api/export/csv", h.exportCSV)
	prof.POST("/api/export/xlsx", h.exportXLSX)

	return r
}
