package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"classroll/internal/apperr"
	"classroll/internal/auth"
	"classroll/internal/model"
	"classroll/internal/proofstore"
	"classroll/internal/queue"
	"classroll/internal/session"
)

type startRequest struct {
	SubjectCode string `json:"subject_code" binding:"required"`
	Topic       string `json:"topic" binding:"required"`
	Room        string `json:"room"`
}

func (h *handler) startSession(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claims, _ := auth.FromContext(c)
	res, err := h.svc.Sessions.StartOrResume(c.Request.Context(), session.StartRequest{
		SubjectCode: req.SubjectCode,
		Topic:       req.Topic,
		Room:        req.Room,
		Professor:   claims.Professor(),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"session_id":   res.Session.ID,
		"session_uuid": res.Session.UUID,
		"resumed":      res.Resumed,
		"session":      res.Session,
	})
}

func (h *handler) endSession(c *gin.Context) {
	var req struct {
		SessionID int64 `json:"session_id" binding:"gte=0"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	sess, err := h.svc.Sessions.End(c.Request.Context(), req.SessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *handler) setRegistration(c *gin.Context) {
	var req struct {
		SessionID int64 `json:"session_id" binding:"gte=0"`
		SubjectID int64 `json:"subject_id" binding:"gte=0"`
		Enable    *bool `json:"enable" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sess, err := h.svc.Sessions.SetRegistrationOpen(c.Request.Context(),
		session.RegistrationTarget{SessionID: req.SessionID, SubjectID: req.SubjectID}, *req.Enable)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sess.ID, "registration_open": sess.RegistrationOpen})
}

type registerRequest struct {
	StudentCode string `json:"student_code" form:"student_code" binding:"required"`
	Name        string `json:"name" form:"name" binding:"required"`
	Image       string `json:"image" form:"image"`
	ImageRef    string `json:"image_ref" form:"image_ref"`
}

// registerStudent onboards a face during an open registration window. The
// gallery photo arrives as a base64 "image", a multipart "photo" file, or an
// already stored "image_ref".
func (h *handler) registerStudent(c *gin.Context) {
	subjectID, ok := idParam(c)
	if !ok {
		return
	}
	var req registerRequest
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, err)
		return
	}
	var photo []byte
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if file, _, err := c.Request.FormFile("photo"); err == nil {
			defer file.Close()
			photo, err = io.ReadAll(io.LimitReader(file, proofstore.MaxImageBytes+1))
			if err != nil {
				badRequest(c, err)
				return
			}
		}
	}

	ref := req.ImageRef
	if req.Image != "" || photo != nil {
		if h.svc.Proofs == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
			return
		}
		var (
			url string
			err error
		)
		name := "gallery-" + req.StudentCode
		if photo != nil {
			url, err = proofstore.StoreBytes(c.Request.Context(), h.svc.Proofs, name, h.now(), photo)
		} else {
			url, err = proofstore.Store(c.Request.Context(), h.svc.Proofs, name, h.now(), req.Image)
		}
		if err != nil {
			h.fail(c, err)
			return
		}
		ref = url
	}
	st, err := h.svc.Sessions.RegisterStudent(c.Request.Context(), subjectID, req.StudentCode, req.Name, ref)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

type detectionRequest struct {
	StudentID   int64      `json:"student_id" binding:"gte=0"`
	StudentCode string     `json:"student_code"`
	Timestamp   *time.Time `json:"timestamp"`
	ProofImage  string     `json:"proof_image"`
	ProofRef    string     `json:"proof_ref"`
}

// enqueueDetection accepts a sighting from a recognizer and leaves the rest
// to the worker.
func (h *handler) enqueueDetection(c *gin.Context) {
	var req detectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.StudentID == 0 && req.StudentCode == "" {
		h.fail(c, apperr.Validationf("student_id or student_code required"))
		return
	}
	if req.ProofImage != "" {
		if _, _, err := proofstore.DecodeImage(req.ProofImage); err != nil {
			h.fail(c, err)
			return
		}
	}
	ev := queue.DetectionEvent{
		StudentID:   req.StudentID,
		StudentCode: req.StudentCode,
		Timestamp:   h.now(),
		ProofImage:  req.ProofImage,
		ProofRef:    req.ProofRef,
	}
	if req.Timestamp != nil {
		ev.Timestamp = *req.Timestamp
	}
	if claims, ok := auth.FromContext(c); ok {
		ev.DeviceID = claims.Subject
	}
	if err := h.svc.Queue.Publish(c.Request.Context(), ev); err != nil {
		h.fail(c, apperr.Transient(err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "timestamp": ev.Timestamp})
}

func (h *handler) uploadProof(c *gin.Context) {
	if h.svc.Proofs == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
		return
	}
	var req struct {
		StudentCode string `json:"student_code" binding:"required"`
		Data        string `json:"data" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	url, err := proofstore.Store(c.Request.Context(), h.svc.Proofs, req.StudentCode, h.now(), req.Data)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (h *handler) selfCheckIn(c *gin.Context) {
	var req struct {
		StudentCode string `json:"student_code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	st, rec, err := h.svc.Sessions.SelfCheckIn(c.Request.Context(), req.StudentCode)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"student_code":  st.Code,
		"name":          st.Name,
		"status":        rec.Status,
		"check_in_time": model.FormatTime(rec.CheckInTime),
	})
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, apperr.Validationf("invalid id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}
