package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"classroll/internal/apperr"
	"classroll/internal/livesync"
	"classroll/internal/model"
)

func (h *handler) live(c *gin.Context) {
	snap, err := h.svc.Live.Live(c.Request.Context(), "")
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handler) publicLive(c *gin.Context) {
	snap, err := h.svc.Live.Live(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handler) monitor(c *gin.Context) {
	var sessionID int64
	if v := c.Query("session_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 0 {
			badRequest(c, apperr.Validationf("invalid session_id %q", v))
			return
		}
		sessionID = id
	}
	view, err := h.svc.Live.Monitor(c.Request.Context(), sessionID, livesync.ParseSortKey(c.Query("sort")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type overrideRequest struct {
	StudentIdentity string `json:"student_identity" binding:"required"`
	Status          string `json:"status" binding:"required"`
}

func (h *handler) override(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	status, _ := model.ParseStatus(req.Status)
	out, err := h.svc.Overrides.Apply(c.Request.Context(), req.StudentIdentity, status)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"student_code":  out.StudentCode,
		"name":          out.Name,
		"status":        out.Record.Status,
		"check_in_time": model.FormatTime(out.Record.CheckInTime),
	})
}
