package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (h *handler) listSubjects(c *gin.Context) {
	subjects, err := h.svc.Catalog.ListSubjects(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subjects": subjects})
}

func (h *handler) createSubject(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required,max=32"`
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	subj, err := h.svc.Catalog.CreateSubject(c.Request.Context(), req.Code, req.Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, subj)
}

func (h *handler) toggleSubject(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	subj, err := h.svc.Catalog.SetSubjectActive(c.Request.Context(), id, *req.Active)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, subj)
}

func (h *handler) recentSessions(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	sessions, err := h.svc.Catalog.RecentSessions(c.Request.Context(), id, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *handler) enroll(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req struct {
		StudentID int64 `json:"student_id" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.Catalog.Enroll(c.Request.Context(), req.StudentID, id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject_id": id, "student_id": req.StudentID, "enrolled": true})
}

func (h *handler) createStudent(c *gin.Context) {
	var req struct {
		StudentCode string `json:"student_code" binding:"required"`
		Name        string `json:"name" binding:"required"`
		ImageRef    string `json:"image_ref"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	st, err := h.svc.Catalog.CreateStudent(c.Request.Context(), req.StudentCode, req.Name, req.ImageRef)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}
