package api

import (
	"bytes"
	"net/http"

	"github.com/gin-gonic/gin"

	"classroll/internal/report"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (h *handler) exportOptions(c *gin.Context) {
	opts, err := h.svc.Catalog.ExportOptions(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, opts)
}

// generate binds and normalizes the filter, then builds the unfiltered report.
func (h *handler) generate(c *gin.Context) (report.Filter, report.Report, bool) {
	var f report.Filter
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&f); err != nil {
			badRequest(c, err)
			return report.Filter{}, report.Report{}, false
		}
	}
	f, err := f.Normalize()
	if err != nil {
		h.fail(c, err)
		return report.Filter{}, report.Report{}, false
	}
	rep, err := h.svc.Reports.Generate(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return report.Filter{}, report.Report{}, false
	}
	return f, rep, true
}

func (h *handler) exportGenerate(c *gin.Context) {
	_, rep, ok := h.generate(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rep.Table())
}

func (h *handler) exportCSV(c *gin.Context) {
	f, rep, ok := h.generate(c)
	if !ok {
		return
	}
	rep = rep.FilterStatus(f.Status)
	attachment(c, report.Filename(rep.Mode, h.now(), "csv"))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", rep.CSV())
}

func (h *handler) exportXLSX(c *gin.Context) {
	f, rep, ok := h.generate(c)
	if !ok {
		return
	}
	rep = rep.FilterStatus(f.Status)
	var buf bytes.Buffer
	if err := rep.WriteXLSX(&buf); err != nil {
		h.fail(c, err)
		return
	}
	attachment(c, report.Filename(rep.Mode, h.now(), "xlsx"))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

func attachment(c *gin.Context, name string) {
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
}
