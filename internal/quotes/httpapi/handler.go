package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"klinefeed.com/internal/quotes/fanout"
	"klinefeed.com/internal/quotes/model"
	"klinefeed.com/internal/quotes/session"
	"klinefeed.com/internal/quotes/store"
	"klinefeed.com/pkg/common"
	"klinefeed.com/pkg/logger"
	"klinefeed.com/pkg/xerr"
)

type handler struct {
	d Deps
}

func (h *handler) Root(c *gin.Context) {
	common.Success(c, gin.H{
		"service": "quotes-service",
		"venues":  h.d.Venues(),
		"endpoints": []string{
			"POST /api/start/:venue",
			"GET /api/sessions",
			"DELETE /api/sessions/:id",
			"GET /api/bars/:venue/:symbol?page=&limit=",
			"GET /api/bars/:venue/:symbol/latest",
			"GET /ws/:venue",
			"GET /ws/topics",
			"GET /metrics",
			"GET /healthz",
		},
	})
}

func (h *handler) Health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// Start 起一个无订阅端的采集会话；每次调用都是新会话
func (h *handler) Start(c *gin.Context) {
	venue := strings.ToLower(c.Param("venue"))
	s, err := h.d.Sessions.Start(venue, nil)
	if err != nil {
		if errors.Is(err, session.ErrUnknownVenue) {
			common.Fail(c, http.StatusNotFound, xerr.RecordNotFound, "unknown venue: "+venue)
			return
		}
		if errors.Is(err, session.ErrClosed) {
			common.Fail(c, http.StatusServiceUnavailable, xerr.VenueUnavailable, "shutting down")
			return
		}
		common.FailErr(c, err)
		return
	}
	logger.Info(c.Request.Context(), "headless session started",
		zap.String("venue", venue), zap.String("session_id", s.ID()))
	common.Success(c, gin.H{"session_id": s.ID()})
}

func (h *handler) Sessions(c *gin.Context) {
	common.Success(c, h.d.Sessions.List())
}

func (h *handler) StopSession(c *gin.Context) {
	id := c.Param("id")
	if !h.d.Sessions.Stop(id) {
		common.Fail(c, http.StatusNotFound, xerr.RecordNotFound, xerr.MapErrMsg(xerr.RecordNotFound))
		return
	}
	common.Success(c, gin.H{"session_id": id, "state": session.Draining.String()})
}

func (h *handler) Latest(c *gin.Context) {
	venue := strings.ToLower(c.Param("venue"))
	st, ok := h.d.Store(venue)
	if !ok {
		common.Fail(c, http.StatusNotFound, xerr.RecordNotFound, "unknown venue: "+venue)
		return
	}
	bar, found, err := st.Latest(c.Request.Context(), model.NormalizeSymbol(c.Param("symbol")))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	if !found {
		common.Fail(c, http.StatusNotFound, xerr.RecordNotFound, xerr.MapErrMsg(xerr.RecordNotFound))
		return
	}
	common.Success(c, fanout.NewBarDTO(bar))
}

type pageQuery struct {
	Page  int `form:"page"`
	Limit int `form:"limit"`
}

// Bars 倒序分页
func (h *handler) Bars(c *gin.Context) {
	venue := strings.ToLower(c.Param("venue"))
	st, ok := h.d.Store(venue)
	if !ok {
		common.Fail(c, http.StatusNotFound, xerr.RecordNotFound, "unknown venue: "+venue)
		return
	}
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil || q.Page < 0 || q.Limit < 0 {
		common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, xerr.MapErrMsg(xerr.RequestParamsError))
		return
	}
	bars, err := store.Recent(c.Request.Context(), st, model.NormalizeSymbol(c.Param("symbol")), q.Page, q.Limit)
	if errors.Is(err, store.ErrNotSupported) {
		common.Fail(c, http.StatusNotImplemented, http.StatusNotImplemented, "history not available for this store")
		return
	}
	if errors.Is(err, store.ErrPageRange) {
		common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, "page out of range")
		return
	}
	if err != nil {
		common.FailErr(c, err)
		return
	}
	out := make([]fanout.BarDTO, len(bars))
	for i, b := range bars {
		out[i] = fanout.NewBarDTO(b)
	}
	common.Success(c, out)
}

// WS /ws/topics 是 topic relay，其它都当 venue
func (h *handler) WS(c *gin.Context) {
	venue := strings.ToLower(c.Param("venue"))
	if venue == "topics" {
		h.d.WS.ServeTopics(c.Writer, c.Request)
		return
	}
	h.d.WS.ServeVenue(c.Writer, c.Request, venue)
}
