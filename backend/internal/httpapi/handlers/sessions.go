package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/collab"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/history"
)

// Relay 把 REST 触发的修改推给在线的 websocket 客户端，由 ws.Hub 实现
type Relay interface {
	RelayUpdate(sessionID, userID string, update []byte)
	RelayState(sessionID, userID string, state []byte, hist []history.Record)
}

type Sessions struct {
	svc   collab.Service
	relay Relay
	lg    *slog.Logger
}

func NewSessions(svc collab.Service, relay Relay, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{svc: svc, relay: relay, lg: logger.With("component", "http")}
}

// Register 挂载 /sessions/:id/... 路由
func (h *Sessions) Register(g *gin.RouterGroup) {
	s := g.Group("/sessions/:id")
	s.GET("/state", h.GetState)
	s.GET("/history", h.GetHistory)
	s.GET("/text", h.GetText)
	s.GET("/language", h.GetLanguage)
	s.PUT("/language", h.SetLanguage)
	s.POST("/revert/soft", h.SoftRevert)
	s.POST("/revert/hard", h.HardRevert)
}

func (h *Sessions) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch {
	case errors.Is(err, collab.ErrInvalidInput):
		status, code = http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, collab.ErrStorageUnavailable):
		status, code = http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"
	}
	if status >= http.StatusInternalServerError {
		h.lg.Error("request failed", "path", c.FullPath(), "session", c.Param("id"), "err", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": err.Error()})
}

func userOf(c *gin.Context) string {
	return c.GetString("userId")
}

func (h *Sessions) GetState(c *gin.Context) {
	id := c.Param("id")
	s, err := h.svc.GetOrLoadSession(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	state, err := h.svc.EncodeFullState(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	lang, err := h.svc.GetLanguage(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": id,
		"state":     state, // base64
		"text":      s.Text(),
		"heads":     s.Heads(),
		"language":  lang,
	})
}

func (h *Sessions) GetHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(c, collab.ErrInvalidInput)
			return
		}
		limit = n
	}
	recs, err := h.svc.GetHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": c.Param("id"), "history": recs})
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, collab.ErrInvalidInput
	}
	return time.UnixMilli(ms), nil
}

// GetText 预览 at 时刻（epoch ms）的文本
func (h *Sessions) GetText(c *gin.Context) {
	at, err := parseMillis(c.Query("at"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	text, err := h.svc.TextAt(c.Request.Context(), c.Param("id"), at)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": c.Param("id"), "at": at.UnixMilli(), "text": text})
}

func (h *Sessions) GetLanguage(c *gin.Context) {
	lang, err := h.svc.GetLanguage(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": c.Param("id"), "language": lang})
}

type setLanguageReq struct {
	Language string `json:"language" binding:"required"`
}

func (h *Sessions) SetLanguage(c *gin.Context) {
	var req setLanguageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.Join(collab.ErrInvalidInput, err))
		return
	}
	if err := h.svc.SetLanguage(c.Request.Context(), c.Param("id"), req.Language); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": c.Param("id"), "language": req.Language})
}

type softRevertReq struct {
	Text string `json:"text"`
}

func (h *Sessions) SoftRevert(c *gin.Context) {
	var req softRevertReq
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.Join(collab.ErrInvalidInput, err))
		return
	}
	id := c.Param("id")
	update, err := h.svc.SoftRevert(c.Request.Context(), id, req.Text, userOf(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if h.relay != nil && len(update) > 0 {
		h.relay.RelayUpdate(id, userOf(c), update)
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": id, "update": update})
}

type hardRevertReq struct {
	Timestamp int64 `json:"timestamp" binding:"required"`
}

func (h *Sessions) HardRevert(c *gin.Context) {
	var req hardRevertReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Timestamp <= 0 {
		h.writeError(c, errors.Join(collab.ErrInvalidInput, err))
		return
	}
	id := c.Param("id")
	res, err := h.svc.HardRevert(c.Request.Context(), id, time.UnixMilli(req.Timestamp), userOf(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if h.relay != nil {
		h.relay.RelayState(id, userOf(c), res.FullState, res.History)
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": id,
		"state":     res.FullState,
		"update":    res.Update,
		"history":   res.History,
	})
}
