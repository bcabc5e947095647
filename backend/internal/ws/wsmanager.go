package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/collab"
)

var defaultOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

type Manager struct {
	h           *Hub
	svc         collab.Service
	sem         *collab.SemaphoreControl
	presenceTTL time.Duration
	upgrader    websocket.Upgrader
}

func NewManager(h *Hub, svc collab.Service, sem *collab.SemaphoreControl, presenceTTL time.Duration, allowedOrigins []string) *Manager {
	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultOrigins
	}
	if presenceTTL <= 0 {
		presenceTTL = 60 * time.Second
	}
	m := &Manager{h: h, svc: svc, sem: sem, presenceTTL: presenceTTL}
	m.upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// 一些环境不发送 Origin，或为 "null"
		if origin == "" || origin == "null" {
			return true
		}
		for _, p := range allowedOrigins {
			if p == "*" || strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}}
	return m
}

// WebSocketConnect 处理 /collab/ws?sessionId=...，userId 由鉴权中间件写入 gin context
func (m *Manager) WebSocketConnect(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing sessionId"})
		return
	}
	raw, ok := c.Get("userId")
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user"})
		return
	}
	userID := fmt.Sprint(raw)
	username := c.GetString("username")

	ctx := c.Request.Context()
	state, err := m.svc.EncodeFullState(ctx, sessionID)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.h.lg.Warn("websocket upgrade error", "err", err, "origin", c.Request.Header.Get("Origin"))
		return
	}

	wsConn := NewConn(conn, m.h, sessionID, userID, username, m.svc, m.sem, m.presenceTTL)
	m.h.Join(sessionID, wsConn)

	// 先启动写循环，确保后续入队的消息能及时发送
	go wsConn.writeLoop()

	wsConn.SendMessage_Enqueue(ServerMessage{Type: TypeState, SessionID: sessionID, State: state})
	connected := ServerMessage{Type: TypeConnected, SessionID: sessionID, UserID: userID}
	if aw, err := m.svc.Awareness(ctx, sessionID); err == nil {
		for uid, blob := range aw {
			connected.Members = append(connected.Members, PresenceMember{UserID: uid, Awareness: blob})
		}
	}
	if lang, err := m.svc.GetLanguage(ctx, sessionID); err == nil {
		connected.Language = lang
	}
	wsConn.SendMessage_Enqueue(connected)
	wsConn.lg.Info("client connected", "room", m.h.RoomSize(sessionID))

	// 读循环阻塞至连接关闭
	wsConn.readLoop(ctx)
	wsConn.leave(context.WithoutCancel(ctx))
	wsConn.lg.Info("client disconnected", "room", m.h.RoomSize(sessionID))
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, collab.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, collab.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
