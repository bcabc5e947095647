package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/collab"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4 << 20
	sendBuffer     = 64
	// 单条消息处理（含排队等信号量）的上限
	handleTimeout = 2 * time.Second
)

type Conn struct {
	ws        *websocket.Conn
	hub       *Hub
	sessionID string
	userID    string
	username  string
	// 出站队列，writeLoop 消费
	send chan ServerMessage
	// 保证 close(send) 之后不会再有人往里写
	mu     sync.RWMutex
	closed bool

	// 协作引擎服务
	svc collab.Service
	// 限制同时处理的编辑请求数
	sem         *collab.SemaphoreControl
	presenceTTL time.Duration
	lg          *slog.Logger
}

func NewConn(ws *websocket.Conn, hub *Hub, sessionID, userID, username string, svc collab.Service, sem *collab.SemaphoreControl, presenceTTL time.Duration) *Conn {
	return &Conn{
		ws:          ws,
		hub:         hub,
		sessionID:   sessionID,
		userID:      userID,
		username:    username,
		send:        make(chan ServerMessage, sendBuffer),
		svc:         svc,
		sem:         sem,
		presenceTTL: presenceTTL,
		lg:          hub.lg.With("session", sessionID, "user", userID),
	}
}

// SendMessage_Enqueue 非阻塞入队，队列满或连接已关闭时丢弃
func (c *Conn) SendMessage_Enqueue(msg ServerMessage) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.lg.Warn("send queue full, drop message", "type", msg.Type)
	}
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) sendError(err error) {
	c.SendMessage_Enqueue(ServerMessage{Type: TypeError, Content: err.Error()})
}

func (c *Conn) handleUpdate(ctx context.Context, msg ClientMessage) {
	updateCtx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	if c.sem != nil {
		if err := c.sem.Acquire(updateCtx); err != nil {
			c.sendError(err)
			return
		}
		defer c.sem.Release()
	}

	_, err := c.svc.ApplyAndRecord(updateCtx, c.sessionID, msg.Update, c.userID)
	if errors.Is(err, collab.ErrUpdateDropped) {
		// 服务端没有合并这条更新，不能转发；发送方用服务端完整状态替换本地副本
		c.resync(ctx)
		return
	}
	if err != nil {
		c.lg.Warn("apply update failed", "err", err)
		c.sendError(err)
		return
	}
	// 原样转发给其他协作者，CRDT 合并幂等
	c.hub.Broadcast(c.sessionID, c, ServerMessage{Type: TypeUpdate, UserID: c.userID, Update: msg.Update})
}

func (c *Conn) resync(ctx context.Context) {
	c.sendError(collab.ErrUpdateDropped)
	state, err := c.svc.EncodeFullState(ctx, c.sessionID)
	if err != nil {
		c.lg.Warn("encode state for resync failed", "err", err)
		return
	}
	c.SendMessage_Enqueue(ServerMessage{Type: TypeState, SessionID: c.sessionID, State: state})
}

func (c *Conn) handleListRooms() {
	c.SendMessage_Enqueue(ServerMessage{Type: TypeRoomDetails, Rooms: c.hub.Rooms()})
}

func (c *Conn) handleAwareness(ctx context.Context, msg ClientMessage) {
	if err := c.svc.MergeAwareness(ctx, c.sessionID, c.userID, msg.State); err != nil {
		c.sendError(err)
		return
	}
	if c.hub.presence != nil {
		if err := c.hub.presence.Touch(ctx, c.sessionID, c.userID, msg.State, c.presenceTTL); err != nil {
			c.lg.Warn("touch presence failed", "err", err)
		}
	}
	c.hub.Broadcast(c.sessionID, c, ServerMessage{Type: TypeAwareness, UserID: c.userID, State: msg.State})
}

func (c *Conn) handleHistory(ctx context.Context, msg ClientMessage) {
	recs, err := c.svc.GetHistory(ctx, c.sessionID, msg.Limit)
	if err != nil {
		c.sendError(err)
		return
	}
	c.SendMessage_Enqueue(ServerMessage{Type: TypeHistory, SessionID: c.sessionID, History: recs})
}

func (c *Conn) handleLanguageSet(ctx context.Context, msg ClientMessage) {
	if err := c.svc.SetLanguage(ctx, c.sessionID, msg.Language); err != nil {
		c.sendError(err)
		return
	}
	c.hub.Broadcast(c.sessionID, nil, ServerMessage{Type: TypeLanguage, UserID: c.userID, Language: msg.Language})
}

func (c *Conn) handleLanguageGet(ctx context.Context) {
	lang, err := c.svc.GetLanguage(ctx, c.sessionID)
	if err != nil {
		c.sendError(err)
		return
	}
	c.SendMessage_Enqueue(ServerMessage{Type: TypeLanguage, SessionID: c.sessionID, Language: lang})
}

func (c *Conn) handleRevertSoft(ctx context.Context, msg ClientMessage) {
	update, err := c.svc.SoftRevert(ctx, c.sessionID, msg.Text, c.userID)
	if err != nil {
		c.sendError(err)
		return
	}
	if len(update) > 0 {
		c.hub.RelayUpdate(c.sessionID, c.userID, update)
	}
}

func (c *Conn) handleRevertHard(ctx context.Context, msg ClientMessage) {
	if msg.Timestamp <= 0 {
		c.sendError(collab.ErrInvalidInput)
		return
	}
	res, err := c.svc.HardRevert(ctx, c.sessionID, time.UnixMilli(msg.Timestamp), c.userID)
	if err != nil {
		c.sendError(err)
		return
	}
	// 客户端用完整状态替换本地副本，再刷新历史
	c.hub.RelayState(c.sessionID, c.userID, res.FullState, res.History)
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.closeSend()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.lg.Warn("read json error", "err", err)
			}
			return
		}
		switch msg.Type {
		case TypeUpdate:
			c.handleUpdate(ctx, msg)
		case TypeAwareness:
			c.handleAwareness(ctx, msg)
		case TypeHistoryGet:
			c.handleHistory(ctx, msg)
		case TypeLanguageSet:
			c.handleLanguageSet(ctx, msg)
		case TypeLanguageGet:
			c.handleLanguageGet(ctx)
		case TypeRevertSoft:
			c.handleRevertSoft(ctx, msg)
		case TypeRevertHard:
			c.handleRevertHard(ctx, msg)
		case TypeListRooms:
			c.handleListRooms()
		default:
			c.SendMessage_Enqueue(ServerMessage{Type: TypeError, Content: "unknown message type " + msg.Type})
		}
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				c.lg.Debug("write json error", "err", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// leave 断开时清理：离开房间、删除 awareness 并通知其他人
func (c *Conn) leave(ctx context.Context) {
	c.hub.Leave(c.sessionID, c)
	if err := c.svc.RemoveAwareness(ctx, c.sessionID, c.userID); err != nil {
		c.lg.Warn("remove awareness failed", "err", err)
	}
	if c.hub.presence != nil {
		if err := c.hub.presence.Leave(ctx, c.sessionID, c.userID); err != nil {
			c.lg.Warn("leave presence failed", "err", err)
		}
	}
	c.hub.Broadcast(c.sessionID, c, ServerMessage{Type: TypeAwareness, UserID: c.userID})
}
