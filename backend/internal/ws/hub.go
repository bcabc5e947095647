package ws

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/cache"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/collab"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/history"
)

type Hub struct {
	// 跨实例的在线状态镜像，可以为 nil
	presence cache.PresenceCache
	lg       *slog.Logger

	// 保护 rooms，加入/离开房间、广播时都会先加锁
	mu sync.RWMutex
	// sessionID -> set of connections
	// 一个用户可开多个标签页（多连接），广播要逐连接发
	rooms map[string]map[*Conn]struct{}
}

var _ collab.Notifier = (*Hub)(nil)

func NewHub(p cache.PresenceCache, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{presence: p, lg: logger.With("component", "ws"), rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入会话房间
func (h *Hub) Join(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[sessionID] == nil {
		h.rooms[sessionID] = make(map[*Conn]struct{})
	}
	h.rooms[sessionID][c] = struct{}{}
}

// Leave 将连接从会话房间移除
func (h *Hub) Leave(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[sessionID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, sessionID)
		}
	}
}

// RoomSize 返回房间内的连接数
func (h *Hub) RoomSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// Rooms 列出本实例上所有房间，按会话 id 排序，用户去重（多标签页只算一次）
func (h *Hub) Rooms() []RoomDetail {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]RoomDetail, 0, len(h.rooms))
	for sid, conns := range h.rooms {
		seen := make(map[string]struct{}, len(conns))
		users := make([]string, 0, len(conns))
		for c := range conns {
			if _, ok := seen[c.userID]; ok {
				continue
			}
			seen[c.userID] = struct{}{}
			users = append(users, c.userID)
		}
		sort.Strings(users)
		out = append(out, RoomDetail{SessionID: sid, Connections: len(conns), Users: users})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (h *Hub) members(sessionID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Conn, 0, len(h.rooms[sessionID]))
	for c := range h.rooms[sessionID] {
		conns = append(conns, c)
	}
	return conns
}

// Broadcast 发给房间内除 except 以外的所有连接，except 为 nil 时发给全部
func (h *Hub) Broadcast(sessionID string, except *Conn, msg ServerMessage) {
	msg.SessionID = sessionID
	for _, c := range h.members(sessionID) {
		if c == except {
			continue
		}
		c.SendMessage_Enqueue(msg)
	}
}

func (h *Hub) NotifyHistory(sessionID string, rec history.Record) {
	h.Broadcast(sessionID, nil, ServerMessage{Type: TypeHistoryNew, UserID: rec.UserID, Record: &rec})
}

func (h *Hub) NotifyRevert(evt collab.RevertEvent) {
	msg := ServerMessage{Type: TypeReverted, UserID: evt.UserID, Mode: string(evt.Mode)}
	if evt.Mode == collab.RevertHard {
		msg.Target = evt.Target.UnixMilli()
	}
	h.Broadcast(evt.SessionID, nil, msg)
	h.lg.Info("revert broadcast", "session", evt.SessionID, "mode", evt.Mode, "user", evt.UserID)
}

// RelayUpdate 把服务端产生的增量（如 REST 发起的 soft revert）推给房间内所有连接
func (h *Hub) RelayUpdate(sessionID, userID string, update []byte) {
	h.Broadcast(sessionID, nil, ServerMessage{Type: TypeUpdate, UserID: userID, Update: update})
}

// RelayState 在 hard revert 后推送完整状态和重新计算的历史
func (h *Hub) RelayState(sessionID, userID string, state []byte, hist []history.Record) {
	h.Broadcast(sessionID, nil, ServerMessage{Type: TypeState, UserID: userID, State: state})
	h.Broadcast(sessionID, nil, ServerMessage{Type: TypeHistory, History: hist})
}
