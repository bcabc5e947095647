package ws

import "github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/history"

// 客户端 -> 服务端
const (
	TypeUpdate      = "collab:update"
	TypeAwareness   = "collab:awareness"
	TypeHistoryGet  = "collab:history:get"
	TypeLanguageSet = "collab:language:set"
	TypeLanguageGet = "collab:language:get"
	TypeRevertSoft  = "collab:revert:soft"
	TypeRevertHard  = "collab:revert:hard"
	TypeListRooms   = "collab:listAllRooms"
)

// 服务端 -> 客户端（collab:update / collab:awareness 与上面同名）
const (
	TypeState       = "collab:state"
	TypeConnected   = "collab:connected"
	TypeHistory     = "collab:history"
	TypeHistoryNew  = "collab:history:new"
	TypeLanguage    = "collab:language"
	TypeReverted    = "collab:reverted"
	TypeError       = "collab:error"
	TypeRoomDetails = "collab:roomDetails"
)

// []byte 字段在 JSON 里是 base64
type ClientMessage struct {
	Type      string `json:"type"`
	Update    []byte `json:"update,omitempty"`
	State     []byte `json:"state,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Language  string `json:"language,omitempty"`
	Text      string `json:"text,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // hard revert 目标，epoch ms
}

type ServerMessage struct {
	Type      string           `json:"type"`
	SessionID string           `json:"sessionId,omitempty"`
	UserID    string           `json:"userId,omitempty"`
	Update    []byte           `json:"update,omitempty"`
	State     []byte           `json:"state,omitempty"`
	History   []history.Record `json:"history,omitempty"`
	Record    *history.Record  `json:"record,omitempty"`
	Language  string           `json:"language,omitempty"`
	Mode      string           `json:"mode,omitempty"`
	Target    int64            `json:"target,omitempty"`
	Members   []PresenceMember `json:"members,omitempty"`
	Rooms     []RoomDetail     `json:"rooms,omitempty"`
	Content   string           `json:"content,omitempty"`
}

type PresenceMember struct {
	UserID    string `json:"userId"`
	Awareness []byte `json:"awareness,omitempty"`
}

// RoomDetail 本实例上一个房间的连接情况
type RoomDetail struct {
	SessionID   string   `json:"sessionId"`
	Connections int      `json:"connections"`
	Users       []string `json:"users"`
}
