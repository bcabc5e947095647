package collab

import (
	"time"

	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/history"
)

const (
	EventHistoryFlushed = "HISTORY_FLUSHED"
	EventSoftReverted   = "DOCUMENT_SOFT_REVERTED"
	EventHardReverted   = "DOCUMENT_HARD_REVERTED"
)

type CollabEvent struct {
	EventType  string          `json:"eventType"`
	SessionID  string          `json:"sessionId"`
	UserID     string          `json:"userId"`
	Record     *history.Record `json:"record,omitempty"` // 仅 HISTORY_FLUSHED
	Target     int64           `json:"target,omitempty"` // 仅 hard revert，epoch ms
	OccurredAt time.Time       `json:"occurredAt"`
}

func historyEvent(sessionID string, rec history.Record) CollabEvent {
	return CollabEvent{
		EventType:  EventHistoryFlushed,
		SessionID:  sessionID,
		UserID:     rec.UserID,
		Record:     &rec,
		OccurredAt: rec.Time(),
	}
}

func revertEvent(evt RevertEvent) CollabEvent {
	out := CollabEvent{
		EventType:  EventSoftReverted,
		SessionID:  evt.SessionID,
		UserID:     evt.UserID,
		OccurredAt: evt.At,
	}
	if evt.Mode == RevertHard {
		out.EventType = EventHardReverted
		out.Target = evt.Target.UnixMilli()
	}
	return out
}
