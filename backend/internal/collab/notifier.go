package collab

import (
	"sync"
	"time"

	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/history"
)

type RevertEvent struct {
	SessionID string
	UserID    string
	Mode      RevertMode
	Target    time.Time // hard revert 的目标时间
	At        time.Time
}

// Notifier 接收 burst flush 出来的新历史和 revert 事件
type Notifier interface {
	NotifyHistory(sessionID string, rec history.Record)
	NotifyRevert(evt RevertEvent)
}

// Notifiers 把通知扇出给多个接收方
type Notifiers struct {
	mu   sync.RWMutex
	list []Notifier
}

func (n *Notifiers) Add(x Notifier) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list = append(n.list, x)
}

func (n *Notifiers) snapshot() []Notifier {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Notifier(nil), n.list...)
}

func (n *Notifiers) NotifyHistory(sessionID string, rec history.Record) {
	for _, x := range n.snapshot() {
		x.NotifyHistory(sessionID, rec)
	}
}

func (n *Notifiers) NotifyRevert(evt RevertEvent) {
	for _, x := range n.snapshot() {
		x.NotifyRevert(evt)
	}
}
