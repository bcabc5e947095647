package collab

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/crdt"
)

// Session 是一个会话在内存中的权威状态。
// mu 串行化文档修改、操作计数、快照与 revert；awareness 单独加锁，不和文档互相阻塞。
type Session struct {
	id string

	mu             sync.Mutex
	doc            *crdt.Doc
	ops            int
	lastSnapshotAt time.Time
	language       string

	loaded atomic.Bool
	// 正在进行的 hard revert 数量，>0 时丢弃客户端更新
	reverting atomic.Int32
	// 每次 hard revert 开始时递增，等锁期间发生过 revert 的更新同样丢弃
	revertGen atomic.Uint64

	awMu      sync.RWMutex
	awareness map[string][]byte
}

func newSession(id string) *Session {
	return &Session{
		id:        id,
		doc:       crdt.New(),
		language:  DefaultLanguage,
		awareness: make(map[string][]byte),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Loaded() bool { return s.loaded.Load() }

func (s *Session) Reverting() bool { return s.reverting.Load() > 0 }

// Text 返回当前文档文本
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Text()
}

// Heads 返回当前文档 heads
func (s *Session) Heads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Heads()
}

// getOrCreateSession 双重检查：先读锁查，未命中再写锁创建
func (svc *SessionService) getOrCreateSession(id string) *Session {
	svc.mu.RLock()
	s, ok := svc.sessions[id]
	svc.mu.RUnlock()
	if ok {
		return s
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if s, ok = svc.sessions[id]; ok {
		return s
	}
	s = newSession(id)
	s.lastSnapshotAt = svc.now()
	svc.sessions[id] = s
	return s
}
