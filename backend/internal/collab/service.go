package collab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/crdt"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/history"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/logstore"
)

// Service 是传输层（ws / http）看到的协作引擎
type Service interface {
	GetOrLoadSession(ctx context.Context, id string) (*Session, error)
	EncodeFullState(ctx context.Context, id string) ([]byte, error)
	ApplyAndRecord(ctx context.Context, id string, update []byte, userID string) (*history.Record, error)
	GetHistory(ctx context.Context, id string, limit int) ([]history.Record, error)
	SetLanguage(ctx context.Context, id, language string) error
	GetLanguage(ctx context.Context, id string) (string, error)
	SoftRevert(ctx context.Context, id, text, userID string) ([]byte, error)
	HardRevert(ctx context.Context, id string, at time.Time, userID string) (*RevertResult, error)
	TextAt(ctx context.Context, id string, at time.Time) (string, error)
	MergeAwareness(ctx context.Context, id, userID string, state []byte) error
	RemoveAwareness(ctx context.Context, id, userID string) error
	Awareness(ctx context.Context, id string) (map[string][]byte, error)
}

// SessionService 在内存里维护 session id -> Session，持久化交给 logstore
type SessionService struct {
	log   *logstore.Log
	opts  Options
	now   func() time.Time
	lg    *slog.Logger
	burst *BurstAggregator

	mu       sync.RWMutex
	sessions map[string]*Session
	// 同一会话的并发 hydrate 合并成一次
	group singleflight.Group

	notifiers Notifiers
}

var _ Service = (*SessionService)(nil)

func NewService(log *logstore.Log, opts Options) *SessionService {
	opts = opts.withDefaults()
	svc := &SessionService{
		log:      log,
		opts:     opts,
		now:      opts.Clock,
		lg:       opts.Logger.With("component", "collab"),
		sessions: make(map[string]*Session),
	}
	svc.burst = NewBurstAggregator(opts.TypeBurst, opts.MaxBurst, opts.Clock, svc.notifiers.NotifyHistory)
	return svc
}

// AddNotifier 注册历史/revert 通知的接收方（ws hub、kafka 等），需在开始服务前调用
func (svc *SessionService) AddNotifier(n Notifier) {
	svc.notifiers.Add(n)
}

// Close 把尚未 flush 的 burst 全部发出
func (svc *SessionService) Close() {
	svc.burst.FlushAll()
}

func (svc *SessionService) GetOrLoadSession(ctx context.Context, id string) (*Session, error) {
	if err := logstore.ValidateSession(id); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	s := svc.getOrCreateSession(id)
	if s.Loaded() {
		return s, nil
	}
	// 同一会话的并发调用共享这次加载，不能让第一个调用方的取消影响其他人
	_, err, _ := svc.group.Do(id, func() (any, error) {
		return nil, svc.hydrate(context.WithoutCancel(ctx), s)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// hydrate 先应用快照，再按 key 顺序应用全部 update；单条失败记日志跳过
func (svc *SessionService) hydrate(ctx context.Context, s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Loaded() {
		return nil
	}

	doc := crdt.New()
	snap, err := svc.log.Snapshot(ctx, s.id)
	if err != nil {
		return err
	}
	if snap != nil {
		if err := doc.ApplyUpdate(snap); err != nil {
			svc.lg.Warn("skip malformed snapshot", "session", s.id, "err", err)
		}
	}

	applied, skipped := 0, 0
	err = svc.log.Updates(ctx, s.id, func(key string, update []byte) error {
		if err := doc.ApplyUpdate(update); err != nil {
			skipped++
			svc.lg.Warn("skip malformed update", "session", s.id, "key", key, "err", err)
			return nil
		}
		applied++
		return nil
	})
	if err != nil {
		return err
	}

	// 新会话由服务端创建 content，所有客户端共享同一个 text 对象
	genesis, err := doc.EnsureText()
	if err != nil {
		return fmt.Errorf("create content for %s: %w", s.id, err)
	}
	if genesis != nil {
		if _, err := svc.log.AppendUpdate(ctx, s.id, svc.now(), genesis); err != nil {
			return err
		}
	}

	s.doc = doc
	s.loaded.Store(true)
	svc.lg.Info("session hydrated", "session", s.id,
		"snapshot", snap != nil, "updates", applied, "skipped", skipped)
	return nil
}

func (svc *SessionService) EncodeFullState(ctx context.Context, id string) ([]byte, error) {
	s, err := svc.GetOrLoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.EncodeState(), nil
}

func (svc *SessionService) SetLanguage(ctx context.Context, id, language string) error {
	if _, ok := AllowedLanguages[language]; !ok {
		return invalid("unsupported language %q", language)
	}
	s, err := svc.GetOrLoadSession(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.language = language
	s.mu.Unlock()
	return nil
}

func (svc *SessionService) GetLanguage(ctx context.Context, id string) (string, error) {
	s, err := svc.GetOrLoadSession(ctx, id)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language, nil
}

// GetHistory 多取 HistoryOverFetch 倍再做相邻合并，单字符编辑合并后条数会大幅减少
func (svc *SessionService) GetHistory(ctx context.Context, id string, limit int) ([]history.Record, error) {
	if err := logstore.ValidateSession(id); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if limit <= 0 {
		limit = svc.opts.HistoryLimit
	}
	recs, err := svc.log.History(ctx, id, limit*HistoryOverFetch)
	if err != nil {
		return nil, err
	}
	merged := history.MergeAdjacent(recs)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}
