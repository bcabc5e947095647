package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/crdt"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/history"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/ot/delta"
)

// ApplyAndRecord 合并一条客户端 update，持久化 update 与派生出的历史记录。
// 返回 nil, nil 表示结构性无变化的 update；会话正在 hard revert 时更新被丢弃，返回 ErrUpdateDropped。
func (svc *SessionService) ApplyAndRecord(ctx context.Context, id string, update []byte, userID string) (*history.Record, error) {
	if len(update) == 0 {
		return nil, invalid("empty update")
	}
	if userID == "" {
		return nil, invalid("missing user id")
	}
	s, err := svc.GetOrLoadSession(ctx, id)
	if err != nil {
		return nil, err
	}

	gen := s.revertGen.Load()
	if s.Reverting() {
		svc.lg.Debug("drop update during revert", "session", id, "user", userID)
		return nil, ErrUpdateDropped
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Reverting() || s.revertGen.Load() != gen {
		svc.lg.Debug("drop update during revert", "session", id, "user", userID)
		return nil, ErrUpdateDropped
	}

	pre := s.doc.Text()
	var observed delta.Delta
	unobserve := s.doc.Observe(func(d delta.Delta) { observed = d })
	err = s.doc.ApplyUpdate(update)
	unobserve()
	if err != nil {
		svc.lg.Warn("reject undecodable update", "session", id, "user", userID, "err", err)
		if errors.Is(err, crdt.ErrEmptyUpdate) {
			return nil, invalid("empty update")
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	now := svc.now()
	if _, err := svc.log.AppendUpdate(ctx, id, now, update); err != nil {
		return nil, err
	}

	var rec *history.Record
	if changes := history.Extract(pre, observed); len(changes) > 0 {
		rec = &history.Record{UserID: userID, Timestamp: now.UnixMilli(), Changes: changes}
		if _, err := svc.log.AppendHistory(ctx, id, *rec); err != nil {
			return nil, err
		}
	}

	s.ops++
	if s.ops >= svc.opts.OperationsThreshold || now.Sub(s.lastSnapshotAt) >= svc.opts.SnapshotInterval {
		// update 已经落盘，快照失败只记日志，下一次操作会重试
		if err := svc.snapshotLocked(ctx, s, now); err != nil {
			svc.lg.Warn("snapshot failed", "session", id, "err", err)
		}
	}

	if rec != nil {
		svc.burst.Add(id, *rec)
	}
	return rec, nil
}

// snapshotLocked 写快照、重置计数，然后裁剪旧 update。调用方持有 s.mu。
func (svc *SessionService) snapshotLocked(ctx context.Context, s *Session, now time.Time) error {
	if err := svc.log.WriteSnapshot(ctx, s.id, s.doc.EncodeState()); err != nil {
		return err
	}
	s.ops = 0
	s.lastSnapshotAt = now
	return svc.prune(ctx, s.id, now.Add(-svc.opts.PruneHorizon))
}

// prune 删除时间戳早于 horizon 的 update。
// 删除前把这段前缀折叠成一条位于 horizon 的检查点 update，
// 这样 BuildDocAt 对保留窗口内的任意时间点仍然能从空文档完整重建。
func (svc *SessionService) prune(ctx context.Context, id string, horizon time.Time) error {
	n, err := svc.log.CountUpdatesBefore(ctx, id, horizon)
	if err != nil || n == 0 {
		return err
	}
	checkpoint, err := svc.buildDocAt(ctx, id, horizon)
	if err != nil {
		return err
	}
	if _, err := svc.log.AppendCheckpoint(ctx, id, horizon, checkpoint.EncodeState()); err != nil {
		return err
	}
	pruned, err := svc.log.PruneBefore(ctx, id, horizon)
	if err != nil {
		return err
	}
	svc.lg.Info("pruned updates", "session", id, "count", pruned, "horizon", horizon.UnixMilli())
	return nil
}

// buildDocAt 从空文档开始重放时间戳 <= at 的 update，不使用快照（快照可能晚于 at）
func (svc *SessionService) buildDocAt(ctx context.Context, id string, at time.Time) (*crdt.Doc, error) {
	doc := crdt.New()
	err := svc.log.UpdatesUntil(ctx, id, at, func(key string, update []byte) error {
		if err := doc.ApplyUpdate(update); err != nil {
			svc.lg.Warn("skip malformed update", "session", id, "key", key, "err", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// BuildDocAt 重建会话在 at 时刻的文档
func (svc *SessionService) BuildDocAt(ctx context.Context, id string, at time.Time) (*crdt.Doc, error) {
	if _, err := svc.GetOrLoadSession(ctx, id); err != nil {
		return nil, err
	}
	return svc.buildDocAt(ctx, id, at)
}

// checkRetained 拒绝早于保留窗口（最早检查点）的时间点
func (svc *SessionService) checkRetained(ctx context.Context, id string, at time.Time) error {
	since, ok, err := svc.log.RetainedSince(ctx, id)
	if err != nil {
		return err
	}
	if ok && at.Before(since) {
		return invalid("%d precedes retained log (%d)", at.UnixMilli(), since.UnixMilli())
	}
	return nil
}

// TextAt 返回 at 时刻的文本，用于 revert 前预览
func (svc *SessionService) TextAt(ctx context.Context, id string, at time.Time) (string, error) {
	if err := svc.checkRetained(ctx, id, at); err != nil {
		return "", err
	}
	doc, err := svc.BuildDocAt(ctx, id, at)
	if err != nil {
		return "", err
	}
	return doc.Text(), nil
}
