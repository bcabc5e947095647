package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/history"
)

type RevertMode string

const (
	RevertSoft RevertMode = "soft"
	RevertHard RevertMode = "hard"
)

type RevertResult struct {
	// 回退后的完整文档编码
	FullState []byte
	// 本次替换产生的增量，文本未变化时为空
	Update []byte
	// 重新计算的（相邻合并后的）历史
	History []history.Record
}

// SoftRevert 在一次事务里用 text 替换全文，只追加一条 update 和一条占位历史，不动旧日志
func (svc *SessionService) SoftRevert(ctx context.Context, id, text, userID string) ([]byte, error) {
	if userID == "" {
		return nil, invalid("missing user id")
	}
	s, err := svc.GetOrLoadSession(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	update, err := s.doc.ReplaceText(text)
	if err != nil {
		return nil, fmt.Errorf("replace text for %s: %w", id, err)
	}
	now := svc.now()
	if len(update) > 0 {
		if _, err := svc.log.AppendUpdate(ctx, id, now, update); err != nil {
			return nil, err
		}
	}
	rec := history.Sentinel(userID, history.SoftRevertSentinel, now)
	if _, err := svc.log.AppendHistory(ctx, id, rec); err != nil {
		return nil, err
	}

	svc.notifiers.NotifyHistory(id, rec)
	svc.notifiers.NotifyRevert(RevertEvent{SessionID: id, UserID: userID, Mode: RevertSoft, At: now})
	svc.lg.Info("soft revert", "session", id, "user", userID, "bytes", len(update))
	return update, nil
}

// HardRevert 把文档回退到 at 时刻，并删除 at 之后的全部 update 与 history。
// 进行期间到达的客户端更新直接丢弃，不排队。
func (svc *SessionService) HardRevert(ctx context.Context, id string, at time.Time, userID string) (*RevertResult, error) {
	if userID == "" {
		return nil, invalid("missing user id")
	}
	s, err := svc.GetOrLoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := svc.checkRetained(ctx, id, at); err != nil {
		return nil, err
	}

	s.reverting.Add(1)
	s.revertGen.Add(1)
	defer s.reverting.Add(-1)

	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := svc.buildDocAt(ctx, id, at)
	if err != nil {
		return nil, err
	}
	update, err := s.doc.ReplaceText(target.Text())
	if err != nil {
		return nil, fmt.Errorf("replace text for %s: %w", id, err)
	}

	updates, records, err := svc.log.TruncateAfter(ctx, id, at)
	if err != nil {
		return nil, err
	}

	now := svc.now()
	state := s.doc.EncodeState()
	// 回退后的完整编码作为一条 update 写回，之后的编辑依赖的 change 都能从日志里找到
	if _, err := svc.log.AppendUpdate(ctx, id, now, state); err != nil {
		return nil, err
	}
	if err := svc.log.WriteSnapshot(ctx, id, state); err != nil {
		return nil, err
	}
	s.ops = 0
	s.lastSnapshotAt = now

	rec := history.Sentinel(userID, history.HardRevertSentinel, now)
	if _, err := svc.log.AppendHistory(ctx, id, rec); err != nil {
		return nil, err
	}
	// 被丢弃的未来里还没 flush 的 burst 不再通知
	svc.burst.DropSession(id)

	hist, err := svc.GetHistory(ctx, id, svc.opts.HistoryLimit)
	if err != nil {
		return nil, err
	}

	svc.notifiers.NotifyRevert(RevertEvent{SessionID: id, UserID: userID, Mode: RevertHard, Target: at, At: now})
	svc.lg.Info("hard revert", "session", id, "user", userID, "target", at.UnixMilli(),
		"droppedUpdates", updates, "droppedRecords", records)
	return &RevertResult{FullState: state, Update: update, History: hist}, nil
}
