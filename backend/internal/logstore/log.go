// Package logstore lays the per-session change log (snapshot, updates and
// history records) over a key-ordered byte store.
package logstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/history"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/store"
)

type Log struct {
	kv  store.KV
	log *slog.Logger
}

func New(kv store.KV, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{kv: kv, log: logger.With("component", "logstore")}
}

func (l *Log) AppendUpdate(ctx context.Context, sid string, at time.Time, update []byte) (string, error) {
	if err := ValidateSession(sid); err != nil {
		return "", err
	}
	key := UpdateKey(sid, at)
	if err := l.kv.Put(ctx, key, update); err != nil {
		return "", fmt.Errorf("append update %s: %w", key, err)
	}
	return key, nil
}

func (l *Log) AppendHistory(ctx context.Context, sid string, rec history.Record) (string, error) {
	if err := ValidateSession(sid); err != nil {
		return "", err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}
	key := HistoryKey(sid, rec.Time())
	if err := l.kv.Put(ctx, key, b); err != nil {
		return "", fmt.Errorf("append history %s: %w", key, err)
	}
	return key, nil
}

// AppendCheckpoint 写入一条检查点 update（被裁剪前缀折叠后的完整编码）
func (l *Log) AppendCheckpoint(ctx context.Context, sid string, at time.Time, state []byte) (string, error) {
	if err := ValidateSession(sid); err != nil {
		return "", err
	}
	key := CheckpointKey(sid, at)
	if err := l.kv.Put(ctx, key, state); err != nil {
		return "", fmt.Errorf("append checkpoint %s: %w", key, err)
	}
	return key, nil
}

// RetainedSince 当最早的 update 是检查点时返回它的时间：更早的时间点已无法重建
func (l *Log) RetainedSince(ctx context.Context, sid string) (time.Time, bool, error) {
	if err := ValidateSession(sid); err != nil {
		return time.Time{}, false, err
	}
	p := prefix(kindUpdate, sid)
	var oldest string
	err := l.kv.Scan(ctx, store.Range{Gte: p, Lt: p + "\xff", Limit: 1}, func(key string, _ []byte) error {
		oldest = key
		return nil
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read oldest update %s: %w", sid, err)
	}
	if oldest == "" || !IsCheckpoint(oldest) {
		return time.Time{}, false, nil
	}
	ms, err := ParseTimestamp(oldest)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// Snapshot 读取快照，不存在时返回 nil, nil
func (l *Log) Snapshot(ctx context.Context, sid string) ([]byte, error) {
	if err := ValidateSession(sid); err != nil {
		return nil, err
	}
	b, err := l.kv.Get(ctx, SnapshotKey(sid))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", sid, err)
	}
	return b, nil
}

func (l *Log) WriteSnapshot(ctx context.Context, sid string, state []byte) error {
	if err := ValidateSession(sid); err != nil {
		return err
	}
	if err := l.kv.Put(ctx, SnapshotKey(sid), state); err != nil {
		return fmt.Errorf("write snapshot %s: %w", sid, err)
	}
	return nil
}

// Updates 按时间顺序回调该会话全部 update
func (l *Log) Updates(ctx context.Context, sid string, fn func(key string, update []byte) error) error {
	if err := ValidateSession(sid); err != nil {
		return err
	}
	p := prefix(kindUpdate, sid)
	return l.kv.Scan(ctx, store.Range{Gte: p, Lt: p + "\xff"}, fn)
}

// UpdatesUntil 只回调时间戳 <= at 的 update
func (l *Log) UpdatesUntil(ctx context.Context, sid string, at time.Time, fn func(key string, update []byte) error) error {
	if err := ValidateSession(sid); err != nil {
		return err
	}
	return l.kv.Scan(ctx, store.Range{Gte: prefix(kindUpdate, sid), Lt: upTo(kindUpdate, sid, at)}, fn)
}

// CountUpdatesBefore 统计时间戳 < horizon 的 update 数量
func (l *Log) CountUpdatesBefore(ctx context.Context, sid string, horizon time.Time) (int, error) {
	keys, err := l.updateKeysBefore(ctx, sid, horizon)
	return len(keys), err
}

// PruneBefore 删除时间戳 < horizon 的 update，快照永远不删
func (l *Log) PruneBefore(ctx context.Context, sid string, horizon time.Time) (int, error) {
	keys, err := l.updateKeysBefore(ctx, sid, horizon)
	if err != nil {
		return 0, err
	}
	if err := l.kv.DeleteBatch(ctx, keys); err != nil {
		return 0, fmt.Errorf("prune %s: %w", sid, err)
	}
	return len(keys), nil
}

func (l *Log) updateKeysBefore(ctx context.Context, sid string, horizon time.Time) ([]string, error) {
	if err := ValidateSession(sid); err != nil {
		return nil, err
	}
	keys, err := store.Keys(ctx, l.kv, store.Range{Gte: prefix(kindUpdate, sid), Lt: before(kindUpdate, sid, horizon)})
	if err != nil {
		return nil, fmt.Errorf("list updates %s: %w", sid, err)
	}
	return keys, nil
}

// History 读取最近 limit 条历史记录（新 -> 旧），解析失败的条目记日志后跳过
func (l *Log) History(ctx context.Context, sid string, limit int) ([]history.Record, error) {
	if err := ValidateSession(sid); err != nil {
		return nil, err
	}
	p := prefix(kindHistory, sid)
	var out []history.Record
	err := l.kv.Scan(ctx, store.Range{Gte: p, Lt: p + "\xff", Reverse: true, Limit: limit}, func(key string, value []byte) error {
		var rec history.Record
		if err := json.Unmarshal(value, &rec); err != nil {
			l.log.Warn("skip malformed history entry", "key", key, "err", err)
			return nil
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read history %s: %w", sid, err)
	}
	return out, nil
}

// TruncateAfter 删除时间戳 > at 的 update 和 history
func (l *Log) TruncateAfter(ctx context.Context, sid string, at time.Time) (updates, records int, err error) {
	if err := ValidateSession(sid); err != nil {
		return 0, 0, err
	}
	var doomed []string
	for _, kind := range []string{kindUpdate, kindHistory} {
		keys, err := store.Keys(ctx, l.kv, store.Range{Gte: upTo(kind, sid, at), Lt: prefix(kind, sid) + "\xff"})
		if err != nil {
			return 0, 0, fmt.Errorf("list %s after %d: %w", kind, at.UnixMilli(), err)
		}
		if kind == kindUpdate {
			updates = len(keys)
		} else {
			records = len(keys)
		}
		doomed = append(doomed, keys...)
	}
	if err := l.kv.DeleteBatch(ctx, doomed); err != nil {
		return 0, 0, fmt.Errorf("truncate %s: %w", sid, err)
	}
	return updates, records, nil
}
