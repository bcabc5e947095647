package collab

import (
	"log/slog"
	"time"
)

const (
	DefaultLanguage  = "python"
	HistoryOverFetch = 6
)

var AllowedLanguages = map[string]struct{}{
	"python":     {},
	"javascript": {},
	"java":       {},
	"cpp":        {},
	"c":          {},
}

type Options struct {
	// 距上次快照超过该时长触发快照
	SnapshotInterval time.Duration
	// 距上次快照累计操作数达到该值触发快照
	OperationsThreshold int
	// 快照后删除早于 now-PruneHorizon 的 update
	PruneHorizon time.Duration
	// burst 空闲窗口
	TypeBurst time.Duration
	// 单个 burst 最长持续时间
	MaxBurst time.Duration
	// GetHistory 默认条数
	HistoryLimit int

	Clock  func() time.Time
	Logger *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		SnapshotInterval:    30 * time.Second,
		OperationsThreshold: 200,
		PruneHorizon:        60 * time.Second,
		TypeBurst:           1000 * time.Millisecond,
		MaxBurst:            5000 * time.Millisecond,
		HistoryLimit:        50,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = d.SnapshotInterval
	}
	if o.OperationsThreshold <= 0 {
		o.OperationsThreshold = d.OperationsThreshold
	}
	if o.PruneHorizon <= 0 {
		o.PruneHorizon = d.PruneHorizon
	}
	if o.TypeBurst <= 0 {
		o.TypeBurst = d.TypeBurst
	}
	if o.MaxBurst <= 0 {
		o.MaxBurst = d.MaxBurst
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = d.HistoryLimit
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
