package collab

import (
	"sync"
	"time"

	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/history"
)

type burstBuffer struct {
	sessionID string
	startedAt time.Time
	lastAt    time.Time
	// 记录最近一次编辑所在行，目前合并只看时间窗口，不看行
	lastLine int
	records  []history.Record
	timer    *time.Timer
	// 定时器世代号，过期的定时器触发时直接忽略
	gen uint64
}

// BurstAggregator 把同一用户在短时间内的连续编辑合成一条"新历史"通知。
// 只影响通知的形状，持久化在此之前已经完成。
type BurstAggregator struct {
	typeBurst time.Duration
	maxBurst  time.Duration
	now       func() time.Time
	emit      func(sessionID string, rec history.Record)

	mu      sync.Mutex
	buffers map[string]*burstBuffer // key: sessionID:userID
	seq     uint64
}

func NewBurstAggregator(typeBurst, maxBurst time.Duration, now func() time.Time, emit func(sessionID string, rec history.Record)) *BurstAggregator {
	if now == nil {
		now = time.Now
	}
	return &BurstAggregator{
		typeBurst: typeBurst,
		maxBurst:  maxBurst,
		now:       now,
		emit:      emit,
		buffers:   make(map[string]*burstBuffer),
	}
}

func burstKey(sessionID, userID string) string { return sessionID + ":" + userID }

// Add 接收一条非空记录：窗口内则并入当前 buffer 并重置定时器，否则先 flush 旧 buffer 再新开一个
func (b *BurstAggregator) Add(sessionID string, rec history.Record) {
	if len(rec.Changes) == 0 {
		return
	}
	key := burstKey(sessionID, rec.UserID)
	now := b.now()
	line := rec.Changes[0].Line

	b.mu.Lock()
	var flushed []history.Record
	if buf, ok := b.buffers[key]; ok {
		if now.Sub(buf.lastAt) <= b.typeBurst && now.Sub(buf.startedAt) <= b.maxBurst {
			buf.records = append(buf.records, rec)
			buf.lastAt = now
			buf.lastLine = line
			b.armLocked(key, buf)
			b.mu.Unlock()
			return
		}
		flushed = append(flushed, b.detachLocked(key, buf))
	}
	buf := &burstBuffer{
		sessionID: sessionID,
		startedAt: now,
		lastAt:    now,
		lastLine:  line,
		records:   []history.Record{rec},
	}
	b.buffers[key] = buf
	b.armLocked(key, buf)
	b.mu.Unlock()

	b.emitAll(sessionID, flushed)
}

func (b *BurstAggregator) armLocked(key string, buf *burstBuffer) {
	if buf.timer != nil {
		buf.timer.Stop()
	}
	b.seq++
	gen := b.seq
	buf.gen = gen
	buf.timer = time.AfterFunc(b.typeBurst, func() { b.fire(key, gen) })
}

func (b *BurstAggregator) fire(key string, gen uint64) {
	b.mu.Lock()
	buf, ok := b.buffers[key]
	if !ok || buf.gen != gen {
		b.mu.Unlock()
		return
	}
	rec := b.detachLocked(key, buf)
	b.mu.Unlock()

	b.emitAll(buf.sessionID, []history.Record{rec})
}

// detachLocked 停掉定时器、移除 buffer，并用 LiveCombine 合成一条记录
func (b *BurstAggregator) detachLocked(key string, buf *burstBuffer) history.Record {
	if buf.timer != nil {
		buf.timer.Stop()
	}
	delete(b.buffers, key)
	return history.MergeRecords(buf.records, history.LiveCombine)
}

func (b *BurstAggregator) emitAll(sessionID string, recs []history.Record) {
	if b.emit == nil {
		return
	}
	for _, rec := range recs {
		b.emit(sessionID, rec)
	}
}

// FlushAll 立即 flush 所有 buffer（停机时调用）
func (b *BurstAggregator) FlushAll() {
	type pending struct {
		sessionID string
		rec       history.Record
	}
	b.mu.Lock()
	out := make([]pending, 0, len(b.buffers))
	for key, buf := range b.buffers {
		out = append(out, pending{sessionID: buf.sessionID, rec: b.detachLocked(key, buf)})
	}
	b.mu.Unlock()

	for _, p := range out {
		b.emitAll(p.sessionID, []history.Record{p.rec})
	}
}

// DropSession 丢弃某个会话所有未 flush 的 buffer，不发通知
func (b *BurstAggregator) DropSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, buf := range b.buffers {
		if buf.sessionID == sessionID {
			if buf.timer != nil {
				buf.timer.Stop()
			}
			delete(b.buffers, key)
		}
	}
}

// Pending 返回当前活跃的 buffer 数
func (b *BurstAggregator) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffers)
}
