package collab

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/crdt"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/history"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/logstore"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.UnixMilli(1_700_000_000_000)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// countingKV 统计对快照 key 的读取次数
type countingKV struct {
	store.KV
	snapshotGets atomic.Int32
}

func (c *countingKV) Get(ctx context.Context, key string) ([]byte, error) {
	if key == logstore.SnapshotKey("s1") {
		c.snapshotGets.Add(1)
	}
	return c.KV.Get(ctx, key)
}

type recordingNotifier struct {
	mu      sync.Mutex
	history []history.Record
	reverts []RevertEvent
}

func (r *recordingNotifier) NotifyHistory(_ string, rec history.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, rec)
}

func (r *recordingNotifier) NotifyRevert(evt RevertEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reverts = append(r.reverts, evt)
}

func (r *recordingNotifier) Histories() []history.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.Record(nil), r.history...)
}

type fixture struct {
	kv    store.KV
	clock *fakeClock
	opts  Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv, err := store.OpenBolt(filepath.Join(t.TempDir(), "collab.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	clock := newFakeClock()
	opts := DefaultOptions()
	opts.Clock = clock.Now
	// 测试里不希望真实定时器把 burst 提前 flush
	opts.TypeBurst = time.Minute
	opts.MaxBurst = 5 * time.Minute
	return &fixture{kv: kv, clock: clock, opts: opts}
}

func (f *fixture) service() *SessionService {
	return NewService(logstore.New(f.kv, nil), f.opts)
}

// join 模拟客户端加入：拿到完整状态后在本地建一个副本
func join(t *testing.T, svc *SessionService, id string) *crdt.Doc {
	t.Helper()
	state, err := svc.EncodeFullState(context.Background(), id)
	require.NoError(t, err)
	doc, err := crdt.Load(state)
	require.NoError(t, err)
	return doc
}

func edit(t *testing.T, svc *SessionService, client *crdt.Doc, id, user string, pos int, s string) *history.Record {
	t.Helper()
	update, err := client.Splice(pos, 0, s)
	require.NoError(t, err)
	rec, err := svc.ApplyAndRecord(context.Background(), id, update, user)
	require.NoError(t, err)
	return rec
}

func TestService_ApplyAndRecordProducesRecord(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	client := join(t, svc, "s1")

	rec := edit(t, svc, client, "s1", "alice", 0, "hi\nthere")
	require.NotNil(t, rec)
	assert.Equal(t, "alice", rec.UserID)
	assert.Equal(t, f.clock.Now().UnixMilli(), rec.Timestamp)
	assert.Equal(t, []history.Change{{Type: history.KindInsert, Line: 1, Col: 1, Snippet: "hi\nthere"}}, rec.Changes)

	hist, err := svc.GetHistory(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, *rec, hist[0])
}

func TestService_ReplayMatchesLiveState(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	client := join(t, svc, "s1")
	for i, s := range []string{"a", "b", "c", "\nd"} {
		f.clock.Advance(time.Second)
		edit(t, svc, client, "s1", "alice", i, s)
	}
	s, err := svc.GetOrLoadSession(context.Background(), "s1")
	require.NoError(t, err)

	// 新进程从同一份存储 hydrate
	again := f.service()
	s2, err := again.GetOrLoadSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, s.Text(), s2.Text())
	assert.Equal(t, "abc\nd", s2.Text())
	assert.Equal(t, s.Heads(), s2.Heads())
}

func TestService_ReplayAfterSnapshot(t *testing.T) {
	f := newFixture(t)
	f.opts.OperationsThreshold = 2
	svc := f.service()
	client := join(t, svc, "s1")
	for i, s := range []string{"x", "y", "z"} {
		f.clock.Advance(100 * time.Millisecond)
		edit(t, svc, client, "s1", "bob", i, s)
	}
	snap, err := logstore.New(f.kv, nil).Snapshot(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, snap)

	s2, err := f.service().GetOrLoadSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "xyz", s2.Text())
}

func TestService_HydrateOnceUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	kv := &countingKV{KV: f.kv}
	svc := NewService(logstore.New(kv, nil), f.opts)

	var wg sync.WaitGroup
	sessions := make([]*Session, 16)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := svc.GetOrLoadSession(context.Background(), "s1")
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), kv.snapshotGets.Load())
	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
	// 再取一次不会重新读存储
	_, err := svc.GetOrLoadSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), kv.snapshotGets.Load())
}

func TestService_BuildDocAtIsPrefixConsistent(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	client := join(t, svc, "s1")

	var marks []time.Time
	for i, s := range []string{"a", "b", "c"} {
		f.clock.Advance(2 * time.Second)
		edit(t, svc, client, "s1", "alice", i, s)
		marks = append(marks, f.clock.Now())
	}

	ctx := context.Background()
	for i, want := range []string{"a", "ab", "abc"} {
		got, err := svc.TextAt(ctx, "s1", marks[i])
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := svc.TextAt(ctx, "s1", marks[0].Add(-time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestService_SoftRevertRoundTrip(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	notes := &recordingNotifier{}
	svc.AddNotifier(notes)
	client := join(t, svc, "s1")
	edit(t, svc, client, "s1", "alice", 0, "hello")

	f.clock.Advance(5 * time.Second)
	update, err := svc.SoftRevert(context.Background(), "s1", "bye", "bob")
	require.NoError(t, err)
	require.NotEmpty(t, update)

	require.NoError(t, client.ApplyUpdate(update))
	assert.Equal(t, "bye", client.Text())

	s, err := svc.GetOrLoadSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "bye", s.Text())

	hist, err := svc.GetHistory(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, history.SoftRevertSentinel, hist[0].Changes[0].Snippet)
	assert.Equal(t, "hello", hist[1].Changes[0].Snippet)

	require.Len(t, notes.reverts, 1)
	assert.Equal(t, RevertSoft, notes.reverts[0].Mode)

	// 文本不变只写占位记录
	update, err = svc.SoftRevert(context.Background(), "s1", "bye", "bob")
	require.NoError(t, err)
	assert.Empty(t, update)
}

func TestService_HardRevertTruncatesFuture(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	notes := &recordingNotifier{}
	svc.AddNotifier(notes)
	client := join(t, svc, "s1")
	ctx := context.Background()

	var marks []time.Time
	for i, s := range []string{"a", "b", "c"} {
		f.clock.Advance(5 * time.Second)
		edit(t, svc, client, "s1", "alice", i, s)
		marks = append(marks, f.clock.Now())
	}

	f.clock.Advance(5 * time.Second)
	res, err := svc.HardRevert(ctx, "s1", marks[1], "bob")
	require.NoError(t, err)
	assert.NotEmpty(t, res.FullState)

	s, err := svc.GetOrLoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "ab", s.Text())

	// marks[1] 之后只剩占位记录
	require.NotEmpty(t, res.History)
	assert.Equal(t, history.HardRevertSentinel, res.History[0].Changes[0].Snippet)
	assert.Equal(t, "bob", res.History[0].UserID)
	for _, rec := range res.History[1:] {
		assert.LessOrEqual(t, rec.Timestamp, marks[1].UnixMilli())
	}
	assert.Len(t, res.History, 3)

	require.Len(t, notes.reverts, 1)
	assert.Equal(t, RevertHard, notes.reverts[0].Mode)
	assert.Equal(t, marks[1], notes.reverts[0].Target)

	// 新客户端从回退后的状态继续编辑，重启后仍能恢复
	fresh, err := crdt.Load(res.FullState)
	require.NoError(t, err)
	f.clock.Advance(5 * time.Second)
	edit(t, svc, fresh, "s1", "alice", 2, "!")

	again, err := f.service().GetOrLoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "ab!", again.Text())

	text, err := svc.TextAt(ctx, "s1", f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, "ab!", text)
}

func TestService_DropsUpdatesWhileReverting(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	client := join(t, svc, "s1")
	s, err := svc.GetOrLoadSession(context.Background(), "s1")
	require.NoError(t, err)

	s.reverting.Add(1)
	update, err := client.Splice(0, 0, "lost")
	require.NoError(t, err)
	rec, err := svc.ApplyAndRecord(context.Background(), "s1", update, "alice")
	assert.ErrorIs(t, err, ErrUpdateDropped)
	assert.Nil(t, rec)
	assert.Equal(t, "", s.Text())
	s.reverting.Add(-1)

	// 被丢弃的更新没有落盘，重启后也看不到
	again, err := f.service().GetOrLoadSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "", again.Text())

	hist, err := svc.GetHistory(context.Background(), "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestService_PruneKeepsRetainedWindowReplayable(t *testing.T) {
	f := newFixture(t)
	f.opts.OperationsThreshold = 1
	svc := f.service()
	client := join(t, svc, "s1")
	ctx := context.Background()

	// 编辑间隔等于 PruneHorizon，检查点与上一条 update 落在同一毫秒
	var marks []time.Time
	for i, s := range []string{"a", "b", "c", "d"} {
		f.clock.Advance(time.Minute)
		edit(t, svc, client, "s1", "alice", i, s)
		marks = append(marks, f.clock.Now())
	}

	since, ok, err := logstore.New(f.kv, nil).RetainedSince(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, marks[3].Add(-f.opts.PruneHorizon).UnixMilli(), since.UnixMilli())

	_, err = svc.TextAt(ctx, "s1", marks[0])
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.HardRevert(ctx, "s1", marks[0], "bob")
	assert.ErrorIs(t, err, ErrInvalidInput)

	text, err := svc.TextAt(ctx, "s1", marks[2])
	require.NoError(t, err)
	assert.Equal(t, "abc", text)
	text, err = svc.TextAt(ctx, "s1", marks[3])
	require.NoError(t, err)
	assert.Equal(t, "abcd", text)

	s2, err := f.service().GetOrLoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "abcd", s2.Text())
}

func TestService_RejectsUndecodableUpdate(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	client := join(t, svc, "s1")
	edit(t, svc, client, "s1", "alice", 0, "a")
	ctx := context.Background()

	before := updateKeys(t, f.kv, "s1")
	for _, garbage := range [][]byte{[]byte("not an update"), {0x85, 0x6f, 0x4a, 0x83, 0, 0, 0, 0, 1, 0}} {
		rec, err := svc.ApplyAndRecord(ctx, "s1", garbage, "alice")
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.Nil(t, rec)
	}
	assert.Equal(t, before, updateKeys(t, f.kv, "s1"))

	hist, err := svc.GetHistory(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	// 重复发送已合并的更新仍然是合法的空操作
	update, err := client.Splice(1, 0, "b")
	require.NoError(t, err)
	_, err = svc.ApplyAndRecord(ctx, "s1", update, "alice")
	require.NoError(t, err)
	rec, err := svc.ApplyAndRecord(ctx, "s1", update, "alice")
	require.NoError(t, err)
	assert.Nil(t, rec)

	s, err := svc.GetOrLoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "ab", s.Text())
}

func TestService_HydrateSkipsMalformedStoredUpdate(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	client := join(t, svc, "s1")
	ctx := context.Background()

	f.clock.Advance(time.Second)
	edit(t, svc, client, "s1", "alice", 0, "ab")

	// 依赖不在会话文档里的 change：引擎无法合并
	stray := crdt.New()
	_, err := stray.EnsureText()
	require.NoError(t, err)
	orphan, err := stray.Splice(0, 0, "zzz")
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	require.NoError(t, f.kv.Put(ctx, logstore.UpdateKey("s1", f.clock.Now()), orphan))
	require.NoError(t, f.kv.Put(ctx, logstore.UpdateKey("s1", f.clock.Now()), []byte("garbage")))

	f.clock.Advance(time.Second)
	edit(t, svc, client, "s1", "alice", 2, "c")

	again := f.service()
	s2, err := again.GetOrLoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "abc", s2.Text())

	// 会话继续可用
	fresh := join(t, again, "s1")
	f.clock.Advance(time.Second)
	edit(t, again, fresh, "s1", "bob", 3, "d")
	assert.Equal(t, "abcd", s2.Text())
}

// cancelAwareKV 在调用方 ctx 已取消时拒绝读取
type cancelAwareKV struct {
	store.KV
}

func (c *cancelAwareKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.KV.Get(ctx, key)
}

func (c *cancelAwareKV) Scan(ctx context.Context, r store.Range, fn func(key string, value []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.KV.Scan(ctx, r, fn)
}

func TestService_HydrateIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t)
	seed := f.service()
	client := join(t, seed, "s1")
	edit(t, seed, client, "s1", "alice", 0, "kept")

	svc := NewService(logstore.New(&cancelAwareKV{KV: f.kv}, nil), f.opts)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := svc.GetOrLoadSession(cancelled, "s1")
	require.NoError(t, err)
	assert.True(t, s.Loaded())
	assert.Equal(t, "kept", s.Text())

	// 共享同一次加载的其他调用方拿到同一个会话
	s2, err := svc.GetOrLoadSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Same(t, s, s2)
}

func updateKeys(t *testing.T, kv store.KV, sid string) []string {
	t.Helper()
	p := "update:" + sid + ":"
	keys, err := store.Keys(context.Background(), kv, store.Range{Gte: p, Lt: p + "\xff"})
	require.NoError(t, err)
	return keys
}

func TestService_Language(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	ctx := context.Background()

	lang, err := svc.GetLanguage(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, DefaultLanguage, lang)

	require.NoError(t, svc.SetLanguage(ctx, "s1", "java"))
	lang, err = svc.GetLanguage(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "java", lang)

	assert.ErrorIs(t, svc.SetLanguage(ctx, "s1", "cobol"), ErrInvalidInput)
}

func TestService_InvalidInput(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	ctx := context.Background()

	_, err := svc.ApplyAndRecord(ctx, "s1", nil, "alice")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.ApplyAndRecord(ctx, "s1", []byte{1}, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.GetOrLoadSession(ctx, "bad:id")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.GetHistory(ctx, "", 10)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.SoftRevert(ctx, "s1", "x", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestService_BurstNotifications(t *testing.T) {
	cases := []struct {
		name string
		gap  time.Duration
		want int
	}{
		{"within window", 200 * time.Millisecond, 1},
		{"outside window", 1500 * time.Millisecond, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.opts.TypeBurst = time.Second
			svc := f.service()
			notes := &recordingNotifier{}
			svc.AddNotifier(notes)
			client := join(t, svc, "s1")

			edit(t, svc, client, "s1", "alice", 0, "a")
			f.clock.Advance(tc.gap)
			edit(t, svc, client, "s1", "alice", 1, "b")
			svc.Close()

			got := notes.Histories()
			require.Len(t, got, tc.want)
			if tc.want == 1 {
				assert.Equal(t, "ab", got[0].Changes[0].Snippet)
				assert.Equal(t, f.clock.Now().UnixMilli(), got[0].Timestamp)
			}
		})
	}
}

func TestService_Awareness(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	ctx := context.Background()

	require.NoError(t, svc.MergeAwareness(ctx, "s1", "alice", []byte(`{"cursor":1}`)))
	require.NoError(t, svc.MergeAwareness(ctx, "s1", "bob", []byte(`{"cursor":2}`)))
	aw, err := svc.Awareness(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, aw, 2)

	require.NoError(t, svc.RemoveAwareness(ctx, "s1", "alice"))
	aw, err = svc.Awareness(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"bob": []byte(`{"cursor":2}`)}, aw)
}
