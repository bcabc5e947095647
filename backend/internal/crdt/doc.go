// Package crdt wraps an automerge document that holds a single text body.
package crdt

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/automerge/automerge-go"

	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/ot/delta"
)

// 文档根上唯一的 text 对象
const TextKey = "content"

var (
	ErrEmptyUpdate   = errors.New("EMPTY_UPDATE")
	ErrInvalidUpdate = errors.New("INVALID_UPDATE")
)

// Observer 在每次 ApplyUpdate 之后收到本次更新对文本造成的 delta
type Observer func(d delta.Delta)

type observerEntry struct {
	id int
	fn Observer
}

// Doc 不是并发安全的，由调用方（会话锁）串行访问
type Doc struct {
	am        *automerge.Doc
	observers []observerEntry
	nextID    int
}

func New() *Doc {
	return &Doc{am: automerge.New()}
}

// Load 从完整编码（EncodeState 的输出）恢复文档
func Load(state []byte) (*Doc, error) {
	am, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	return &Doc{am: am}, nil
}

// Observe 安装一个临时观察者，返回的函数用于卸载
func (d *Doc) Observe(fn Observer) (cancel func()) {
	d.nextID++
	id := d.nextID
	d.observers = append(d.observers, observerEntry{id: id, fn: fn})
	return func() {
		for i, o := range d.observers {
			if o.id == id {
				d.observers = append(d.observers[:i], d.observers[i+1:]...)
				return
			}
		}
	}
}

// ApplyUpdate 合并外部编码的更新：增量 change 或完整 save 都可以。
// 重复的 change 是幂等的；依赖缺失的 change 引擎会报错，不会合并，调用方跳过这条更新。
// 引擎对无法解析的字节不报错，所以 heads 没推进时要确认字节全是已知 change。
func (d *Doc) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return ErrEmptyUpdate
	}
	observing := len(d.observers) > 0
	var before string
	if observing {
		before = d.Text()
	}
	heads := d.Heads()
	if err := d.am.LoadIncremental(update); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if slices.Equal(heads, d.Heads()) {
		if !d.knownUpdate(update) {
			return ErrInvalidUpdate
		}
		return nil
	}
	if !observing {
		return nil
	}
	after := d.Text()
	dl := observedDelta(before, after)
	if dl.Empty() {
		return nil
	}
	for _, o := range d.observers {
		o.fn(dl)
	}
	return nil
}

func observedDelta(before, after string) delta.Delta {
	dl := delta.Diff(before, after)
	// 校验 delta 能把 before 变成 after，否则退化为整段替换
	if got, err := delta.Apply(before, dl); err != nil || got != after {
		dl = delta.Delta{
			{Kind: delta.KindInsert, Text: after},
			{Kind: delta.KindDelete, Count: delta.Units(before)},
		}
	}
	return dl
}

// Heads 返回当前 heads 的十六进制表示，已排序
func (d *Doc) Heads() []string {
	heads := d.am.Heads()
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.String()
	}
	sort.Strings(out)
	return out
}

// EncodeState 返回完整编码
func (d *Doc) EncodeState() []byte {
	return d.am.Save()
}

// Text 返回当前文本，text 对象还不存在时返回空串
func (d *Doc) Text() string {
	v, err := d.am.Path(TextKey).Get()
	if err != nil || v.Kind() != automerge.KindText {
		return ""
	}
	s, err := v.Text().Get()
	if err != nil {
		return ""
	}
	return s
}

// HasText 判断 content 对象是否已经创建
func (d *Doc) HasText() bool {
	v, err := d.am.Path(TextKey).Get()
	return err == nil && v.Kind() == automerge.KindText
}

// EnsureText 在 content 不存在时创建它，并返回这次创建对应的更新；已存在返回 nil
func (d *Doc) EnsureText() ([]byte, error) {
	if d.HasText() {
		return nil, nil
	}
	return d.edit(func() error {
		_, err := d.text()
		return err
	})
}

// ReplaceText 在一次提交里删除全部文本并插入 s，文本未变化时返回 nil
func (d *Doc) ReplaceText(s string) ([]byte, error) {
	if d.HasText() && d.Text() == s {
		return nil, nil
	}
	return d.edit(func() error {
		t, err := d.text()
		if err != nil {
			return err
		}
		return t.Splice(0, t.Len(), s)
	})
}

// Splice 在 pos（按 rune 计）处删除 del 个字符并插入 s，返回对应的更新
func (d *Doc) Splice(pos, del int, s string) ([]byte, error) {
	return d.edit(func() error {
		t, err := d.text()
		if err != nil {
			return err
		}
		return t.Splice(pos, del, s)
	})
}

func (d *Doc) text() (*automerge.Text, error) {
	if d.HasText() {
		return d.am.Path(TextKey).Text(), nil
	}
	if err := d.am.Path(TextKey).Set(automerge.NewText("")); err != nil {
		return nil, fmt.Errorf("create text: %w", err)
	}
	return d.am.Path(TextKey).Text(), nil
}

// edit 执行本地修改，并把修改前 heads 之后产生的 change 编码成一个更新
func (d *Doc) edit(fn func() error) ([]byte, error) {
	heads := d.am.Heads()
	if err := fn(); err != nil {
		return nil, err
	}
	changes, err := d.am.Changes(heads...)
	if err != nil {
		return nil, fmt.Errorf("collect changes: %w", err)
	}
	var out []byte
	for _, ch := range changes {
		out = append(out, ch.Save()...)
	}
	return out, nil
}
