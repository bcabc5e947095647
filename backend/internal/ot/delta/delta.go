package delta

import (
	"errors"
	"unicode/utf16"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// ErrOutOfRange 表示 retain/delete 超出了文本长度
var ErrOutOfRange = errors.New("DELTA_OUT_OF_RANGE")

// Op 中的长度一律按 UTF-16 code unit 计（与前端编辑器的下标一致）
type Op struct {
	Kind  Kind   `json:"kind"`            // "retain" / "insert" / "delete"
	Count int    `json:"count,omitempty"` // retain/delete 的长度
	Text  string `json:"text,omitempty"`  // insert 的文本
}

type Delta []Op

// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]

// Len 返回该 op 覆盖的长度，insert 为文本长度
func (op Op) Len() int {
	if op.Kind == KindInsert {
		return Units(op.Text)
	}
	return op.Count
}

// Units 返回字符串的 UTF-16 长度
func Units(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// Empty 判断 delta 是否只包含 retain（即没有实际改动）
func (d Delta) Empty() bool {
	for _, op := range d {
		if op.Kind != KindRetain && op.Len() > 0 {
			return false
		}
	}
	return true
}

// push 追加一个 op，相邻同类 op 合并，长度为 0 的丢弃
func (d Delta) push(op Op) Delta {
	if op.Len() == 0 {
		return d
	}
	if n := len(d); n > 0 && d[n-1].Kind == op.Kind {
		last := &d[n-1]
		if op.Kind == KindInsert {
			last.Text += op.Text
		} else {
			last.Count += op.Count
		}
		return d
	}
	return append(d, op)
}

// chop 去掉末尾多余的 retain
func (d Delta) chop() Delta {
	if n := len(d); n > 0 && d[n-1].Kind == KindRetain {
		return d[:n-1]
	}
	return d
}
