package delta

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff 计算 before -> after 的结构化 delta。
// 替换场景统一输出为 insert 在前、delete 在后（与 Quill/Yjs 的 delta 习惯一致）。
func Diff(before, after string) Delta {
	if before == after {
		return nil
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)

	var d Delta
	var pendingDelete int
	flush := func() {
		d = d.push(Op{Kind: KindDelete, Count: pendingDelete})
		pendingDelete = 0
	}
	for _, df := range diffs {
		switch df.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			d = d.push(Op{Kind: KindRetain, Count: Units(df.Text)})
		case diffmatchpatch.DiffDelete:
			pendingDelete += Units(df.Text)
		case diffmatchpatch.DiffInsert:
			d = d.push(Op{Kind: KindInsert, Text: df.Text})
		}
	}
	flush()
	return d.chop()
}

// Apply 把 delta 应用到纯文本上
func Apply(text string, d Delta) (string, error) {
	pt := NewPieceTable(text)
	if err := pt.Apply(d); err != nil {
		return "", err
	}
	return pt.String(), nil
}
