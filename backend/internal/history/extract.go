package history

import (
	"unicode/utf16"

	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/ot/delta"
)

// Extract 沿着 delta 走一遍更新前的文本：
// insert 在当前位置记一条 Insert；delete 从更新前的文本里读出被删内容并前移 offset；retain 只前移。
func Extract(pre string, d delta.Delta) []Change {
	text := utf16.Encode([]rune(pre))
	var out []Change
	offset := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			offset += op.Count
		case delta.KindInsert:
			snippet := truncate(utf16.Encode([]rune(op.Text)))
			if snippet == "" {
				continue
			}
			line, col := Locate(text, offset)
			out = append(out, Change{Type: KindInsert, Line: line, Col: col, Snippet: snippet})
		case delta.KindDelete:
			line, col := Locate(text, offset)
			end := min(offset+op.Count, len(text))
			start := min(offset, end)
			snippet := truncate(text[start:end])
			offset += op.Count
			if snippet == "" {
				continue
			}
			out = append(out, Change{Type: KindDelete, Line: line, Col: col, Snippet: snippet})
		}
	}
	return out
}
