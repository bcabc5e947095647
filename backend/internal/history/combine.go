package history

import (
	"sort"
	"strings"
	"unicode/utf16"
)

// Combiner 把一串 Change 压缩成更少、更可读的 Change
type Combiner func(changes []Change) []Change

var (
	_ Combiner = LiveCombine
	_ Combiner = PersistedCombine
)

// LiveCombine 用于一次打字 burst 内的实时合并，假设 changes 严格按发生顺序排列。
//   - 同一行相邻的 insert：下一段起点在当前片段末尾 +5 列以内、且不早于起点 -1 列时拼接，中间空隙补空格；
//   - 同一行的 delete：区间相交或左右相差 1 列即合并（连续退格）；
//   - 第二遍：上一段以换行结尾且下一段在同一行或下一行时跨行拼接（多行粘贴）。
func LiveCombine(changes []Change) []Change {
	if len(changes) == 0 {
		return nil
	}
	var out []Change
	cur := changes[0]
	for _, nxt := range changes[1:] {
		if merged, ok := fuseLive(cur, nxt); ok {
			cur = merged
			continue
		}
		out = append(out, cur)
		cur = nxt
	}
	out = append(out, cur)

	merged := make([]Change, 0, len(out))
	for _, ch := range out {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.Type == ch.Type &&
				(last.Line == ch.Line || last.Line+1 == ch.Line) &&
				strings.HasSuffix(last.Snippet, "\n") {
				last.Snippet += ch.Snippet
				continue
			}
		}
		merged = append(merged, ch)
	}
	return clip(merged)
}

func fuseLive(cur, nxt Change) (Change, bool) {
	if cur.Type != nxt.Type || cur.Line != nxt.Line {
		return cur, false
	}
	switch cur.Type {
	case KindInsert:
		curEnd := cur.Col + units(cur.Snippet)
		if nxt.Col <= curEnd+5 && nxt.Col >= cur.Col-1 {
			gap := max(0, nxt.Col-curEnd)
			cur.Snippet += strings.Repeat(" ", gap) + nxt.Snippet
			return cur, true
		}
	case KindDelete:
		curStart, curEnd := cur.Col, cur.Col+units(cur.Snippet)
		nxtStart, nxtEnd := nxt.Col, nxt.Col+units(nxt.Snippet)
		if nxtStart > curEnd+1 || nxtEnd < curStart-1 {
			return cur, false
		}
		// 向左退格时后删的内容在前面
		if nxtStart < curStart {
			cur.Snippet = nxt.Snippet + cur.Snippet
		} else {
			cur.Snippet += nxt.Snippet
		}
		cur.Col = min(curStart, nxtStart)
		return cur, true
	}
	return cur, false
}

type combineItem struct {
	col   int
	order int
	text  string
}

type combineGroup struct {
	kind  Kind
	line  int
	items []combineItem
}

// PersistedCombine 用于读历史时跨多条记录的压缩。
// 按 (type, line) 分组；组内按列排序，同列按时间先后；
// 同列的 insert 新的在前（同一位置反复插入，后输入的显示在前），同列的 delete 保持时间顺序。
// 输出按行排序，同一行 insert 在 delete 前。
func PersistedCombine(changes []Change) []Change {
	if len(changes) == 0 {
		return nil
	}
	type groupKey struct {
		kind Kind
		line int
	}
	index := make(map[groupKey]int)
	var groups []*combineGroup
	for order, ch := range changes {
		k := groupKey{ch.Type, ch.Line}
		gi, ok := index[k]
		if !ok {
			gi = len(groups)
			index[k] = gi
			groups = append(groups, &combineGroup{kind: ch.Type, line: ch.Line})
		}
		groups[gi].items = append(groups[gi].items, combineItem{col: ch.Col, order: order, text: ch.Snippet})
	}

	out := make([]Change, 0, len(groups))
	for _, g := range groups {
		sort.Slice(g.items, func(i, j int) bool {
			a, b := g.items[i], g.items[j]
			if a.col != b.col {
				return a.col < b.col
			}
			return a.order < b.order
		})

		var sb strings.Builder
		for i := 0; i < len(g.items); {
			j := i + 1
			for j < len(g.items) && g.items[j].col == g.items[i].col {
				j++
			}
			run := g.items[i:j]
			if g.kind == KindInsert {
				for k := len(run) - 1; k >= 0; k-- {
					sb.WriteString(run[k].text)
				}
			} else {
				for _, it := range run {
					sb.WriteString(it.text)
				}
			}
			i = j
		}
		out = append(out, Change{
			Type:    g.kind,
			Line:    g.line,
			Col:     g.items[0].col,
			Snippet: sb.String(),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		return out[i].Type == KindInsert && out[j].Type != KindInsert
	})
	return clip(out)
}

// clip 保证输出的 snippet 不超过 MaxSnippetUnits
func clip(changes []Change) []Change {
	for i := range changes {
		if units(changes[i].Snippet) > MaxSnippetUnits {
			changes[i].Snippet = truncate(utf16.Encode([]rune(changes[i].Snippet)))
		}
	}
	return changes
}

// MergeRecords 把一个 burst 内的记录（旧 -> 新）合成一条：
// 用户取第一条的，时间取最后一条的，changes 交给 combine。
func MergeRecords(records []Record, combine Combiner) Record {
	if len(records) == 0 {
		return Record{}
	}
	var all []Change
	for _, r := range records {
		all = append(all, r.Changes...)
	}
	return Record{
		UserID:    records[0].UserID,
		Timestamp: records[len(records)-1].Timestamp,
		Changes:   combine(all),
	}
}

// MergeAdjacent 输入输出都是新 -> 旧。
// 相邻两条记录属于同一用户且时间差不超过 MergeWindow 时归入同一个桶，
// 每个桶按旧 -> 新拼接后用 PersistedCombine 压缩，时间取桶内最新的一条。
func MergeAdjacent(records []Record) []Record {
	if len(records) == 0 {
		return nil
	}
	window := MergeWindow.Milliseconds()
	var merged []Record
	// bucket 按新 -> 旧收集
	bucket := []Record{records[0]}
	flush := func() {
		chron := make([]Record, len(bucket))
		for i, r := range bucket {
			chron[len(bucket)-1-i] = r
		}
		merged = append(merged, MergeRecords(chron, PersistedCombine))
	}
	for _, cur := range records[1:] {
		prev := bucket[len(bucket)-1]
		if cur.UserID == prev.UserID && prev.Timestamp-cur.Timestamp <= window {
			bucket = append(bucket, cur)
			continue
		}
		flush()
		bucket = []Record{cur}
	}
	flush()
	return merged
}
