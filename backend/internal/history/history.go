// Package history turns structural text deltas into line/column change
// records and compacts them for display.
package history

import (
	"time"
	"unicode/utf16"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

const (
	// 每条 snippet 最多保留的 UTF-16 code unit 数
	MaxSnippetUnits = 120
	// mergeAdjacent 相邻记录的最大间隔
	MergeWindow = 1200 * time.Millisecond
)

const (
	SoftRevertSentinel = "[Document reverted]"
	HardRevertSentinel = "[Reverted to this version]"
)

// Change 的 line/col 从 1 开始
type Change struct {
	Type    Kind   `json:"type"`
	Line    int    `json:"line"`
	Col     int    `json:"col"`
	Snippet string `json:"snippet"`
}

type Record struct {
	UserID    string   `json:"userId"`
	Timestamp int64    `json:"timestamp"` // epoch ms
	Changes   []Change `json:"changes"`
}

func (r Record) Time() time.Time { return time.UnixMilli(r.Timestamp) }

// Sentinel 构造 revert 之后写入的占位记录
func Sentinel(userID, text string, at time.Time) Record {
	return Record{
		UserID:    userID,
		Timestamp: at.UnixMilli(),
		Changes:   []Change{{Type: KindInsert, Line: 1, Col: 1, Snippet: text}},
	}
}

// Locate 扫描 text 中 offset 之前的换行，offset 按 UTF-16 计
func Locate(text []uint16, offset int) (line, col int) {
	line, col = 1, 1
	for i := 0; i < offset && i < len(text); i++ {
		if text[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}

// truncate 截取前 MaxSnippetUnits 个 code unit，不拆开代理对
func truncate(units []uint16) string {
	if len(units) > MaxSnippetUnits {
		n := MaxSnippetUnits
		if utf16.IsSurrogate(rune(units[n-1])) && units[n-1] < 0xDC00 {
			n--
		}
		units = units[:n]
	}
	return string(utf16.Decode(units))
}

func units(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}
