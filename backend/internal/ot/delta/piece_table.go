package delta

import (
	"fmt"
	"unicode/utf16"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 指向 original 还是 add
	buf    bufferKind
	offset int
	length int
}

// PieceTable 以 UTF-16 code unit 为单位保存文本，
// 插入只追加到 add，删除只调整 piece，不搬动原文。
type PieceTable struct {
	original []uint16
	add      []uint16
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	u := utf16.Encode([]rune(initial))
	pt := &PieceTable{original: u}
	if len(u) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(u)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	units := make([]uint16, 0, pt.Len())
	for _, p := range pt.pieces {
		units = append(units, pt.slice(p)...)
	}
	return string(utf16.Decode(units))
}

func (pt *PieceTable) slice(p piece) []uint16 {
	if p.buf == bufAdd {
		return pt.add[p.offset : p.offset+p.length]
	}
	return pt.original[p.offset : p.offset+p.length]
}

// Apply 依次执行 retain / insert / delete，pos 是当前逻辑位置
func (pt *PieceTable) Apply(d Delta) error {
	pos := 0
	for i, op := range d {
		switch op.Kind {
		case KindRetain:
			if pos+op.Count > pt.Len() {
				return fmt.Errorf("op %d retain %d at %d: %w", i, op.Count, pos, ErrOutOfRange)
			}
			pos += op.Count
		case KindInsert:
			n := pt.insert(pos, utf16.Encode([]rune(op.Text)))
			pos += n
		case KindDelete:
			if pos+op.Count > pt.Len() {
				return fmt.Errorf("op %d delete %d at %d: %w", i, op.Count, pos, ErrOutOfRange)
			}
			pt.delete(pos, op.Count)
		default:
			return fmt.Errorf("op %d: unknown kind %q", i, op.Kind)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, units []uint16) int {
	if len(units) == 0 {
		return 0
	}
	start := len(pt.add)
	pt.add = append(pt.add, units...)
	added := piece{buf: bufAdd, offset: start, length: len(units)}

	idx, offset := pt.locate(pos)
	if idx == len(pt.pieces) {
		pt.pieces = append(pt.pieces, added)
		return len(units)
	}
	cur := pt.pieces[idx]
	next := make([]piece, 0, len(pt.pieces)+2)
	next = append(next, pt.pieces[:idx]...)
	if offset > 0 {
		next = append(next, piece{buf: cur.buf, offset: cur.offset, length: offset})
	}
	next = append(next, added)
	if rest := cur.length - offset; rest > 0 {
		next = append(next, piece{buf: cur.buf, offset: cur.offset + offset, length: rest})
	}
	pt.pieces = append(next, pt.pieces[idx+1:]...)
	return len(units)
}

func (pt *PieceTable) delete(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		take := min(remain, cur.length-offset)

		// 拆成左右两段，中间 take 个删掉
		var keep []piece
		if offset > 0 {
			keep = append(keep, piece{buf: cur.buf, offset: cur.offset, length: offset})
		}
		if rest := cur.length - offset - take; rest > 0 {
			keep = append(keep, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rest})
		}
		next := make([]piece, 0, len(pt.pieces)+1)
		next = append(next, pt.pieces[:idx]...)
		next = append(next, keep...)
		next = append(next, pt.pieces[idx+1:]...)
		pt.pieces = next

		remain -= take
		// 左半段留在原位，继续从它后面删
		if offset > 0 {
			idx++
		}
		offset = 0
	}
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
