package crdt

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/automerge/automerge-go"
)

// automerge 编码由若干 chunk 组成：
// magic(4) | checksum(4) | type(1) | uleb128 长度 | 数据
// change 的 hash 是 sha256(type | 长度 | 数据)，checksum 取 hash 的前 4 字节。
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

const (
	chunkDocument byte = 0
	chunkChange   byte = 1
)

// knownUpdate 判断一个没有推进 heads 的更新是否完全由文档里已有的 change 组成。
// 无法解析的字节、或者含有文档里不存在的 change，都返回 false。
func (d *Doc) knownUpdate(update []byte) bool {
	if chs, err := automerge.LoadChanges(update); err == nil && len(chs) > 0 {
		return d.hasAll(hashesOf(chs))
	}
	hashes, ok := d.chunkHashes(update)
	return ok && len(hashes) > 0 && d.hasAll(hashes)
}

func (d *Doc) hasAll(hashes []automerge.ChangeHash) bool {
	for _, h := range hashes {
		if _, err := d.am.Change(h); err != nil {
			return false
		}
	}
	return true
}

func hashesOf(chs []*automerge.Change) []automerge.ChangeHash {
	out := make([]automerge.ChangeHash, len(chs))
	for i, ch := range chs {
		out[i] = ch.Hash()
	}
	return out
}

// chunkHashes 逐个 chunk 取出它覆盖的 change hash。
// change chunk 直接计算 hash；document chunk 单独加载后取它的 heads（heads 已知则祖先也已知）。
func (d *Doc) chunkHashes(b []byte) ([]automerge.ChangeHash, bool) {
	var out []automerge.ChangeHash
	for len(b) > 0 {
		if len(b) < 9 || !bytes.Equal(b[:4], chunkMagic) {
			return nil, false
		}
		typ := b[8]
		n, w := binary.Uvarint(b[9:])
		if w <= 0 || uint64(len(b)-9-w) < n {
			return nil, false
		}
		end := 9 + w + int(n)
		sum := sha256.Sum256(b[8:end])
		if !bytes.Equal(sum[:4], b[4:8]) {
			return nil, false
		}
		switch typ {
		case chunkChange:
			out = append(out, automerge.ChangeHash(sum))
		case chunkDocument:
			doc, err := automerge.Load(b[:end])
			if err != nil {
				return nil, false
			}
			out = append(out, doc.Heads()...)
		default:
			// 压缩 change 的 hash 要在解压后计算
			return nil, false
		}
		b = b[end:]
	}
	return out, true
}
