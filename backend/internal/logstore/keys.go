package logstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// 键语义：
// - snapshot:{sid}                       最近一次压缩点的完整文档编码
// - update:{sid}:{13 位毫秒}:{suffix}     一条 CRDT 增量
// - history:{sid}:{13 位毫秒}:{suffix}    一条 EditHistoryRecord(JSON)
// 时间戳补零到 13 位，字典序 == 时间序；suffix 用 UUIDv7，同一毫秒内也不会冲突。
const (
	keySnapshotFmt = "snapshot:%s"
	keyUpdateFmt   = "update:%s:%013d:%s"
	keyHistoryFmt  = "history:%s:%013d:%s"
	keyBoundFmt    = "%s:%s:%013d"
)

const (
	kindUpdate  = "update"
	kindHistory = "history"
	// 裁剪时写入的检查点 update 的 suffix 前缀。
	// '!' 小于 uuid 里的所有字符，同一毫秒内检查点总是排在普通 update 前面
	checkpointTag = "!checkpoint-"
)

var (
	ErrInvalidSession = errors.New("INVALID_SESSION_ID")
	ErrMalformedKey   = errors.New("MALFORMED_LOG_KEY")
)

// ValidateSession 会话 id 不能为空，也不能含 ':'（否则前缀扫描会串到别的会话）
func ValidateSession(sid string) error {
	if sid == "" || strings.ContainsRune(sid, ':') {
		return fmt.Errorf("%w: %q", ErrInvalidSession, sid)
	}
	return nil
}

func SnapshotKey(sid string) string { return fmt.Sprintf(keySnapshotFmt, sid) }

func UpdateKey(sid string, at time.Time) string {
	return fmt.Sprintf(keyUpdateFmt, sid, at.UnixMilli(), suffix())
}

func HistoryKey(sid string, at time.Time) string {
	return fmt.Sprintf(keyHistoryFmt, sid, at.UnixMilli(), suffix())
}

// CheckpointKey 与普通 update key 格式相同，只是 suffix 带 !checkpoint- 前缀
func CheckpointKey(sid string, at time.Time) string {
	return fmt.Sprintf(keyUpdateFmt, sid, at.UnixMilli(), checkpointTag+suffix())
}

func IsCheckpoint(key string) bool {
	i := strings.LastIndexByte(key, ':')
	return i >= 0 && strings.HasPrefix(key[i+1:], checkpointTag)
}

func suffix() string { return uuid.Must(uuid.NewV7()).String() }

func prefix(kind, sid string) string { return kind + ":" + sid + ":" }

// upTo 是时间戳 <= at 的 key 的开区间上界
func upTo(kind, sid string, at time.Time) string {
	return fmt.Sprintf(keyBoundFmt, kind, sid, at.UnixMilli()) + "\xff"
}

// before 是时间戳 < at 的 key 的开区间上界
func before(kind, sid string, at time.Time) string {
	return fmt.Sprintf(keyBoundFmt, kind, sid, at.UnixMilli())
}

// ParseTimestamp 从右往左取倒数第二段作为毫秒时间戳
func ParseTimestamp(key string) (int64, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 4 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	ms, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	return ms, nil
}
