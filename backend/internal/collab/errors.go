package collab

import (
	"errors"
	"fmt"

	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/store"
)

var (
	// 入参不合法：空 update、无法解码的 update、非法会话 id、不支持的语言……
	ErrInvalidInput = errors.New("INVALID_INPUT")
	// hard revert 进行中，update 未合并也未持久化，发送方需要重新同步
	ErrUpdateDropped = errors.New("UPDATE_DROPPED")
	// 存储不可用，内存状态仍然有效，但本次写入不一定落盘
	ErrStorageUnavailable = store.ErrStorageUnavailable
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
