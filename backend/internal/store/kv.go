// Package store provides the key-ordered byte stores behind the session log.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("NOT_FOUND")
	ErrStorageUnavailable = errors.New("STORAGE_UNAVAILABLE")
	ErrInvalidEntry       = errors.New("INVALID_ENTRY")
)

// Range 描述一次字典序扫描：[Gte, Lt)，Lt 为空表示不设上界
type Range struct {
	Gte     string
	Lt      string
	Reverse bool
	Limit   int // <= 0 表示不限
}

func (r Range) contains(key string) bool {
	return key >= r.Gte && (r.Lt == "" || key < r.Lt)
}

// KV 是日志存储依赖的最小能力集：点查、写入、批量删除、有序范围扫描
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	DeleteBatch(ctx context.Context, keys []string) error
	// Scan 按 key 顺序回调，fn 返回错误时中止并原样返回该错误
	Scan(ctx context.Context, r Range, fn func(key string, value []byte) error) error
	Close() error
}

// Keys 收集范围内所有 key
func Keys(ctx context.Context, kv KV, r Range) ([]string, error) {
	var keys []string
	err := kv.Scan(ctx, r, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
