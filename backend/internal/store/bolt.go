package store

import (
	"bytes"
	"context"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var logBucket = []byte("collab_log")

// BoltStore 是单进程部署的默认后端，所有日志放在一个 bucket 里
type BoltStore struct {
	db *bolt.DB
}

func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, unavailable("bolt open", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(logBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, unavailable("bolt init", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(logBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = bytes.Clone(v)
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, unavailable("bolt get", err)
	}
	return out, nil
}

func (s *BoltStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(logBucket).Put([]byte(key), value)
	})
	if err != nil {
		return unavailable("bolt put", err)
	}
	return nil
}

func (s *BoltStore) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("bolt delete", err)
	}
	return nil
}

func (s *BoltStore) Scan(ctx context.Context, r Range, fn func(key string, value []byte) error) error {
	var cbErr error
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(logBucket).Cursor()
		k, v := s.first(c, r)
		for n := 0; k != nil && r.contains(string(k)); n++ {
			if r.Limit > 0 && n >= r.Limit {
				return nil
			}
			if err := ctx.Err(); err != nil {
				cbErr = err
				return nil
			}
			if err := fn(string(k), bytes.Clone(v)); err != nil {
				cbErr = err
				return nil
			}
			if r.Reverse {
				k, v = c.Prev()
			} else {
				k, v = c.Next()
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("bolt scan", err)
	}
	return cbErr
}

// first 定位扫描起点：正序从 Gte 开始，逆序从 Lt 之前的最后一个 key 开始
func (s *BoltStore) first(c *bolt.Cursor, r Range) ([]byte, []byte) {
	if !r.Reverse {
		return c.Seek([]byte(r.Gte))
	}
	if r.Lt == "" {
		return c.Last()
	}
	if k, _ := c.Seek([]byte(r.Lt)); k == nil {
		return c.Last()
	}
	return c.Prev()
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
