package store

import (
	"context"
	"errors"
	"fmt"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// LogEntry 对应 collab_log_entries 表，VARBINARY 主键按字节序比较，范围扫描等价于字典序
type LogEntry struct {
	Key   string `gorm:"column:log_key;type:varbinary(255);primaryKey"`
	Value []byte `gorm:"column:log_value;type:longblob;not null"`
}

func (LogEntry) TableName() string { return "collab_log_entries" }

const mysqlPageSize = 500

type MySQLStore struct {
	db *gorm.DB
}

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, unavailable("mysql open", err)
	}
	return db, nil
}

// NewMySQLStore 会自动建表
func NewMySQLStore(db *gorm.DB) (*MySQLStore, error) {
	if err := db.AutoMigrate(&LogEntry{}); err != nil {
		return nil, classify("mysql migrate", err)
	}
	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var e LogEntry
	err := s.db.WithContext(ctx).Where("log_key = ?", key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("mysql get", err)
	}
	return e.Value, nil
}

func (s *MySQLStore) Put(ctx context.Context, key string, value []byte) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "log_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"log_value"}),
	}).Create(&LogEntry{Key: key, Value: value}).Error
	if err != nil {
		return classify("mysql put", err)
	}
	return nil
}

func (s *MySQLStore) DeleteBatch(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += mysqlPageSize {
		chunk := keys[start:min(start+mysqlPageSize, len(keys))]
		err := s.db.WithContext(ctx).Where("log_key IN ?", chunk).Delete(&LogEntry{}).Error
		if err != nil {
			return classify("mysql delete", err)
		}
	}
	return nil
}

func (s *MySQLStore) Scan(ctx context.Context, r Range, fn func(key string, value []byte) error) error {
	lo, hi := r.Gte, r.Lt
	loInclusive := true
	remaining := r.Limit
	for {
		size := mysqlPageSize
		if r.Limit > 0 {
			size = min(remaining, mysqlPageSize)
		}
		q := s.db.WithContext(ctx).Model(&LogEntry{})
		if loInclusive {
			q = q.Where("log_key >= ?", lo)
		} else {
			q = q.Where("log_key > ?", lo)
		}
		if hi != "" {
			q = q.Where("log_key < ?", hi)
		}
		order := "log_key ASC"
		if r.Reverse {
			order = "log_key DESC"
		}
		var page []LogEntry
		if err := q.Order(order).Limit(size).Find(&page).Error; err != nil {
			return classify("mysql scan", err)
		}
		for _, e := range page {
			if err := fn(e.Key, e.Value); err != nil {
				return err
			}
		}
		if r.Limit > 0 {
			remaining -= len(page)
			if remaining <= 0 {
				return nil
			}
		}
		if len(page) < size {
			return nil
		}
		last := page[len(page)-1].Key
		if r.Reverse {
			hi = last
		} else {
			lo, loInclusive = last, false
		}
	}
}

func (s *MySQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// classify 区分数据本身的问题和存储不可用
func classify(op string, err error) error {
	var mysqlErr *mysqldriver.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1406, 1366: // Data too long / Incorrect value
			return fmt.Errorf("%s: %w: %w", op, ErrInvalidEntry, err)
		}
	}
	return unavailable(op, err)
}
