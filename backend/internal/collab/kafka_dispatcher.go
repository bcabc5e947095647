package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/history"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - 不阻塞编辑主流程（Notify 只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满且等待超时则丢弃，事件不要求必达
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	lg       *slog.Logger

	queue chan CollabEvent

	// 限制并发的 SendMessage 数量
	kafkaSem *SemaphoreControl

	workers        int
	maxRetry       int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	enqueueTimeout time.Duration

	wg sync.WaitGroup
	// Enqueue 持读锁发送，Close 持写锁关闭队列，避免向已关闭的 channel 发送
	mu     sync.RWMutex
	closed bool
}

type KafkaDispatcherOptions struct {
	QueueSize      int
	Workers        int
	MaxRetry       int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	EnqueueTimeout time.Duration
	Logger         *slog.Logger
}

var ErrDispatcherClosed = errors.New("kafka dispatcher closed")

var _ Notifier = (*KafkaDispatcher)(nil)

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, kafkaSem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.EnqueueTimeout <= 0 {
		opt.EnqueueTimeout = 50 * time.Millisecond
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	d := &KafkaDispatcher{
		producer:       producer,
		topic:          topic,
		lg:             opt.Logger.With("component", "kafka"),
		queue:          make(chan CollabEvent, opt.QueueSize),
		kafkaSem:       kafkaSem,
		workers:        opt.Workers,
		maxRetry:       opt.MaxRetry,
		baseBackoff:    opt.BaseBackoff,
		maxBackoff:     opt.MaxBackoff,
		enqueueTimeout: opt.EnqueueTimeout,
	}

	d.Start()
	return d
}

// Enqueue 把事件放入本地队列：队列满时等待直到 ctx 超时
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt CollabEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) NotifyHistory(sessionID string, rec history.Record) {
	d.enqueueWithTimeout(historyEvent(sessionID, rec))
}

func (d *KafkaDispatcher) NotifyRevert(evt RevertEvent) {
	d.enqueueWithTimeout(revertEvent(evt))
}

func (d *KafkaDispatcher) enqueueWithTimeout(evt CollabEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), d.enqueueTimeout)
	defer cancel()
	if err := d.Enqueue(ctx, evt); err != nil {
		d.lg.Warn("kafka queue full, drop event", "type", evt.EventType, "session", evt.SessionID, "err", err)
	}
}

func (d *KafkaDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收新事件，等待队列里剩余事件发送完
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt CollabEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.kafkaSem != nil {
			// worker 允许一直等待，不影响主链路
			_ = d.kafkaSem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.kafkaSem != nil {
			_ = d.kafkaSem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			d.lg.Error("kafka send failed, drop event",
				"type", evt.EventType, "session", evt.SessionID, "worker", workerID, "err", err)
			return
		}

		// 退避，每次 x2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if d.maxBackoff > 0 && backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt CollabEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.SessionID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
