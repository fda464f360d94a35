package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
)

const DefaultQueueSize = 1024

// KafkaSink publishes events as JSON to a topic. Emit never blocks: when the queue
// is full the event is dropped.
type KafkaSink struct {
	topic   string
	events  chan Event
	prod    sarama.AsyncProducer
	logger  *slog.Logger
	stopped chan struct{}
	errDone chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

func NewKafkaSink(brokers []string, topic string, queueSize int, logger *slog.Logger) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("eventlog: create async producer: %w", err)
	}
	return newKafkaSink(prod, topic, queueSize, logger), nil
}

func newKafkaSink(prod sarama.AsyncProducer, topic string, queueSize int, logger *slog.Logger) *KafkaSink {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &KafkaSink{
		topic:   topic,
		events:  make(chan Event, queueSize),
		prod:    prod,
		logger:  logger,
		stopped: make(chan struct{}),
		errDone: make(chan struct{}),
	}

	go func() {
		defer close(s.stopped)
		for ev := range s.events {
			b, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("eventlog: marshal", "err", err)
				continue
			}
			s.prod.Input() <- &sarama.ProducerMessage{
				Topic: s.topic,
				Key:   sarama.StringEncoder(ev.Type),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		defer close(s.errDone)
		for err := range s.prod.Errors() {
			if err != nil {
				s.logger.Warn("eventlog: producer error", "err", err)
			}
		}
	}()
	return s
}

// Emit queues ev. It returns ErrDropped when the queue is full or the sink is closed.
func (s *KafkaSink) Emit(_ context.Context, ev Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrDropped
	}
	select {
	case s.events <- ev:
		return nil
	default:
		return ErrDropped
	}
}

// Close flushes queued events and closes the producer. Later calls return the
// first call's result.
func (s *KafkaSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()

		<-s.stopped
		if err := s.prod.Close(); err != nil {
			s.closeErr = fmt.Errorf("eventlog: close producer: %w", err)
			return
		}
		<-s.errDone
	})
	return s.closeErr
}
