package lifecycle

import (
	"context"
	"log"
)

// Sink receives applied changes. Publish is called on the ingestion path and
// must not block.
type Sink interface {
	Publish(Change)
}

// WriteFunc delivers one change to a downstream system.
type WriteFunc func(ctx context.Context, c Change) error

const defaultQueueSize = 1024

// AsyncSink decouples a slow writer from ingestion with a bounded queue.
// Changes published while the queue is full are dropped and counted.
type AsyncSink struct {
	name    string
	write   WriteFunc
	queue   chan Change
	logger  *log.Logger
	metrics *Metrics
}

func NewAsyncSink(name string, size int, write WriteFunc, logger *log.Logger, metrics *Metrics) *AsyncSink {
	if size <= 0 {
		size = defaultQueueSize
	}
	if logger == nil {
		logger = log.Default()
	}
	return &AsyncSink{
		name:    name,
		write:   write,
		queue:   make(chan Change, size),
		logger:  logger,
		metrics: metrics,
	}
}

func (s *AsyncSink) Publish(c Change) {
	select {
	case s.queue <- c:
	default:
		s.metrics.droppedChange(s.name)
		s.logger.Printf("WARN %s sink queue full, dropped %s change for %s", s.name, c.Kind, c.HardwareAddr)
	}
}

// Run drains the queue until ctx is cancelled. Changes still queued at
// cancellation are written with the cancelled context so writers can decide
// whether to flush them.
func (s *AsyncSink) Run(ctx context.Context) {
	for {
		select {
		case c := <-s.queue:
			s.deliver(ctx, c)
		case <-ctx.Done():
			for {
				select {
				case c := <-s.queue:
					s.deliver(ctx, c)
				default:
					return
				}
			}
		}
	}
}

func (s *AsyncSink) deliver(ctx context.Context, c Change) {
	if err := s.write(ctx, c); err != nil {
		s.logger.Printf("ERROR %s sink: write %s change for %s: %v", s.name, c.Kind, c.HardwareAddr, err)
	}
}
