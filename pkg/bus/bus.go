package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/nats-io/nats.go"
)

// Bus wraps a NATS connection for publishing and consuming events. With
// JetStream enabled messages are persisted by the server and consumers ack
// them; otherwise plain core NATS subjects are used.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, jetstream bool, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	b := &Bus{conn: nc}
	if jetstream {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, err
		}
		b.js = js
	}
	return b, nil
}

// Close drains and shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish encodes v as JSON and publishes it to the given subject.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	if b.js != nil {
		_, err = b.js.Publish(subj, data, nats.Context(ctx))
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.conn.Publish(subj, data)
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// Subscribe invokes fn for each message on subj until ctx is cancelled or the
// returned closer is closed. durable names a JetStream consumer and is
// ignored on core NATS.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	handler := func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		err := fn(handlerCtx, msg.Data)
		if b.js == nil {
			return
		}
		if err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}

	var (
		sub *nats.Subscription
		err error
	)
	if b.js != nil {
		opts := []nats.SubOpt{nats.ManualAck(), nats.AckExplicit()}
		if durable != "" {
			opts = append(opts, nats.Durable(durable))
		}
		sub, err = b.js.Subscribe(subj, handler, opts...)
	} else {
		sub, err = b.conn.Subscribe(subj, handler)
	}
	if err != nil {
		return nil, err
	}

	s := &subscription{sub: sub}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}
