package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultQueue = "auth.events"

	dialAttempts   = 5
	dialBackoff    = 500 * time.Millisecond
	publishTimeout = 5 * time.Second
)

var errNotConnected = errors.New("rabbitmq forwarder is not connected")

// channel is the subset of *amqp.Channel the forwarder needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// session is one broker connection with its publishing channel. lost is
// closed once the broker closes either of them; cause is set before that.
type session struct {
	conn  io.Closer
	ch    channel
	lost  chan struct{}
	cause error
}

func (s *session) close() error {
	var errs []error
	if s.ch != nil {
		errs = append(errs, s.ch.Close())
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	return errors.Join(errs...)
}

// Forwarder copies events from a Bus onto a durable RabbitMQ queue so other
// services can react to sign-ins, revocations and purges. A session closed by
// the broker is replaced by dialing again.
type Forwarder struct {
	queue   string
	connect func(ctx context.Context) (*session, error)

	mu   sync.Mutex
	sess *session
}

// Dial connects to the broker, retrying with a doubling backoff, and declares
// the queue.
func Dial(ctx context.Context, url, queue string) (*Forwarder, error) {
	if queue == "" {
		queue = DefaultQueue
	}

	f := &Forwarder{
		queue: queue,
		connect: func(ctx context.Context) (*session, error) {
			return dialSession(ctx, url, queue)
		},
	}
	if _, err := f.session(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

func dialSession(ctx context.Context, url, queue string) (*session, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	backoff := dialBackoff
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		slog.Warn("rabbitmq dial failed", "attempt", attempt, "error", err)
		if attempt == dialAttempts {
			return nil, fmt.Errorf("dial rabbitmq: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	s := &session{conn: conn, ch: ch, lost: make(chan struct{})}

	// The library blocks on these sends, so each gets a one-slot buffer.
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		var amqpErr *amqp.Error
		select {
		case amqpErr = <-connClosed:
		case amqpErr = <-chClosed:
		}
		if amqpErr != nil {
			s.cause = amqpErr
		}
		close(s.lost)
	}()

	return s, nil
}

// session returns the live session, dialing a new one when there is none or
// the broker has closed the current one.
func (f *Forwarder) session(ctx context.Context) (*session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sess != nil {
		select {
		case <-f.sess.lost:
			slog.Warn("rabbitmq session lost, reconnecting", "error", f.sess.cause)
			_ = f.sess.close()
			f.sess = nil
		default:
			return f.sess, nil
		}
	}

	if f.connect == nil {
		return nil, errNotConnected
	}
	s, err := f.connect(ctx)
	if err != nil {
		return nil, err
	}
	f.sess = s
	return s, nil
}

// drop discards s if it is still the current session.
func (f *Forwarder) drop(s *session, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sess != s {
		return
	}
	slog.Warn("rabbitmq channel closed, reconnecting", "error", cause)
	_ = s.close()
	f.sess = nil
}

// lost fires when the current session is closed by the broker. It is nil,
// and so never fires, while there is no session.
func (f *Forwarder) lost() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sess == nil {
		return nil
	}
	return f.sess.lost
}

// Publish sends one event as a persistent JSON message on the default exchange.
// A publish refused by a closed channel is retried once on a fresh session.
func (f *Forwarder) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Type:         string(e.Type),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	for attempt := 1; ; attempt++ {
		s, err := f.session(ctx)
		if err != nil {
			return fmt.Errorf("publish %s: %w", e.Type, err)
		}

		err = s.ch.PublishWithContext(ctx, "", f.queue, false, false, msg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, amqp.ErrClosed) || attempt == 2 {
			return fmt.Errorf("publish %s: %w", e.Type, err)
		}
		f.drop(s, err)
	}
}

// Run forwards every event from bus until ctx is cancelled. Publish failures
// are logged and the event is dropped. A session lost while idle is replaced
// straight away.
func (f *Forwarder) Run(ctx context.Context, bus Bus) error {
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.lost():
			if _, err := f.session(ctx); err != nil && ctx.Err() == nil {
				slog.Error("rabbitmq reconnect failed", "error", err)
			}
		case e, ok := <-events:
			if !ok {
				return nil
			}
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := f.Publish(pubCtx, e); err != nil {
				slog.Error("forward event failed", "event_type", e.Type, "event_id", e.ID, "error", err)
			}
			cancel()
		}
	}
}

func (f *Forwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sess == nil {
		return nil
	}
	err := f.sess.close()
	f.sess = nil
	return err
}
