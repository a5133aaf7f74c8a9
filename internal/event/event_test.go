package event

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryBusDeliversToEverySubscriber(t *testing.T) {
	bus := NewBus()

	first, unsubFirst := bus.Subscribe()
	defer unsubFirst()
	second, unsubSecond := bus.Subscribe()
	defer unsubSecond()

	bus.Publish(New(TypeUserSignedIn, "user-1", map[string]string{"email": "a@b.co"}))

	for _, ch := range []<-chan Event{first, second} {
		select {
		case e := <-ch:
			assert.Equal(t, TypeUserSignedIn, e.Type)
			assert.Equal(t, "user-1", e.ActorID)
			assert.NotEmpty(t, e.ID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestInMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe()

	unsubscribe()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing with no subscribers must not panic.
	bus.Publish(New(TypeSessionRevoked, "", nil))
}

func TestInMemoryBusDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := NewBus()
	_, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for range subscriberBuffer + 10 {
			bus.Publish(New(TypeSessionsPurged, "", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

type fakeChannel struct {
	mu       sync.Mutex
	messages []amqp.Publishing
	keys     []string
	err      error
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _ string, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.keys = append(c.keys, key)
	c.messages = append(c.messages, msg)
	return nil
}

func (c *fakeChannel) Close() error { return nil }

// redialer hands out fresh sessions over the given channels, in order.
type redialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	calls    int
	err      error
}

func (d *redialer) connect(context.Context) (*session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	ch := d.channels[0]
	d.channels = d.channels[1:]
	return &session{ch: ch, lost: make(chan struct{})}, nil
}

func (d *redialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func waitForSubscriber(t *testing.T, bus *InMemoryBus) {
	t.Helper()
	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subscribers) == 1
	}, time.Second, 5*time.Millisecond)
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func TestForwarderPublishesPersistentJSON(t *testing.T) {
	ch := &fakeChannel{}
	f := &Forwarder{queue: DefaultQueue, sess: &session{ch: ch}}

	e := New(TypeSessionRotated, "user-7", map[string]string{"reason": "refresh"})
	require.NoError(t, f.Publish(context.Background(), e))

	require.Len(t, ch.messages, 1)
	msg := ch.messages[0]
	assert.Equal(t, DefaultQueue, ch.keys[0])
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, e.ID, msg.MessageId)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, TypeSessionRotated, decoded.Type)
	assert.Equal(t, "user-7", decoded.ActorID)
}

func TestForwarderPublishError(t *testing.T) {
	f := &Forwarder{queue: DefaultQueue, sess: &session{ch: &fakeChannel{err: errors.New("nack")}}}

	err := f.Publish(context.Background(), New(TypeUserRegistered, "", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user.registered")
}

func TestForwarderRunDrainsBusUntilCancelled(t *testing.T) {
	bus := NewBus()
	ch := &fakeChannel{}
	f := &Forwarder{queue: DefaultQueue, sess: &session{ch: ch}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, bus) }()

	waitForSubscriber(t, bus)

	bus.Publish(New(TypeUserSignedIn, "u", nil))
	bus.Publish(New(TypeSessionRevoked, "u", nil))

	require.Eventually(t, func() bool { return ch.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("forwarder did not stop")
	}
}

func TestForwarderReplacesClosedChannel(t *testing.T) {
	closed := &fakeChannel{err: amqp.ErrClosed}
	fresh := &fakeChannel{}
	dialer := &redialer{channels: []*fakeChannel{fresh}}
	f := &Forwarder{queue: DefaultQueue, connect: dialer.connect, sess: &session{ch: closed}}

	for range 4 {
		require.NoError(t, f.Publish(context.Background(), New(TypeUserSignedIn, "u", nil)))
	}

	assert.Equal(t, 4, fresh.count())
	assert.Zero(t, closed.count())
	assert.Equal(t, 1, dialer.callCount())
}

func TestForwarderRunReconnectsAfterBrokerCloses(t *testing.T) {
	bus := NewBus()
	first := &fakeChannel{}
	second := &fakeChannel{}
	dialer := &redialer{channels: []*fakeChannel{second}}

	lost := make(chan struct{})
	f := &Forwarder{queue: DefaultQueue, connect: dialer.connect, sess: &session{ch: first, lost: lost}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, bus) }()
	waitForSubscriber(t, bus)

	bus.Publish(New(TypeUserSignedIn, "u", nil))
	require.Eventually(t, func() bool { return first.count() == 1 }, time.Second, 5*time.Millisecond)

	// The broker goes away and the old channel refuses everything from now on.
	first.mu.Lock()
	first.err = amqp.ErrClosed
	first.mu.Unlock()
	close(lost)

	require.Eventually(t, func() bool { return dialer.callCount() == 1 }, time.Second, 5*time.Millisecond)

	for range 3 {
		bus.Publish(New(TypeSessionRevoked, "u", nil))
	}
	require.Eventually(t, func() bool { return second.count() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, first.count())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("forwarder did not stop")
	}
}

func TestForwarderRecoversAfterFailedRedial(t *testing.T) {
	recovered := &fakeChannel{}
	dialer := &redialer{channels: []*fakeChannel{recovered}, err: errors.New("connection refused")}
	f := &Forwarder{queue: DefaultQueue, connect: dialer.connect, sess: &session{ch: &fakeChannel{err: amqp.ErrClosed}}}

	err := f.Publish(context.Background(), New(TypeUserRegistered, "", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	dialer.mu.Lock()
	dialer.err = nil
	dialer.mu.Unlock()

	require.NoError(t, f.Publish(context.Background(), New(TypeUserRegistered, "", nil)))
	assert.Equal(t, 1, recovered.count())
	assert.NoError(t, f.Close())
}
