package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_NotConfigured(t *testing.T) {
	_, err := New(Config{})

	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Config{URL: "amqp://localhost"})

	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, c.cfg.ReconnectDelay)
	assert.Equal(t, 10, c.cfg.MaxReconnectAttempts)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnect_DialError(t *testing.T) {
	c, err := New(DefaultConfig("amqp://localhost"))
	require.NoError(t, err)

	dialErr := errors.New("connection refused")
	c.SetDialer(func(url string) (*amqp.Connection, error) {
		return nil, dialErr
	})

	err = c.Connect(context.Background())

	assert.ErrorIs(t, err, dialErr)
	// Ошибка dial не оставляет супервизор в Connecting
	assert.Equal(t, StateDisconnected, c.State())
}

func TestChannel_NotConnected(t *testing.T) {
	c, err := New(DefaultConfig("amqp://localhost"))
	require.NoError(t, err)

	_, err = c.Channel()

	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnect_AfterClose(t *testing.T) {
	c, err := New(DefaultConfig("amqp://localhost"))
	require.NoError(t, err)

	c.Close()

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClose_Idempotent(t *testing.T) {
	c, err := New(DefaultConfig("amqp://localhost"))
	require.NoError(t, err)

	// Повторный Close не должен паниковать (close закрытого канала)
	c.Close()
	c.Close()

	assert.Equal(t, StateClosing, c.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "closing", StateClosing.String())
}

// =============================================================================
// Тесты объявления топологии
// =============================================================================

// fakeDeclarer записывает вызовы объявления топологии.
type fakeDeclarer struct {
	exchanges map[string]string // name -> kind
	queues    map[string]amqp.Table
	bindings  map[string]string // queue -> routing key
	failOn    string
}

func newFakeDeclarer() *fakeDeclarer {
	return &fakeDeclarer{
		exchanges: make(map[string]string),
		queues:    make(map[string]amqp.Table),
		bindings:  make(map[string]string),
	}
}

func (f *fakeDeclarer) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if f.failOn == name {
		return errors.New("declare failed")
	}
	f.exchanges[name] = kind
	return nil
}

func (f *fakeDeclarer) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if f.failOn == name {
		return amqp.Queue{}, errors.New("declare failed")
	}
	f.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (f *fakeDeclarer) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.bindings[name] = key
	return nil
}

func TestDeclareTopology(t *testing.T) {
	ch := newFakeDeclarer()

	err := DeclareTopology(ch, 24*time.Hour)
	require.NoError(t, err)

	// Три exchange нужных типов
	assert.Equal(t, "topic", ch.exchanges[ExchangeEvents])
	assert.Equal(t, "fanout", ch.exchanges[ExchangeBroadcast])
	assert.Equal(t, "direct", ch.exchanges[ExchangeJobs])

	// Три очереди заданий с TTL и приоритетами
	for _, q := range []string{QueueJobsImmediate, QueueJobsBulk, QueueJobsScheduled} {
		args, ok := ch.queues[q]
		require.True(t, ok, "очередь %s не объявлена", q)
		assert.Equal(t, int64(24*time.Hour/time.Millisecond), args["x-message-ttl"])
		assert.Equal(t, int32(MaxJobPriority), args["x-max-priority"])
	}

	// Привязки к direct exchange
	assert.Equal(t, RoutingKeyJobImmediate, ch.bindings[QueueJobsImmediate])
	assert.Equal(t, RoutingKeyJobBulk, ch.bindings[QueueJobsBulk])
	assert.Equal(t, RoutingKeyJobScheduled, ch.bindings[QueueJobsScheduled])
}

func TestDeclareTopology_ExchangeError(t *testing.T) {
	ch := newFakeDeclarer()
	ch.failOn = ExchangeBroadcast

	err := DeclareTopology(ch, time.Hour)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), ExchangeBroadcast)
}

// =============================================================================
// Тесты confirm-публикации
// =============================================================================

// fakeConfirmable эмулирует канал в confirm-режиме: каждая публикация
// немедленно подтверждается; при unrouted=true дополнительно возвращается.
type fakeConfirmable struct {
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	closes   chan *amqp.Error

	ack      bool
	unrouted bool
	silent   bool // не подтверждать публикации самостоятельно
	tag      uint64
}

func newFakeConfirmable() *fakeConfirmable {
	return &fakeConfirmable{ack: true}
}

func (f *fakeConfirmable) Confirm(noWait bool) error { return nil }

func (f *fakeConfirmable) NotifyPublish(ch chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = ch
	return ch
}

func (f *fakeConfirmable) NotifyReturn(ch chan amqp.Return) chan amqp.Return {
	f.returns = ch
	return ch
}

func (f *fakeConfirmable) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	f.closes = ch
	return ch
}

func (f *fakeConfirmable) PublishWithContext(_ context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.tag++
	if f.unrouted {
		f.returns <- amqp.Return{Exchange: exchange, RoutingKey: key, ReplyText: "NO_ROUTE"}
	}
	if !f.silent {
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: f.ack}
	}
	return nil
}

func (f *fakeConfirmable) Close() error { return nil }

func TestConfirmPublisher_Publish_Acked(t *testing.T) {
	ch := newFakeConfirmable()
	pub, err := NewConfirmPublisher(ch, time.Second, nil)
	require.NoError(t, err)

	err = pub.Publish(context.Background(), ExchangeEvents, "crm.user.created", true, amqp.Publishing{})

	assert.NoError(t, err)
}

func TestConfirmPublisher_ReturnedMessageStillConfirmed(t *testing.T) {
	// mandatory-сообщение без очереди под routing key: брокер возвращает
	// его (basic.return) и при этом подтверждает публикацию. Publish
	// завершается успешно, а возврат уходит в обработчик.
	ch := newFakeConfirmable()
	ch.unrouted = true

	returned := make(chan amqp.Return, 1)
	pub, err := NewConfirmPublisher(ch, time.Second, func(ret amqp.Return) {
		returned <- ret
	})
	require.NoError(t, err)

	err = pub.Publish(context.Background(), ExchangeEvents, "crm.no.such.queue", true, amqp.Publishing{})
	require.NoError(t, err)

	select {
	case ret := <-returned:
		assert.Equal(t, "crm.no.such.queue", ret.RoutingKey)
		assert.Equal(t, "NO_ROUTE", ret.ReplyText)
	case <-time.After(time.Second):
		t.Fatal("обработчик возврата не вызван")
	}
}

func TestConfirmPublisher_LateConfirmationNotCountedForNextPublish(t *testing.T) {
	// Подтверждение первой публикации приходит после её таймаута.
	// Вторая публикация не должна засчитать себе чужой ack: она ждёт
	// подтверждение своего delivery tag и тоже завершается таймаутом.
	ch := newFakeConfirmable()
	ch.silent = true

	pub, err := NewConfirmPublisher(ch, 50*time.Millisecond, nil)
	require.NoError(t, err)

	err = pub.Publish(context.Background(), ExchangeEvents, "crm.user.created", true, amqp.Publishing{})
	require.ErrorIs(t, err, ErrConfirmTimeout)

	// Запоздавший ack тега 1 остаётся в буфере канала подтверждений
	ch.confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}

	err = pub.Publish(context.Background(), ExchangeEvents, "crm.user.updated", true, amqp.Publishing{})
	assert.ErrorIs(t, err, ErrConfirmTimeout)
}

func TestConfirmPublisher_RecoversAfterConfirmTimeout(t *testing.T) {
	// После таймаута канал остаётся пригодным: следующая публикация,
	// подтверждённая своим тегом, завершается успешно.
	ch := newFakeConfirmable()
	ch.silent = true

	pub, err := NewConfirmPublisher(ch, 50*time.Millisecond, nil)
	require.NoError(t, err)

	err = pub.Publish(context.Background(), ExchangeEvents, "crm.user.created", true, amqp.Publishing{})
	require.ErrorIs(t, err, ErrConfirmTimeout)

	// Запоздавший ack тега 1 и честный ack тега 2
	ch.confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}
	ch.confirms <- amqp.Confirmation{DeliveryTag: 2, Ack: true}

	err = pub.Publish(context.Background(), ExchangeEvents, "crm.user.updated", true, amqp.Publishing{})
	assert.NoError(t, err)
}

func TestConfirmPublisher_Publish_AfterClose(t *testing.T) {
	ch := newFakeConfirmable()
	pub, err := NewConfirmPublisher(ch, time.Second, nil)
	require.NoError(t, err)

	pub.Close()

	err = pub.Publish(context.Background(), ExchangeEvents, "crm.user.created", true, amqp.Publishing{})
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.True(t, pub.Closed())
}
