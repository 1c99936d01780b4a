package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"example.com/event-relay/pkg/logger"
)

// Ошибки confirm-канала.
var (
	// ErrPublishNacked — брокер отверг сообщение (negative confirmation).
	ErrPublishNacked = errors.New("сообщение отклонено брокером")

	// ErrConfirmTimeout — подтверждение не получено за отведённое время.
	// Результат публикации неизвестен: повтор безопасен, консьюмеры
	// дедуплицируют по event_id.
	ErrConfirmTimeout = errors.New("истёк таймаут подтверждения публикации")

	// ErrChannelClosed — канал закрыт, владелец должен пересоздать его.
	ErrChannelClosed = errors.New("канал rabbitmq закрыт")
)

// DefaultConfirmTimeout — таймаут ожидания подтверждения по умолчанию.
const DefaultConfirmTimeout = 10 * time.Second

// confirmBuffer — буфер канала подтверждений. Публикации сериализованы,
// поэтому достаточно небольшого запаса.
const confirmBuffer = 16

// ConfirmableChannel — операции AMQP-канала, необходимые confirm-публикации.
// Покрывается *amqp.Channel; интерфейс нужен для unit-тестов.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ReturnHandler вызывается для каждого сообщения, возвращённого брокером
// (mandatory=true и нет очереди под routing key). Возврат — отдельный от
// confirm режим отказа: публикация подтверждена, но доставка не произошла.
type ReturnHandler func(ret amqp.Return)

// ConfirmPublisher — канал в confirm-режиме: каждая публикация ждёт
// явного ack/nack от брокера. Публикации сериализованы, порядок
// подтверждений совпадает с порядком отправки в рамках канала.
type ConfirmPublisher struct {
	ch             ConfirmableChannel
	confirms       chan amqp.Confirmation
	confirmTimeout time.Duration

	publishMu   sync.Mutex // сериализует publish+confirm
	deliveryTag uint64     // тег последней отправленной публикации (под publishMu)
	mu        sync.Mutex
	closed    bool
	closedCh  chan struct{}
}

// NewConfirmPublisher переводит канал в confirm-режим и подписывается
// на подтверждения и возвраты. onReturn может быть nil.
func NewConfirmPublisher(ch ConfirmableChannel, confirmTimeout time.Duration, onReturn ReturnHandler) (*ConfirmPublisher, error) {
	if ch == nil {
		return nil, ErrNotConnected
	}
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("ошибка включения confirm-режима: %w", err)
	}

	p := &ConfirmPublisher{
		ch:             ch,
		confirms:       ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer)),
		confirmTimeout: confirmTimeout,
		closedCh:       make(chan struct{}),
	}

	returns := ch.NotifyReturn(make(chan amqp.Return, confirmBuffer))
	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	// Возвраты приходят асинхронно и не связаны с confirm-циклом:
	// логируем как ошибку маршрутизации (misconfiguration топологии).
	go func() {
		for ret := range returns {
			logger.Warn().
				Str("exchange", ret.Exchange).
				Str("routing_key", ret.RoutingKey).
				Str("reply_text", ret.ReplyText).
				Msg("Сообщение возвращено брокером: нет очереди под routing key")

			if onReturn != nil {
				onReturn(ret)
			}
		}
	}()

	go func() {
		<-closeNotify
		p.markClosed()
	}()

	return p, nil
}

func (p *ConfirmPublisher) markClosed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.closedCh)
	}
}

// Closed возвращает true, если канал закрыт и publisher нужно пересоздать.
func (p *ConfirmPublisher) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Publish отправляет сообщение и блокируется до подтверждения брокером.
// Возвращает nil только при положительном ack. Nack, таймаут и закрытие
// канала — различимые ошибки. Повтор при ErrConfirmTimeout безопасен.
func (p *ConfirmPublisher) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrChannelClosed
	}
	ch := p.ch
	p.mu.Unlock()

	// При заполненном внутреннем буфере клиент блокирует вызов до
	// освобождения места (backpressure), ожидание ограничено confirm-таймаутом.
	if err := ch.PublishWithContext(ctx, exchange, routingKey, mandatory, false, msg); err != nil {
		return fmt.Errorf("ошибка публикации: %w", err)
	}

	p.deliveryTag++
	tag := p.deliveryTag

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case confirmed, ok := <-p.confirms:
			if !ok {
				return ErrChannelClosed
			}
			// Запоздавшее подтверждение публикации, завершившейся
			// таймаутом: сбрасываем, иначе ack тега N засчитается тегу N+1.
			if confirmed.DeliveryTag < tag {
				continue
			}
			if !confirmed.Ack {
				return ErrPublishNacked
			}
			return nil
		case <-p.closedCh:
			return ErrChannelClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrConfirmTimeout
		}
	}
}

// Close закрывает канал. Ошибка закрытия проглатывается (best-effort).
func (p *ConfirmPublisher) Close() {
	p.markClosed()

	if err := p.ch.Close(); err != nil {
		logger.Warn().Err(err).Msg("Ошибка при закрытии confirm-канала")
	}
}
