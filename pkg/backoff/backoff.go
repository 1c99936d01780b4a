// Package backoff предоставляет стратегии задержек между повторными попытками.
// Одно семейство стратегий используется всеми компонентами: переподключение
// к RabbitMQ (константная задержка), повторы job-обработчиков и replay
// (экспоненциальная с верхней границей).
package backoff

import "time"

// Strategy вычисляет задержку перед повторной попыткой.
// attempt нумеруется с 1: первая повторная попытка после исходной ошибки.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant возвращает одинаковую задержку независимо от номера попытки.
// Используется Connection Supervisor для переподключения к брокеру.
type Constant struct {
	Interval time.Duration
}

// NewConstant создаёт константную стратегию.
func NewConstant(interval time.Duration) Constant {
	return Constant{Interval: interval}
}

// Delay возвращает фиксированный интервал.
func (c Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential удваивает задержку с каждой попыткой:
// min(Base * 2^(attempt-1), Cap).
// Используется Job Queue для отложенных повторов обработчиков.
type Exponential struct {
	Base time.Duration
	Cap  time.Duration
}

// NewExponential создаёт экспоненциальную стратегию с верхней границей.
func NewExponential(base, cap time.Duration) Exponential {
	return Exponential{Base: base, Cap: cap}
}

// Delay возвращает Base * 2^(attempt-1), но не больше Cap.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := e.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if e.Cap > 0 && d >= e.Cap {
			return e.Cap
		}
	}

	if e.Cap > 0 && d > e.Cap {
		return e.Cap
	}
	return d
}
