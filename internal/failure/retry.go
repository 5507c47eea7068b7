package failure

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrStop прекращает повторы досрочно; возвращается обёрнутая ошибка.
var ErrStop = errors.New("повторы прекращены")

// Permanent помечает ошибку как не подлежащую повтору.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStop, err)
}

// Retry выполняет fn не более attempts раз с фиксированной паузой между попытками.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := Sleep(ctx, delay); err != nil {
				return err
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrStop) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("после %d попыток: %w", attempts, lastErr)
}

// RetryWithBackoff повторяет fn с экспоненциальной паузой, ограниченной maxDelay.
func RetryWithBackoff(ctx context.Context, attempts int, baseDelay, maxDelay time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 3
	}
	if maxDelay == 0 {
		maxDelay = 30 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := Sleep(ctx, Backoff(baseDelay, maxDelay, attempt)); err != nil {
				return err
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrStop) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Backoff возвращает паузу перед попыткой attempt (начиная с 1).
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if limit > 0 && delay > limit {
		delay = limit
	}
	return delay
}

// Sleep ждёт d или отмены контекста.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
