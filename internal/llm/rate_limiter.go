package llm

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrRateLimited = errors.New("превышен лимит запросов к OpenAI")

// RateLimiter - token bucket по запросам в минуту и токенам в час
type RateLimiter struct {
	requestsPerMinute int
	tokensPerHour     int
	now               func() time.Time

	requestMu        sync.Mutex
	requestTokens    float64
	requestLastCheck time.Time

	tokenMu        sync.Mutex
	tokenBudget    float64
	tokenLastCheck time.Time
}

func NewRateLimiter(requestsPerMinute, tokensPerHour int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 20
	}
	if tokensPerHour <= 0 {
		tokensPerHour = 90000
	}
	rl := &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		tokensPerHour:     tokensPerHour,
		now:               time.Now,
		requestTokens:     float64(requestsPerMinute),
		tokenBudget:       float64(tokensPerHour),
	}
	rl.requestLastCheck = rl.now()
	rl.tokenLastCheck = rl.requestLastCheck
	return rl
}

func (rl *RateLimiter) refillRequestTokens() {
	now := rl.now()
	rl.requestTokens += now.Sub(rl.requestLastCheck).Minutes() * float64(rl.requestsPerMinute)
	rl.requestTokens = min(rl.requestTokens, float64(rl.requestsPerMinute))
	rl.requestLastCheck = now
}

func (rl *RateLimiter) refillTokenBudget() {
	now := rl.now()
	rl.tokenBudget += now.Sub(rl.tokenLastCheck).Hours() * float64(rl.tokensPerHour)
	rl.tokenBudget = min(rl.tokenBudget, float64(rl.tokensPerHour))
	rl.tokenLastCheck = now
}

// AllowRequest списывает один запрос. Классификация окон необязательна, поэтому лимит не ждёт, а возвращает ошибку.
func (rl *RateLimiter) AllowRequest() error {
	rl.requestMu.Lock()
	defer rl.requestMu.Unlock()

	rl.refillRequestTokens()
	if rl.requestTokens < 1 {
		return fmt.Errorf("%w: %d в минуту", ErrRateLimited, rl.requestsPerMinute)
	}
	rl.requestTokens--
	return nil
}

func (rl *RateLimiter) AllowTokens(tokens int) error {
	rl.tokenMu.Lock()
	defer rl.tokenMu.Unlock()

	rl.refillTokenBudget()
	if rl.tokenBudget < float64(tokens) {
		return fmt.Errorf("%w: нужно %d токенов, доступно %d", ErrRateLimited, tokens, int(rl.tokenBudget))
	}
	rl.tokenBudget -= float64(tokens)
	return nil
}

// ConsumeTokens списывает токены сверх оценки после ответа
func (rl *RateLimiter) ConsumeTokens(tokens int) {
	rl.tokenMu.Lock()
	defer rl.tokenMu.Unlock()

	rl.tokenBudget = max(rl.tokenBudget-float64(tokens), 0)
}

func (rl *RateLimiter) Available() (requests int, tokens int) {
	rl.requestMu.Lock()
	rl.refillRequestTokens()
	requests = int(rl.requestTokens)
	rl.requestMu.Unlock()

	rl.tokenMu.Lock()
	rl.refillTokenBudget()
	tokens = int(rl.tokenBudget)
	rl.tokenMu.Unlock()
	return requests, tokens
}
