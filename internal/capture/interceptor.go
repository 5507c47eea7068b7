package capture

import (
	"context"
	"strings"
	"sync"
	"time"

	"feedAudit/internal/browser"

	"go.uber.org/zap"
)

// Interceptor накапливает посты из ответов списка ленты, пока участник листает ленту.
type Interceptor struct {
	pattern   string
	waitLimit time.Duration
	log       *zap.Logger

	mu       sync.Mutex
	idle     chan struct{} // Закрыт, пока нет разбираемых ответов
	inflight int
	stalls   int
	closed   bool
	pending  []RawItem
	known    map[string]bool
	failures int
}

// NewInterceptor перехватывает ответы, URL которых содержит pattern.
// waitLimit ограничивает ожидание разбора начатых ответов.
func NewInterceptor(pattern string, waitLimit time.Duration, log *zap.Logger) *Interceptor {
	if log == nil {
		log = zap.NewNop()
	}
	if waitLimit <= 0 {
		waitLimit = 10 * time.Second
	}
	idle := make(chan struct{})
	close(idle)
	return &Interceptor{
		pattern:   pattern,
		waitLimit: waitLimit,
		log:       log,
		idle:      idle,
		known:     make(map[string]bool),
	}
}

// Handle подходит как обработчик ответов браузера. URL проверяется сразу,
// тело читается в отдельной горутине: обработчик событий драйвера не должен блокироваться.
func (i *Interceptor) Handle(resp browser.Response) {
	if i.pattern == "" || !strings.Contains(resp.URL(), i.pattern) {
		return
	}

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	if i.inflight == 0 {
		i.idle = make(chan struct{})
	}
	i.inflight++
	i.mu.Unlock()

	go i.decode(resp)
}

func (i *Interceptor) decode(resp browser.Response) {
	items, dropped, ok := i.read(resp)

	i.mu.Lock()
	defer i.mu.Unlock()

	if !ok {
		i.failures++
	}
	i.failures += dropped
	for _, item := range items {
		id := item.ItemID()
		if i.closed || i.known[id] {
			continue
		}
		i.known[id] = true
		i.pending = append(i.pending, item)
	}

	i.inflight--
	if i.inflight == 0 {
		close(i.idle)
	}
}

func (i *Interceptor) read(resp browser.Response) ([]RawItem, int, bool) {
	log := i.log.With(zap.String("url", resp.URL()))

	if status := resp.Status(); status < 200 || status >= 300 {
		log.Warn("Ответ ленты с ошибкой", zap.Int("status", status))
		return nil, 0, false
	}

	body, err := resp.Body()
	if err != nil {
		log.Warn("Не удалось прочитать ответ ленты", zap.Error(err))
		return nil, 0, false
	}

	items, dropped, err := decodeFeedList(body)
	if err != nil {
		log.Warn("Не удалось разобрать ответ ленты", zap.Error(err))
		return nil, 0, false
	}
	if dropped > 0 {
		log.Warn("Часть постов в ответе ленты повреждена", zap.Int("dropped", dropped))
	}
	log.Debug("Перехвачен ответ ленты", zap.Int("items", len(items)))
	return items, dropped, true
}

// wait ждёт разбора ответов, начатых до вызова, не дольше waitLimit.
// Возвращает число ответов, так и не разобранных к сроку.
func (i *Interceptor) wait(ctx context.Context) int {
	i.mu.Lock()
	idle := i.idle
	i.mu.Unlock()

	timer := time.NewTimer(i.waitLimit)
	defer timer.Stop()

	select {
	case <-idle:
		return 0
	case <-ctx.Done():
	case <-timer.C:
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.inflight > 0 {
		i.stalls++
	}
	return i.inflight
}

// CaptureBatch отдаёт посты, перехваченные с прошлого вызова. Начатый разбор ожидается
// не дольше waitLimit; посты из зависших ответов достанутся следующему вызову, если успеют.
func (i *Interceptor) CaptureBatch(ctx context.Context) []RawItem {
	if stalled := i.wait(ctx); stalled > 0 {
		i.log.Warn("Разбор ответов ленты не завершился вовремя",
			zap.Int("inflight", stalled), zap.Duration("limit", i.waitLimit))
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	out := i.pending
	i.pending = nil
	return out
}

// DecodeFailures - число ответов и постов, которые не удалось разобрать.
func (i *Interceptor) DecodeFailures() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.failures
}

// Stalls - сколько раз ожидание разбора упёрлось в срок.
func (i *Interceptor) Stalls() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stalls
}

// Close перестаёт принимать ответы и ждёт начатый разбор не дольше waitLimit.
// Ответы, разобранные после Close, отбрасываются.
func (i *Interceptor) Close(ctx context.Context) {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()

	if stalled := i.wait(ctx); stalled > 0 {
		i.log.Warn("Перехват закрыт с неразобранными ответами", zap.Int("inflight", stalled))
	}
}
