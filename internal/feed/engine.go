// Package feed прокручивает ленту пачками и выполняет действия участника над постами.
package feed

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"time"

	"feedAudit/internal/database"
	"feedAudit/internal/failure"

	"go.uber.org/zap"
)

var errNotApplied = errors.New("действие не отразилось в интерфейсе")

// Item - пост, отрисованный в основной ленте.
type Item struct {
	ID              string
	CreatorUniqueID string
	AudioID         string
	Tags            []string
}

// Feed - операции над основной лентой браузера.
type Feed interface {
	RenderedItems(ctx context.Context) ([]Item, error)
	CurrentItemID(ctx context.Context) (string, error)
	ScrollTo(ctx context.Context, itemID string) error
	// LoadMore прокручивает за последний отрисованный пост, чтобы лента подгрузила следующую пачку.
	LoadMore(ctx context.Context) error
	Like(ctx context.Context, itemID string) error
	IsLiked(ctx context.Context, itemID string) (bool, error)
	Follow(ctx context.Context, itemID string) error
	IsFollowing(ctx context.Context, itemID string) (bool, error)
}

// Meta - сведения о посте из перехваченных ответов.
type Meta struct {
	CreatorID       string
	CreatorUniqueID string
	AudioID         string
	Tags            []string
	Duration        float64
}

// Capturer получает данные поста до действий над ним. Пост без данных не получает позицию.
type Capturer interface {
	Capture(ctx context.Context, item Item, batch int) (Meta, error)
}

// Durations - длительности постов, сохранённые прошлыми запусками.
type Durations interface {
	ItemDuration(ctx context.Context, itemID string) (float64, bool, error)
}

// Ledger - типизированное состояние сессии: позиции постов и подтверждённые действия.
type Ledger interface {
	Seen(itemID string) bool
	Failed(itemID string) bool
	Confirm(item Item, batch int) (position int, assigned bool)
	RecordAction(rec database.ActionRecord) bool
	HasAction(kind database.ActionKind, itemID string) bool
}

type Config struct {
	RunID             uint
	ParticipantID     int
	EmptyBatchRetries int
	AdvanceAttempts   int
	SettleDelay       time.Duration // Пауза перед проверкой результата прокрутки или действия
	MinDwell          time.Duration // Просмотр, если длительность поста неизвестна
	// AfterBatch вызывается после каждой пачки, в том числе пустой.
	AfterBatch func(ctx context.Context, report BatchReport)
}

func (c *Config) defaults() {
	if c.EmptyBatchRetries <= 0 {
		c.EmptyBatchRetries = 3
	}
	if c.AdvanceAttempts <= 0 {
		c.AdvanceAttempts = 3
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = 500 * time.Millisecond
	}
	if c.MinDwell == 0 {
		c.MinDwell = 500 * time.Millisecond
	}
}

// BatchReport - итог одной пачки.
type BatchReport struct {
	Batch          int
	Items          []string // Обработанные посты в порядке просмотра
	Skipped        int      // Посты, уже учтённые другим путём
	Unverified     int      // Переход к посту не подтвердился
	Uncaptured     int      // Данные поста не получены, действия не выполнялись
	Liked          int
	Followed       int
	WatchedLonger  int
	ActionFailures int
	Empty          bool
}

type Engine struct {
	feed      Feed
	capturer  Capturer
	durations Durations
	ledger    Ledger
	cfg       Config
	log       *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time

	checked        map[string]bool
	followed       map[string]bool
	stickyCreators map[string]bool
	stickyAudio    map[string]bool
}

func NewEngine(feed Feed, capturer Capturer, durations Durations, ledger Ledger, cfg Config, log *zap.Logger) *Engine {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		feed:           feed,
		capturer:       capturer,
		durations:      durations,
		ledger:         ledger,
		cfg:            cfg,
		log:            log,
		sleep:          failure.Sleep,
		now:            time.Now,
		checked:        make(map[string]bool),
		followed:       make(map[string]bool),
		stickyCreators: make(map[string]bool),
		stickyAudio:    make(map[string]bool),
	}
}

// MarkChecked исключает посты из будущих пачек, например уже обработанные начальные посты.
func (e *Engine) MarkChecked(ids ...string) {
	for _, id := range ids {
		e.checked[id] = true
	}
}

// selection - случайно выбранные индексы пачки для каждого действия.
type selection struct {
	like, follow, watch map[int]bool
}

// RunBatches проходит n пачек по политике. Ошибка действия над постом не прерывает пачку.
func (e *Engine) RunBatches(ctx context.Context, n int, policy Policy) ([]BatchReport, error) {
	if err := policy.Validate(n); err != nil {
		return nil, err
	}

	rng := e.random(policy.Seed)
	reports := make([]BatchReport, 0, n)

	for batch := 0; batch < n; batch++ {
		log := e.log.With(zap.Int("batch", batch))

		items, err := e.nextBatch(ctx, log)
		if err != nil {
			return reports, err
		}
		report := BatchReport{Batch: batch, Empty: len(items) == 0}
		if report.Empty {
			log.Warn("Пачка пуста после повторных прокруток")
			reports = append(reports, report)
			e.afterBatch(ctx, report)
			continue
		}

		sel := e.selectActions(rng, batch, items, policy)
		log.Info("Новая пачка", zap.Int("items", len(items)),
			zap.Int("like", len(sel.like)), zap.Int("follow", len(sel.follow)), zap.Int("watch_longer", len(sel.watch)))

		for i, item := range items {
			if err := ctx.Err(); err != nil {
				return reports, err
			}
			e.processItem(ctx, log, batch, i, item, sel, policy, &report)
		}

		if err := e.feed.LoadMore(ctx); err != nil {
			log.Warn("Не удалось подгрузить ленту", zap.Error(err))
		}
		reports = append(reports, report)
		e.afterBatch(ctx, report)
	}

	return reports, nil
}

func (e *Engine) afterBatch(ctx context.Context, report BatchReport) {
	if e.cfg.AfterBatch != nil {
		e.cfg.AfterBatch(ctx, report)
	}
}

func (e *Engine) random(seed int64) *rand.Rand {
	s := uint64(seed)
	if seed == 0 {
		s = uint64(e.now().UnixNano())
	}
	return rand.New(rand.NewPCG(s, uint64(e.cfg.ParticipantID)))
}

// nextBatch возвращает отрисованные посты, которые ещё не проверялись.
// Пустой результат повторяется с прокруткой ограниченное число раз.
func (e *Engine) nextBatch(ctx context.Context, log *zap.Logger) ([]Item, error) {
	for attempt := 0; ; attempt++ {
		rendered, err := e.feed.RenderedItems(ctx)
		if err != nil {
			log.Warn("Не удалось прочитать ленту", zap.Int("attempt", attempt+1), zap.Error(err))
		}

		var fresh []Item
		for _, item := range rendered {
			if !e.checked[item.ID] {
				fresh = append(fresh, item)
			}
		}
		if len(fresh) > 0 {
			return fresh, nil
		}
		if attempt >= e.cfg.EmptyBatchRetries {
			return nil, nil
		}

		if err := e.feed.LoadMore(ctx); err != nil {
			log.Debug("Ошибка прокрутки", zap.Error(err))
		}
		if err := e.sleep(ctx, e.cfg.SettleDelay); err != nil {
			return nil, err
		}
	}
}

// selectActions выбирает случайные посты пачки для каждого действия.
// Посты с известной ошибкой сбора и уже учтённые посты не выбираются.
func (e *Engine) selectActions(rng *rand.Rand, batch int, items []Item, policy Policy) selection {
	var eligible []int
	for i, item := range items {
		if !e.ledger.Failed(item.ID) && !e.ledger.Seen(item.ID) {
			eligible = append(eligible, i)
		}
	}

	pick := func(count int) map[int]bool {
		chosen := make(map[int]bool)
		count = min(count, len(eligible))
		for _, j := range rng.Perm(len(eligible))[:count] {
			chosen[eligible[j]] = true
		}
		return chosen
	}

	return selection{
		like:   pick(countAt(policy.LikesPerBatch, batch)),
		follow: pick(countAt(policy.FollowsPerBatch, batch)),
		watch:  pick(countAt(policy.WatchLongerPerBatch, batch)),
	}
}

func (e *Engine) processItem(ctx context.Context, log *zap.Logger, batch, index int, item Item, sel selection, policy Policy, report *BatchReport) {
	e.checked[item.ID] = true
	log = log.With(zap.String("item_id", item.ID))

	if e.ledger.Seen(item.ID) {
		report.Skipped++
		log.Debug("Пост уже учтён, пропуск")
		return
	}

	started := e.now()
	if !e.advanceTo(ctx, log, item.ID) {
		report.Unverified++
		return
	}

	captured, err := e.capturer.Capture(ctx, item, batch)
	if err != nil {
		report.Uncaptured++
		log.Warn("Данные поста не получены, действия пропущены", zap.Error(err))
		return
	}

	position, assigned := e.ledger.Confirm(item, batch)
	if !assigned {
		report.Skipped++
		return
	}
	report.Items = append(report.Items, item.ID)
	log.Debug("Пост подтверждён", zap.Int("item_position", position))

	meta := e.describe(ctx, log, item, captured)

	extended := sel.watch[index] || hasAny(meta.Tags, policy.WatchLongerTags)
	fraction := policy.normalFraction()
	if extended {
		fraction = policy.extendedFraction()
	}

	watched := e.dwell(ctx, meta.Duration, fraction, e.now().Sub(started))
	if extended {
		rec := database.ActionRecord{
			Kind:          database.ActionWatchedLonger,
			ItemID:        item.ID,
			RunID:         e.cfg.RunID,
			ParticipantID: e.cfg.ParticipantID,
		}
		seconds := watched.Seconds()
		rec.WatchedSeconds = &seconds
		// Без длительности долю просмотра не вычислить
		if meta.Duration > 0 {
			actual := seconds / meta.Duration
			rec.WatchedFraction = &actual
		}
		if e.ledger.RecordAction(rec) {
			report.WatchedLonger++
		}
	}

	if e.shouldLike(index, meta, sel, policy) {
		switch ok, err := e.like(ctx, item.ID); {
		case err != nil:
			report.ActionFailures++
			log.Warn("Лайк не подтверждён", zap.Error(err))
		case ok:
			report.Liked++
			e.remember(meta, true)
		}
	}

	if sel.follow[index] || containsAny(policy.FollowCreators, meta.CreatorID, meta.CreatorUniqueID) {
		switch ok, err := e.follow(ctx, item.ID, meta); {
		case err != nil:
			report.ActionFailures++
			log.Warn("Подписка не подтверждена", zap.Error(err))
		case ok:
			report.Followed++
			e.remember(meta, false)
		}
	}
}

// remember запоминает автора и трек, с которыми участник уже взаимодействовал.
func (e *Engine) remember(meta Meta, withAudio bool) {
	for _, id := range []string{meta.CreatorID, meta.CreatorUniqueID} {
		if id != "" {
			e.stickyCreators[id] = true
		}
	}
	if withAudio && meta.AudioID != "" {
		e.stickyAudio[meta.AudioID] = true
	}
}

// advanceTo прокручивает к посту и проверяет, что он стал текущим.
func (e *Engine) advanceTo(ctx context.Context, log *zap.Logger, itemID string) bool {
	for attempt := 1; attempt <= e.cfg.AdvanceAttempts; attempt++ {
		if err := e.feed.ScrollTo(ctx, itemID); err != nil {
			log.Debug("Ошибка прокрутки к посту", zap.Int("attempt", attempt), zap.Error(err))
		}

		current, err := e.feed.CurrentItemID(ctx)
		if err == nil && current == itemID {
			return true
		}
		if err := e.sleep(ctx, e.cfg.SettleDelay); err != nil {
			return false
		}
	}
	log.Warn("Переход к посту не подтверждён, пост пропущен", zap.Int("attempts", e.cfg.AdvanceAttempts))
	return false
}

// describe дополняет полученные сведения данными DOM и длительностью из прошлых запусков.
func (e *Engine) describe(ctx context.Context, log *zap.Logger, item Item, meta Meta) Meta {
	if meta.CreatorUniqueID == "" {
		meta.CreatorUniqueID = item.CreatorUniqueID
	}
	if meta.AudioID == "" {
		meta.AudioID = item.AudioID
	}
	if len(meta.Tags) == 0 {
		meta.Tags = item.Tags
	}

	if meta.Duration <= 0 && e.durations != nil {
		duration, ok, err := e.durations.ItemDuration(ctx, item.ID)
		if err != nil {
			log.Debug("Длительность из БД недоступна", zap.Error(err))
		} else if ok {
			meta.Duration = duration
		}
	}
	return meta
}

// dwell держит пост на экране duration*fraction за вычетом уже прошедшего времени.
func (e *Engine) dwell(ctx context.Context, duration, fraction float64, elapsed time.Duration) time.Duration {
	if duration <= 0 {
		_ = e.sleep(ctx, e.cfg.MinDwell)
		return e.cfg.MinDwell
	}

	target := time.Duration(duration * fraction * float64(time.Second))
	if elapsed >= target {
		return elapsed
	}
	_ = e.sleep(ctx, target-elapsed)
	return target
}

func (e *Engine) shouldLike(index int, meta Meta, sel selection, policy Policy) bool {
	if sel.like[index] || hasAny(meta.Tags, policy.LikeTags) {
		return true
	}
	if len(policy.LikeCreators) > 0 {
		if containsAny(policy.LikeCreators, meta.CreatorID, meta.CreatorUniqueID) ||
			e.stickyCreators[meta.CreatorID] || e.stickyCreators[meta.CreatorUniqueID] {
			return true
		}
	}
	if len(policy.LikeAudio) > 0 && meta.AudioID != "" {
		if slices.Contains(policy.LikeAudio, meta.AudioID) || e.stickyAudio[meta.AudioID] {
			return true
		}
	}
	return false
}

// like ставит лайк и проверяет его в интерфейсе; при неудаче повторяет один раз.
// Повторный вызов для того же поста ничего не делает.
func (e *Engine) like(ctx context.Context, itemID string) (bool, error) {
	if e.ledger.HasAction(database.ActionLiked, itemID) {
		return false, nil
	}
	if liked, err := e.feed.IsLiked(ctx, itemID); err == nil && liked {
		return false, nil
	}

	ok, err := e.applyVerified(ctx, func() error { return e.feed.Like(ctx, itemID) },
		func() (bool, error) { return e.feed.IsLiked(ctx, itemID) })
	if err != nil {
		return false, err
	}
	if !ok {
		return false, failure.Timing("like", errNotApplied)
	}

	e.ledger.RecordAction(database.ActionRecord{
		Kind:          database.ActionLiked,
		ItemID:        itemID,
		RunID:         e.cfg.RunID,
		ParticipantID: e.cfg.ParticipantID,
	})
	return true, nil
}

// follow подписывается на автора поста, если подписки ещё нет.
func (e *Engine) follow(ctx context.Context, itemID string, meta Meta) (bool, error) {
	creator := meta.CreatorID
	if creator == "" {
		creator = meta.CreatorUniqueID
	}
	if creator != "" && e.followed[creator] {
		return false, nil
	}
	if following, err := e.feed.IsFollowing(ctx, itemID); err == nil && following {
		e.followed[creator] = creator != ""
		return false, nil
	}

	ok, err := e.applyVerified(ctx, func() error { return e.feed.Follow(ctx, itemID) },
		func() (bool, error) { return e.feed.IsFollowing(ctx, itemID) })
	if err != nil {
		return false, err
	}
	if !ok {
		return false, failure.Timing("follow", errNotApplied)
	}

	e.followed[creator] = creator != ""
	e.ledger.RecordAction(database.ActionRecord{
		Kind:          database.ActionFollowed,
		ItemID:        itemID,
		RunID:         e.cfg.RunID,
		ParticipantID: e.cfg.ParticipantID,
		CreatorID:     &creator,
	})
	return true, nil
}

// applyVerified выполняет действие и проверяет результат; не подтвердившееся действие повторяется один раз.
func (e *Engine) applyVerified(ctx context.Context, act func() error, verify func() (bool, error)) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := act(); err != nil {
			lastErr = err
			continue
		}
		if err := e.sleep(ctx, e.cfg.SettleDelay); err != nil {
			return false, err
		}
		ok, err := verify()
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, lastErr
}

func hasAny(values, wanted []string) bool {
	for _, v := range values {
		if slices.Contains(wanted, v) {
			return true
		}
	}
	return false
}

func containsAny(list []string, values ...string) bool {
	for _, v := range values {
		if v != "" && slices.Contains(list, v) {
			return true
		}
	}
	return false
}
