package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"feedAudit/internal/database"
	"feedAudit/internal/failure"
	"feedAudit/internal/feed"

	"go.uber.org/zap"
)

var errNoFetcher = errors.New("резервная загрузка постов не настроена")

// Fetcher загружает HTML страницы в изолированной вкладке того же контекста.
type Fetcher interface {
	FetchDocument(ctx context.Context, url string) (string, error)
}

type ReconcilerConfig struct {
	BaseURL       string
	FetchAttempts int
	FetchDelay    time.Duration
}

func (c *ReconcilerConfig) defaults() {
	if c.FetchAttempts <= 0 {
		c.FetchAttempts = 2
	}
	if c.FetchDelay == 0 {
		c.FetchDelay = 2 * time.Second
	}
}

// Source отдаёт посты, перехваченные с прошлого вызова.
type Source interface {
	CaptureBatch(ctx context.Context) []RawItem
}

// Result - итог одной сверки.
type Result struct {
	Finalized  []database.Record
	Uncaptured []string // Посты, которые участник видел, но данные о них не получены
}

type heldItem struct {
	item  RawItem
	batch int
}

// Reconciler сводит перехваченные посты с постами, которые участник действительно видел.
// Данные поста получаются до действий над ним; запись создаётся только для поста с позицией.
// Перехваченные, но так и не отрисованные посты копятся до конца сессии как неподтверждённые.
type Reconciler struct {
	arena   *Arena
	source  Source
	fetcher Fetcher
	cfg     ReconcilerConfig
	log     *zap.Logger
	detect  func(text string) string

	held       map[string]heldItem
	heldOrder  []string
	captured   map[string]RawItem
	finalized  map[string]bool
	records    []database.Record
	uncaptured []string
	lastBatch  int
}

func NewReconciler(arena *Arena, source Source, fetcher Fetcher, cfg ReconcilerConfig, log *zap.Logger) *Reconciler {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		arena:     arena,
		source:    source,
		fetcher:   fetcher,
		cfg:       cfg,
		log:       log,
		detect:    DetectLanguage,
		held:      make(map[string]heldItem),
		captured:  make(map[string]RawItem),
		finalized: make(map[string]bool),
	}
}

// absorb забирает новые перехваченные посты и относит их к пачке batch.
func (r *Reconciler) absorb(ctx context.Context, batch int) {
	if r.source == nil {
		return
	}
	for _, item := range r.source.CaptureBatch(ctx) {
		r.hold(item, batch)
	}
}

func (r *Reconciler) hold(item RawItem, batch int) {
	id := item.ItemID()
	if r.finalized[id] {
		return
	}
	if _, ok := r.captured[id]; ok {
		return
	}
	if _, ok := r.held[id]; ok {
		return
	}
	r.held[id] = heldItem{item: item, batch: batch}
	r.heldOrder = append(r.heldOrder, id)
}

// Capture возвращает данные отрисованного поста. Пост без перехваченных данных
// загружается со своей страницы; если и это не удалось, он помечается как несобранный.
func (r *Reconciler) Capture(ctx context.Context, item feed.Item, batch int) (feed.Meta, error) {
	if batch > r.lastBatch {
		r.lastBatch = batch
	}
	r.absorb(ctx, batch)

	if raw, ok := r.captured[item.ID]; ok {
		return raw.Meta(), nil
	}

	held, ok := r.held[item.ID]
	raw := held.item
	if !ok {
		fetched, err := r.fetch(ctx, item)
		if err != nil {
			r.arena.MarkFailed(item.ID)
			r.uncaptured = append(r.uncaptured, item.ID)
			return feed.Meta{}, failure.Reconciliation("fetch item", err)
		}
		raw = fetched
		r.log.Debug("Пост получен со своей страницы", zap.String("item_id", item.ID))
	}

	delete(r.held, item.ID)
	r.captured[item.ID] = raw
	return raw.Meta(), nil
}

// Finalize создаёт записи для собранных постов, получивших позицию, в порядке позиций.
// Повторно пост не загружается и не финализируется.
func (r *Reconciler) Finalize(ctx context.Context) Result {
	r.absorb(ctx, r.lastBatch)

	res := Result{Uncaptured: r.uncaptured}
	r.uncaptured = nil

	for _, id := range r.arena.Confirmed() {
		if r.finalized[id] {
			continue
		}
		raw, ok := r.captured[id]
		if !ok {
			continue
		}
		pos, _ := r.arena.Position(id)

		rec := r.finalize(raw, pos)
		delete(r.captured, id)
		r.finalized[id] = true
		r.records = append(r.records, rec)
		res.Finalized = append(res.Finalized, rec)
	}
	return res
}

func (r *Reconciler) fetch(ctx context.Context, target feed.Item) (RawItem, error) {
	if r.fetcher == nil {
		return RawItem{}, errNoFetcher
	}

	url := ItemURL(r.cfg.BaseURL, target.CreatorUniqueID, target.ID)
	var item RawItem
	err := failure.Retry(ctx, r.cfg.FetchAttempts, r.cfg.FetchDelay, func() error {
		html, err := r.fetcher.FetchDocument(ctx, url)
		if err != nil {
			return err
		}
		decoded, err := DecodeItemPage(html)
		if err != nil {
			return err
		}
		if decoded.ItemID() != target.ID {
			return failure.Permanent(fmt.Errorf("страница вернула пост %s вместо %s", decoded.ItemID(), target.ID))
		}
		item = decoded
		return nil
	})
	return item, err
}

func (r *Reconciler) finalize(item RawItem, pos database.Positions) database.Record {
	id := item.ItemID()
	creatorID := string(item.Author.ID)

	rec := database.Record{
		Creator: &database.Creator{
			ID:             creatorID,
			UniqueID:       item.Author.UniqueID,
			Nickname:       item.Author.Nickname,
			FollowerCount:  item.AuthorStats.FollowerCount,
			FollowingCount: item.AuthorStats.FollowingCount,
			HeartCount:     item.AuthorStats.HeartCount,
			VideoCount:     item.AuthorStats.VideoCount,
			DiggCount:      item.AuthorStats.DiggCount,
		},
		Item: database.ContentItem{
			ItemID:          id,
			RunID:           r.arena.RunID(),
			ParticipantID:   r.arena.ParticipantID(),
			ItemPosition:    pos.Item,
			BatchPosition:   pos.Batch,
			Description:     item.Desc,
			Language:        r.detect(item.Desc),
			URL:             ItemURL(r.cfg.BaseURL, item.Author.UniqueID, id),
			DurationSeconds: item.Video.Duration,
			IsAd:            item.IsAd,
			CreatorID:       creatorID,
			LikeCount:       item.Stats.DiggCount,
			ShareCount:      item.Stats.ShareCount,
			CommentCount:    item.Stats.CommentCount,
			PlayCount:       item.Stats.PlayCount,
		},
	}

	if audio := item.audioID(); audio != "" {
		rec.Audio = &database.AudioTrack{ID: audio, Title: item.Music.Title, DurationSeconds: item.Music.Duration}
		rec.Item.AudioID = &audio
	}

	seen := make(map[string]bool, len(item.TextExtra))
	for _, tag := range item.TextExtra {
		tagID := string(tag.HashtagID)
		if tagID == "" || seen[tagID] {
			continue
		}
		seen[tagID] = true
		rec.Tags = append(rec.Tags, database.Tag{ID: tagID, Name: tag.HashtagName, IsCommerce: tag.IsCommerce})
	}
	return rec
}

// Records - все записи, прошедшие сверку, в порядке сверки.
func (r *Reconciler) Records() []database.Record {
	return append([]database.Record(nil), r.records...)
}

// Unconfirmed возвращает перехваченные посты, которые так и не были отрисованы.
func (r *Reconciler) Unconfirmed() []database.UnconfirmedItem {
	var out []database.UnconfirmedItem
	for _, id := range r.heldOrder {
		held, ok := r.held[id]
		if !ok || r.arena.Seen(id) {
			continue
		}
		out = append(out, database.UnconfirmedItem{
			ItemID:        id,
			RunID:         r.arena.RunID(),
			ParticipantID: r.arena.ParticipantID(),
			BatchPosition: held.batch,
		})
	}
	return out
}

// FlushBatch собирает всё накопленное сессией для сохранения.
func (r *Reconciler) FlushBatch() database.FlushBatch {
	return database.FlushBatch{
		Records:     r.Records(),
		Actions:     r.arena.Actions(),
		Unconfirmed: r.Unconfirmed(),
	}
}

var _ feed.Capturer = (*Reconciler)(nil)
