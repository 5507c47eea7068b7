package database

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EntityKind - тип справочной сущности.
type EntityKind string

const (
	EntityCreator EntityKind = "creator"
	EntityAudio   EntityKind = "audio"
	EntityTag     EntityKind = "tag"
)

// Positions - метаданные порядка поста в сессии.
type Positions struct {
	Item  int // Порядковый номер первого подтверждения, начиная с 1
	Batch int // Номер пачки прокрутки, начиная с 0
}

// Record - пост вместе со справочными сущностями, на которые он ссылается.
type Record struct {
	Creator *Creator
	Audio   *AudioTrack
	Tags    []Tag
	Item    ContentItem
}

// FlushBatch - всё, что накопила сессия к моменту завершения.
type FlushBatch struct {
	Records     []Record
	Actions     []ActionRecord
	Unconfirmed []UnconfirmedItem
}

type Store struct {
	conn *Conn
	log  *zap.Logger
}

func NewStore(conn *Conn, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{conn: conn, log: log}
}

// insertIgnore вставляет строку; конфликт ключа оставляет существующую без изменений.
func (s *Store) insertIgnore(ctx context.Context, op string, value any) error {
	return s.conn.Exec(ctx, op, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{DoNothing: true}).Create(value).Error
	})
}

func (s *Store) UpsertCreator(ctx context.Context, c *Creator) error {
	return s.insertIgnore(ctx, "upsert creator", c)
}

func (s *Store) UpsertAudioTrack(ctx context.Context, a *AudioTrack) error {
	return s.insertIgnore(ctx, "upsert audio", a)
}

func (s *Store) UpsertTag(ctx context.Context, t *Tag) error {
	return s.insertIgnore(ctx, "upsert tag", t)
}

// UpsertEntity сохраняет справочную сущность указанного типа.
func (s *Store) UpsertEntity(ctx context.Context, kind EntityKind, entity any) error {
	switch kind {
	case EntityCreator:
		if c, ok := entity.(*Creator); ok {
			return s.UpsertCreator(ctx, c)
		}
	case EntityAudio:
		if a, ok := entity.(*AudioTrack); ok {
			return s.UpsertAudioTrack(ctx, a)
		}
	case EntityTag:
		if t, ok := entity.(*Tag); ok {
			return s.UpsertTag(ctx, t)
		}
	default:
		return fmt.Errorf("неизвестный тип сущности %q", kind)
	}
	return fmt.Errorf("сущность %T не соответствует типу %q", entity, kind)
}

// UpsertContentItem сохраняет пост с назначенными позициями.
// Повторный вызов для того же (пост, запуск, участник) не меняет первую позицию.
func (s *Store) UpsertContentItem(ctx context.Context, item *ContentItem, pos Positions) error {
	if pos.Item < 1 {
		return fmt.Errorf("пост %s: позиция должна начинаться с 1, получено %d", item.ItemID, pos.Item)
	}
	item.ItemPosition = pos.Item
	item.BatchPosition = pos.Batch
	return s.insertIgnore(ctx, "upsert content item", item)
}

func (s *Store) UpsertItemTag(ctx context.Context, rel *ItemTag) error {
	return s.insertIgnore(ctx, "upsert item tag", rel)
}

// RecordAction сохраняет подтверждённое действие не более одного раза на (тип, пост, запуск, участник).
func (s *Store) RecordAction(ctx context.Context, rec *ActionRecord) error {
	return s.insertIgnore(ctx, "record action", rec)
}

func (s *Store) RecordUnconfirmed(ctx context.Context, item *UnconfirmedItem) error {
	return s.insertIgnore(ctx, "record unconfirmed", item)
}

// RefreshCounters явно обновляет изменяемые счётчики поста.
func (s *Store) RefreshCounters(ctx context.Context, item *ContentItem) error {
	return s.conn.Exec(ctx, "refresh counters", func(db *gorm.DB) error {
		return db.Model(&ContentItem{}).
			Where("item_id = ?", item.ItemID).
			Updates(map[string]any{
				"like_count":    item.LikeCount,
				"share_count":   item.ShareCount,
				"comment_count": item.CommentCount,
				"play_count":    item.PlayCount,
			}).Error
	})
}

// RefreshCreatorStats явно обновляет счётчики автора.
func (s *Store) RefreshCreatorStats(ctx context.Context, c *Creator) error {
	return s.conn.Exec(ctx, "refresh creator stats", func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"follower_count", "following_count", "heart_count", "video_count", "digg_count"}),
		}).Create(c).Error
	})
}

// ItemDuration ищет длительность поста среди уже сохранённых строк.
func (s *Store) ItemDuration(ctx context.Context, itemID string) (float64, bool, error) {
	var item ContentItem
	err := s.conn.Exec(ctx, "item duration", func(db *gorm.DB) error {
		return db.Select("duration_seconds").
			Where("item_id = ? AND duration_seconds > 0", itemID).
			Take(&item).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return item.DurationSeconds, true, nil
}

// Flush сохраняет накопленные записи сессии. Порядок соблюдает внешние ключи:
// автор и трек до поста, хэштеги до связей; действия только для сохранённых постов.
func (s *Store) Flush(ctx context.Context, batch FlushBatch) error {
	stored := make(map[string]bool, len(batch.Records))

	for i := range batch.Records {
		rec := &batch.Records[i]
		if err := s.flushRecord(ctx, rec); err != nil {
			return err
		}
		stored[rec.Item.ItemID] = true
	}

	for i := range batch.Actions {
		action := &batch.Actions[i]
		if !stored[action.ItemID] {
			s.log.Warn("Действие над несохранённым постом пропущено",
				zap.String("item_id", action.ItemID),
				zap.String("kind", string(action.Kind)),
			)
			continue
		}
		if err := s.RecordAction(ctx, action); err != nil {
			return err
		}
	}

	for i := range batch.Unconfirmed {
		if err := s.RecordUnconfirmed(ctx, &batch.Unconfirmed[i]); err != nil {
			return err
		}
	}

	s.log.Info("Данные сессии сохранены",
		zap.Int("items", len(batch.Records)),
		zap.Int("actions", len(batch.Actions)),
		zap.Int("unconfirmed", len(batch.Unconfirmed)),
	)
	return nil
}

func (s *Store) flushRecord(ctx context.Context, rec *Record) error {
	if rec.Creator != nil {
		if err := s.UpsertCreator(ctx, rec.Creator); err != nil {
			return err
		}
	}
	if rec.Audio != nil {
		if err := s.UpsertAudioTrack(ctx, rec.Audio); err != nil {
			return err
		}
	}
	for i := range rec.Tags {
		if err := s.UpsertTag(ctx, &rec.Tags[i]); err != nil {
			return err
		}
	}

	pos := Positions{Item: rec.Item.ItemPosition, Batch: rec.Item.BatchPosition}
	if err := s.UpsertContentItem(ctx, &rec.Item, pos); err != nil {
		return err
	}

	for _, tag := range rec.Tags {
		rel := ItemTag{ItemID: rec.Item.ItemID, TagID: tag.ID, RunID: rec.Item.RunID}
		if err := s.UpsertItemTag(ctx, &rel); err != nil {
			return err
		}
	}
	return nil
}
