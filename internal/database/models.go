// Package database предоставляет модели данных и слой хранения поверх PostgreSQL.
// Все записи идемпотентны: конфликт первичного ключа не создаёт дубликатов.
package database

import "time"

// RunID - заранее заполненный пул идентификаторов запусков.
// Запуск забирает наименьший неиспользованный идентификатор.
type RunID struct {
	ID   uint `gorm:"primaryKey;autoIncrement:false"`
	Used bool `gorm:"not null;default:false;index"`
}

// Run описывает одну сессию участника в рамках запуска.
// Duration остаётся NULL, пока сессия не завершилась успешно.
type Run struct {
	RunID           uint      `gorm:"primaryKey;autoIncrement:false"`
	ParticipantID   int       `gorm:"primaryKey;autoIncrement:false"`
	Address         string    `gorm:"type:varchar(64)"` // Адрес прокси host:port
	Country         string    `gorm:"type:varchar(8)"`
	Locale          string    `gorm:"type:varchar(16)"`
	DurationSeconds *float64  // Длительность сессии
	FailureCategory *string   `gorm:"type:varchar(32)"` // Класс фатальной ошибки
	FailureMessage  *string   `gorm:"type:text"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

// Proxy - адрес выхода. Одновременно принадлежит не более чем одному участнику.
type Proxy struct {
	Host       string     `gorm:"primaryKey;type:varchar(64)"`
	Port       int        `gorm:"primaryKey;autoIncrement:false"`
	Country    string     `gorm:"type:varchar(8);index;not null"`
	Blocked    bool       `gorm:"not null;default:false"` // Исключён из выдачи после отказа
	Claimed    bool       `gorm:"not null;default:false"` // Занят активной сессией
	Claimant   *int       // Участник, занявший адрес
	LastUsedAt *time.Time // Время последнего освобождения
}

type Creator struct {
	ID             string    `gorm:"primaryKey;type:varchar(32)"`
	UniqueID       string    `gorm:"type:varchar(128)"` // Публичное имя (@handle)
	Nickname       string    `gorm:"type:varchar(256)"`
	FollowerCount  int64
	FollowingCount int64
	HeartCount     int64
	VideoCount     int64
	DiggCount      int64
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

type AudioTrack struct {
	ID              string `gorm:"primaryKey;type:varchar(32)"`
	Title           string `gorm:"type:text"`
	DurationSeconds float64
}

type Tag struct {
	ID         string `gorm:"primaryKey;type:varchar(32)"`
	Name       string `gorm:"type:varchar(256)"`
	IsCommerce bool
}

// ContentItem - пост ленты, увиденный участником.
// ItemPosition уникален в пределах (запуск, участник) и назначается один раз.
type ContentItem struct {
	ItemID          string    `gorm:"primaryKey;type:varchar(32)"`
	RunID           uint      `gorm:"primaryKey;autoIncrement:false;uniqueIndex:idx_item_position,priority:1"`
	ParticipantID   int       `gorm:"primaryKey;autoIncrement:false;uniqueIndex:idx_item_position,priority:2"`
	ItemPosition    int       `gorm:"not null;uniqueIndex:idx_item_position,priority:3"`
	BatchPosition   int       `gorm:"not null"`
	Description     string    `gorm:"type:text"`
	Language        string    `gorm:"type:varchar(8)"`
	URL             string    `gorm:"type:text"`
	DurationSeconds float64
	IsAd            bool
	CreatorID       string  `gorm:"type:varchar(32);index"`
	AudioID         *string `gorm:"type:varchar(32);index"`
	LikeCount       int64
	ShareCount      int64
	CommentCount    int64
	PlayCount       int64
	CreatedAt       time.Time `gorm:"autoCreateTime"`
}

// ItemTag связывает пост и хэштег в рамках запуска.
type ItemTag struct {
	ItemID string `gorm:"primaryKey;type:varchar(32)"`
	TagID  string `gorm:"primaryKey;type:varchar(32)"`
	RunID  uint   `gorm:"primaryKey;autoIncrement:false"`
}

type ActionKind string

const (
	ActionLiked         ActionKind = "liked"
	ActionFollowed      ActionKind = "followed"
	ActionWatchedLonger ActionKind = "watched_longer"
)

// ActionRecord - подтверждённое действие участника над постом.
type ActionRecord struct {
	Kind            ActionKind `gorm:"primaryKey;type:varchar(16)"`
	ItemID          string     `gorm:"primaryKey;type:varchar(32)"`
	RunID           uint       `gorm:"primaryKey;autoIncrement:false"`
	ParticipantID   int        `gorm:"primaryKey;autoIncrement:false"`
	CreatorID       *string    `gorm:"type:varchar(32)"` // Для подписок
	WatchedSeconds  *float64   // Для долгих просмотров
	WatchedFraction *float64
	CreatedAt       time.Time `gorm:"autoCreateTime"`
}

// UnconfirmedItem - пост из сетевого ответа, который так и не был отрисован.
type UnconfirmedItem struct {
	ItemID        string    `gorm:"primaryKey;type:varchar(32)"`
	RunID         uint      `gorm:"primaryKey;autoIncrement:false"`
	ParticipantID int       `gorm:"primaryKey;autoIncrement:false"`
	BatchPosition int
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

// Cookie - сериализуемая копия cookie браузера.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite"`
}

// SessionState хранит cookies участника между запусками.
type SessionState struct {
	ParticipantID int       `gorm:"primaryKey;autoIncrement:false"`
	Cookies       []Cookie  `gorm:"serializer:json;type:text"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

// VerificationState хранит последний принятый код подтверждения.
type VerificationState struct {
	ParticipantID int       `gorm:"primaryKey;autoIncrement:false"`
	PreviousCode  string    `gorm:"type:varchar(16)"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

// Models перечисляет все модели схемы.
func Models() []any {
	return []any{
		&RunID{}, &Run{}, &Proxy{},
		&Creator{}, &AudioTrack{}, &Tag{},
		&ContentItem{}, &ItemTag{}, &ActionRecord{}, &UnconfirmedItem{},
		&SessionState{}, &VerificationState{},
	}
}
