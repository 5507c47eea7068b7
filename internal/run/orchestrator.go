// Package run выделяет идентификаторы запусков, ведёт их метаданные и запускает сессии участников.
package run

import (
	"context"
	"errors"
	"fmt"

	"feedAudit/internal/database"
	"feedAudit/internal/failure"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrPoolExhausted - в пуле не осталось неиспользованных идентификаторов.
var ErrPoolExhausted = errors.New("пул идентификаторов запусков исчерпан")

// claimAttempts ограничивает повторы при гонке за один и тот же идентификатор.
const claimAttempts = 20

// Participant - участник запуска, как его видит оркестратор.
type Participant struct {
	ID      int
	Country string
	Locale  string
}

type Orchestrator struct {
	conn *database.Conn
	log  *zap.Logger
}

func NewOrchestrator(conn *database.Conn, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{conn: conn, log: log}
}

// BeginRun забирает наименьший свободный идентификатор и создаёт строки Run для участников.
func (o *Orchestrator) BeginRun(ctx context.Context, participants []Participant) (uint, error) {
	if len(participants) == 0 {
		return 0, failure.Contract("begin run", errors.New("нет участников"))
	}

	runID, err := o.claimNextID(ctx)
	if err != nil {
		return 0, err
	}

	for _, p := range participants {
		row := database.Run{
			RunID:         runID,
			ParticipantID: p.ID,
			Country:       p.Country,
			Locale:        p.Locale,
		}
		if err := o.conn.Exec(ctx, "insert run", func(db *gorm.DB) error {
			return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
		}); err != nil {
			return 0, err
		}
	}

	o.log.Info("Запуск создан", zap.Uint("run_id", runID), zap.Int("participants", len(participants)))
	return runID, nil
}

func (o *Orchestrator) claimNextID(ctx context.Context) (uint, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var next database.RunID
		err := o.conn.Exec(ctx, "next run id", func(db *gorm.DB) error {
			return db.Where("used = ?", false).Order("id").Take(&next).Error
		})
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrPoolExhausted
		}
		if err != nil {
			return 0, err
		}

		var affected int64
		err = o.conn.Exec(ctx, "claim run id", func(db *gorm.DB) error {
			res := db.Model(&database.RunID{}).
				Where("id = ? AND used = ?", next.ID, false).
				Update("used", true)
			affected = res.RowsAffected
			return res.Error
		})
		if err != nil {
			return 0, err
		}
		if affected == 1 {
			return next.ID, nil
		}

		o.log.Debug("Идентификатор занят другим процессом", zap.Uint("run_id", next.ID))
	}

	return 0, fmt.Errorf("не удалось занять идентификатор за %d попыток", claimAttempts)
}

// RecordAddress фиксирует адрес, через который фактически открыта сессия.
func (o *Orchestrator) RecordAddress(ctx context.Context, runID uint, participantID int, address string) error {
	return o.update(ctx, "record address", runID, participantID, map[string]any{"address": address})
}

// RecordDuration отмечает успешное завершение сессии.
func (o *Orchestrator) RecordDuration(ctx context.Context, runID uint, participantID int, seconds float64) error {
	return o.update(ctx, "record duration", runID, participantID, map[string]any{"duration_seconds": seconds})
}

// RecordFailure сохраняет класс фатальной ошибки; длительность остаётся пустой.
func (o *Orchestrator) RecordFailure(ctx context.Context, runID uint, participantID int, cause error) error {
	return o.update(ctx, "record failure", runID, participantID, map[string]any{
		"failure_category": failure.CategoryOf(cause).String(),
		"failure_message":  cause.Error(),
	})
}

func (o *Orchestrator) update(ctx context.Context, op string, runID uint, participantID int, fields map[string]any) error {
	var affected int64
	err := o.conn.Exec(ctx, op, func(db *gorm.DB) error {
		res := db.Model(&database.Run{}).
			Where("run_id = ? AND participant_id = ?", runID, participantID).
			Updates(fields)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%s: запуск %d участника %d не найден", op, runID, participantID)
	}
	return nil
}

// SeedIDs пополняет пул идентификаторов диапазоном [from, to].
func (o *Orchestrator) SeedIDs(ctx context.Context, from, to uint) (int, error) {
	if from == 0 || to < from {
		return 0, fmt.Errorf("некорректный диапазон %d..%d", from, to)
	}

	rows := make([]database.RunID, 0, to-from+1)
	for id := from; id <= to; id++ {
		rows = append(rows, database.RunID{ID: id})
	}

	var inserted int64
	err := o.conn.Exec(ctx, "seed run ids", func(db *gorm.DB) error {
		res := db.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&rows, 500)
		inserted = res.RowsAffected
		return res.Error
	})
	return int(inserted), err
}
