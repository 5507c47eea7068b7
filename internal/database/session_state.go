package database

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaveSessionState сохраняет cookies участника: вставка в первый раз, обновление далее.
func (s *Store) SaveSessionState(ctx context.Context, participantID int, cookies []Cookie) error {
	state := SessionState{ParticipantID: participantID, Cookies: cookies}
	return s.conn.Exec(ctx, "save session state", func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "participant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"cookies", "updated_at"}),
		}).Create(&state).Error
	})
}

// LoadSessionState возвращает сохранённые cookies; nil, если их ещё нет.
func (s *Store) LoadSessionState(ctx context.Context, participantID int) ([]Cookie, error) {
	var state SessionState
	err := s.conn.Exec(ctx, "load session state", func(db *gorm.DB) error {
		return db.Where("participant_id = ?", participantID).Take(&state).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state.Cookies, nil
}

// PreviousCode возвращает последний принятый код подтверждения участника.
func (s *Store) PreviousCode(ctx context.Context, participantID int) (string, error) {
	var state VerificationState
	err := s.conn.Exec(ctx, "previous code", func(db *gorm.DB) error {
		return db.Where("participant_id = ?", participantID).Take(&state).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return state.PreviousCode, nil
}

func (s *Store) SaveCode(ctx context.Context, participantID int, code string) error {
	state := VerificationState{ParticipantID: participantID, PreviousCode: code}
	return s.conn.Exec(ctx, "save code", func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "participant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"previous_code", "updated_at"}),
		}).Create(&state).Error
	})
}
