package capture

import (
	"sync"

	"feedAudit/internal/database"
	"feedAudit/internal/feed"
)

type actionKey struct {
	kind   database.ActionKind
	itemID string
}

// Arena - типизированное состояние одной сессии участника, индексированное по посту.
// Позиция назначается один раз, когда пост стал текущим и его данные получены,
// поэтому позиции идут подряд без пропусков.
type Arena struct {
	runID         uint
	participantID int

	mu        sync.Mutex
	order     []string
	positions map[string]database.Positions
	failed    map[string]bool
	actions   []database.ActionRecord
	acted     map[actionKey]bool
}

func NewArena(runID uint, participantID int) *Arena {
	return &Arena{
		runID:         runID,
		participantID: participantID,
		positions:     make(map[string]database.Positions),
		failed:        make(map[string]bool),
		acted:         make(map[actionKey]bool),
	}
}

func (a *Arena) RunID() uint        { return a.runID }
func (a *Arena) ParticipantID() int { return a.participantID }

func (a *Arena) Seen(itemID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.positions[itemID]
	return ok
}

// Failed сообщает, что данные поста получить не удалось.
func (a *Arena) Failed(itemID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failed[itemID]
}

func (a *Arena) MarkFailed(itemID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed[itemID] = true
}

// Confirm назначает посту следующую позицию. Повторное подтверждение ничего не меняет.
func (a *Arena) Confirm(item feed.Item, batch int) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if pos, ok := a.positions[item.ID]; ok {
		return pos.Item, false
	}
	pos := database.Positions{Item: len(a.order) + 1, Batch: batch}
	a.positions[item.ID] = pos
	a.order = append(a.order, item.ID)
	return pos.Item, true
}

func (a *Arena) Position(itemID string) (database.Positions, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pos, ok := a.positions[itemID]
	return pos, ok
}

// Confirmed возвращает подтверждённые посты в порядке позиций.
func (a *Arena) Confirmed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.order...)
}

// RecordAction запоминает подтверждённое действие. Повтор для того же (тип, пост) отклоняется.
func (a *Arena) RecordAction(rec database.ActionRecord) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := actionKey{kind: rec.Kind, itemID: rec.ItemID}
	if a.acted[key] {
		return false
	}
	if rec.RunID == 0 {
		rec.RunID = a.runID
	}
	if rec.ParticipantID == 0 {
		rec.ParticipantID = a.participantID
	}
	a.acted[key] = true
	a.actions = append(a.actions, rec)
	return true
}

func (a *Arena) HasAction(kind database.ActionKind, itemID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acted[actionKey{kind: kind, itemID: itemID}]
}

func (a *Arena) Actions() []database.ActionRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]database.ActionRecord(nil), a.actions...)
}

var _ feed.Ledger = (*Arena)(nil)
