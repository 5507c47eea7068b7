// Package proxy управляет пулом адресов выхода: выдача, освобождение, блокировка и сверка с поставщиком.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"feedAudit/internal/database"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNoneAvailable - для страны нет свободного незаблокированного адреса.
var ErrNoneAvailable = errors.New("нет свободных прокси")

// claimCandidates - сколько кандидатов проверять за одну попытку захвата.
const claimCandidates = 10

type Address struct {
	Host    string
	Port    int
	Country string
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Address) IsZero() bool {
	return a.Host == ""
}

// Server возвращает адрес прокси в формате для браузера.
func (a Address) Server() string {
	return "http://" + a.String()
}

type Manager struct {
	conn *database.Conn
	log  *zap.Logger
	now  func() time.Time
}

func NewManager(conn *database.Conn, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{conn: conn, log: log, now: time.Now}
}

// Claim атомарно занимает свободный адрес страны за участником.
// Захват выполняется условным UPDATE, поэтому безопасен между процессами.
// Если все кандидаты перехвачены другими процессами, список запрашивается заново,
// пока свободные адреса не закончатся.
func (m *Manager) Claim(ctx context.Context, country string, participantID int) (Address, error) {
	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return Address{}, err
		}

		candidates, err := m.candidates(ctx, country)
		if err != nil {
			return Address{}, err
		}
		if len(candidates) == 0 {
			return Address{}, fmt.Errorf("%w для страны %s", ErrNoneAvailable, country)
		}

		for _, c := range candidates {
			won, err := m.tryClaim(ctx, c, participantID)
			if err != nil {
				return Address{}, err
			}
			if won {
				addr := Address{Host: c.Host, Port: c.Port, Country: c.Country}
				m.log.Info("Прокси занят",
					zap.String("address", addr.String()),
					zap.String("country", country),
					zap.Int("participant_id", participantID),
				)
				return addr, nil
			}
		}
		m.log.Debug("Все кандидаты заняты другими процессами", zap.String("country", country), zap.Int("round", round))
	}
}

func (m *Manager) candidates(ctx context.Context, country string) ([]database.Proxy, error) {
	var candidates []database.Proxy
	err := m.conn.Exec(ctx, "list proxies", func(db *gorm.DB) error {
		return db.Where("country = ? AND blocked = ? AND claimed = ?", country, false, false).
			Order("last_used_at ASC NULLS FIRST").
			Order("host").
			Limit(claimCandidates).
			Find(&candidates).Error
	})
	return candidates, err
}

func (m *Manager) tryClaim(ctx context.Context, p database.Proxy, participantID int) (bool, error) {
	var affected int64
	err := m.conn.Exec(ctx, "claim proxy", func(db *gorm.DB) error {
		res := db.Model(&database.Proxy{}).
			Where("host = ? AND port = ? AND claimed = ? AND blocked = ?", p.Host, p.Port, false, false).
			Updates(map[string]any{
				"claimed":  true,
				"claimant": participantID,
			})
		affected = res.RowsAffected
		return res.Error
	})
	return affected == 1, err
}

// Release освобождает адрес и отмечает время использования.
func (m *Manager) Release(ctx context.Context, addr Address) error {
	now := m.now()
	err := m.conn.Exec(ctx, "release proxy", func(db *gorm.DB) error {
		return db.Model(&database.Proxy{}).
			Where("host = ? AND port = ?", addr.Host, addr.Port).
			Updates(map[string]any{
				"claimed":      false,
				"claimant":     nil,
				"last_used_at": now,
			}).Error
	})
	if err != nil {
		return err
	}

	m.log.Info("Прокси освобождён", zap.String("address", addr.String()))
	return nil
}

// Block исключает адрес из дальнейшей выдачи.
func (m *Manager) Block(ctx context.Context, addr Address) error {
	now := m.now()
	err := m.conn.Exec(ctx, "block proxy", func(db *gorm.DB) error {
		return db.Model(&database.Proxy{}).
			Where("host = ? AND port = ?", addr.Host, addr.Port).
			Updates(map[string]any{
				"blocked":      true,
				"claimed":      false,
				"claimant":     nil,
				"last_used_at": now,
			}).Error
	})
	if err != nil {
		return err
	}

	m.log.Warn("Прокси заблокирован", zap.String("address", addr.String()), zap.String("country", addr.Country))
	return nil
}
