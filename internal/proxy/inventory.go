package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"feedAudit/internal/database"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Inventory - список адресов у поставщика прокси.
type Inventory interface {
	List(ctx context.Context) ([]Address, error)
}

// WebshareInventory читает постраничный список прокси поставщика.
type WebshareInventory struct {
	url    string
	token  string
	client *http.Client
}

func NewWebshareInventory(url, token string) *WebshareInventory {
	return &WebshareInventory{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type webshareProxy struct {
	Address     string `json:"proxy_address"`
	Port        int    `json:"port"`
	CountryCode string `json:"country_code"`
	Valid       bool   `json:"valid"`
}

type websharePage struct {
	Next    *string         `json:"next"`
	Results []webshareProxy `json:"results"`
}

// maxInventoryPages ограничивает обход страниц списка.
const maxInventoryPages = 100

func (w *WebshareInventory) List(ctx context.Context) ([]Address, error) {
	var out []Address
	next := w.url

	for page := 0; next != "" && page < maxInventoryPages; page++ {
		body, err := w.fetch(ctx, next)
		if err != nil {
			return nil, err
		}

		for _, p := range body.Results {
			if !p.Valid {
				continue
			}
			out = append(out, Address{Host: p.Address, Port: p.Port, Country: p.CountryCode})
		}

		next = ""
		if body.Next != nil {
			next = *body.Next
		}
	}

	return out, nil
}

func (w *WebshareInventory) fetch(ctx context.Context, url string) (*websharePage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+w.token)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("запрос списка прокси: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("список прокси: статус %d", resp.StatusCode)
	}

	var page websharePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("разбор списка прокси: %w", err)
	}
	return &page, nil
}

type ReconcileReport struct {
	Added   int
	Removed int
	Kept    int // Отсутствуют у поставщика, но сейчас заняты
}

// ReconcileAgainstUpstream добавляет новые адреса поставщика и удаляет исчезнувшие.
// Занятые адреса не удаляются. Запускается как обслуживание, не во время сессии.
func (m *Manager) ReconcileAgainstUpstream(ctx context.Context, inv Inventory) (ReconcileReport, error) {
	var report ReconcileReport

	upstream, err := inv.List(ctx)
	if err != nil {
		return report, fmt.Errorf("список поставщика: %w", err)
	}

	var local []database.Proxy
	if err := m.conn.Exec(ctx, "list local proxies", func(db *gorm.DB) error {
		return db.Find(&local).Error
	}); err != nil {
		return report, err
	}

	upstreamSet := make(map[string]bool, len(upstream))
	for _, a := range upstream {
		upstreamSet[a.String()] = true
	}
	localSet := make(map[string]bool, len(local))
	for _, p := range local {
		localSet[Address{Host: p.Host, Port: p.Port}.String()] = true
	}

	for _, a := range upstream {
		if localSet[a.String()] {
			continue
		}
		row := database.Proxy{Host: a.Host, Port: a.Port, Country: a.Country}
		if err := m.conn.Exec(ctx, "add proxy", func(db *gorm.DB) error {
			return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
		}); err != nil {
			return report, err
		}
		report.Added++
	}

	for _, p := range local {
		addr := Address{Host: p.Host, Port: p.Port, Country: p.Country}
		if upstreamSet[addr.String()] {
			continue
		}

		var affected int64
		if err := m.conn.Exec(ctx, "remove proxy", func(db *gorm.DB) error {
			res := db.Where("host = ? AND port = ? AND claimed = ?", p.Host, p.Port, false).Delete(&database.Proxy{})
			affected = res.RowsAffected
			return res.Error
		}); err != nil {
			return report, err
		}

		if affected == 0 {
			report.Kept++
			continue
		}
		report.Removed++
	}

	m.log.Info("Пул прокси сверен с поставщиком",
		zap.Int("added", report.Added),
		zap.Int("removed", report.Removed),
		zap.Int("kept_claimed", report.Kept),
	)
	return report, nil
}
