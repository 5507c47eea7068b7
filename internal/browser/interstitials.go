package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"feedAudit/internal/failure"

	"go.uber.org/zap"
)

// Banner - известное окно платформы, перекрывающее ленту.
type Banner struct {
	Name    string
	Marker  string // По нему окно обнаруживается
	Dismiss string // Кнопка, закрывающая окно
}

func DefaultBanners() []Banner {
	return []Banner{
		{
			Name:    "signup",
			Marker:  `#login-modal, [data-e2e="login-modal"]`,
			Dismiss: `[data-e2e="modal-close-inner-button"]`,
		},
		{
			Name:    "keyboard_shortcuts",
			Marker:  `[class*="DivKeyboardShortcutContainer"]`,
			Dismiss: `[class*="DivKeyboardShortcutContainer"] [class*="DivXMarkWrapper"]`,
		},
		{
			Name:    "cookie_banner",
			Marker:  `tiktok-cookie-banner, [class*="cookie-banner"]`,
			Dismiss: `[class*="cookie-banner"] button >> nth=-1`,
		},
		{
			Name:    "push_permission",
			Marker:  `[class*="push-permission"]`,
			Dismiss: `[class*="push-permission"] button:not(:has-text("Allow"))`,
		},
		{
			Name:    "privacy_banner",
			Marker:  `[class*="universal-banner-fixed"]`,
			Dismiss: `[class*="universal-banner-fixed"] [class*="close"]`,
		},
	}
}

// PopupDetector ищет кнопку закрытия окна, которого нет среди известных баннеров.
type PopupDetector interface {
	DetectPopup(ctx context.Context, snapshot *PageSnapshot) (*PopupInfo, error)
}

type PopupInfo struct {
	HasPopup         bool   `json:"has_popup"`
	CloseSelector    string `json:"close_selector"`
	PopupDescription string `json:"popup_description"`
	Reasoning        string `json:"reasoning"`
}

// LLMClient - классификатор, которому передаются элементы открытых диалогов в JSON.
type LLMClient interface {
	AnalyzePopup(ctx context.Context, elements string) (*PopupInfo, error)
}

type LLMPopupDetector struct {
	llmClient LLMClient
}

func NewLLMPopupDetector(llmClient LLMClient) *LLMPopupDetector {
	return &LLMPopupDetector{llmClient: llmClient}
}

func (d *LLMPopupDetector) DetectPopup(ctx context.Context, snapshot *PageSnapshot) (*PopupInfo, error) {
	if snapshot == nil || len(snapshot.Elements) == 0 {
		return &PopupInfo{HasPopup: false}, nil
	}

	elementsJSON, err := json.Marshal(snapshot.Elements)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal elements: %w", err)
	}

	return d.llmClient.AnalyzePopup(ctx, string(elementsJSON))
}

// DismissInterstitials закрывает известные баннеры, затем спрашивает классификатор об оставшихся окнах.
// Неудачное закрытие не прерывает сессию. Возвращает число закрытых окон.
func (s *Session) DismissInterstitials(ctx context.Context) (int, error) {
	dismissed := 0

	for _, banner := range DefaultBanners() {
		if err := ctx.Err(); err != nil {
			return dismissed, err
		}

		p, err := s.driver.Probe(ctx, banner.Marker)
		if p != Found {
			if p == Transient {
				s.log.Debug("Не удалось проверить баннер", zap.String("banner", banner.Name), zap.Error(err))
			}
			continue
		}

		if err := s.step(ctx, func() error { return s.driver.Click(ctx, banner.Dismiss) }); err != nil {
			s.log.Warn("Не удалось закрыть баннер", zap.String("banner", banner.Name), zap.Error(err))
			continue
		}
		dismissed++
		s.log.Debug("Баннер закрыт", zap.String("banner", banner.Name))
	}

	if s.detector == nil {
		return dismissed, nil
	}
	if s.dismissDetected(ctx) {
		dismissed++
	}
	return dismissed, nil
}

func (s *Session) dismissDetected(ctx context.Context) bool {
	snapshot, err := s.driver.OverlaySnapshot(ctx)
	if err != nil {
		s.log.Debug("Snapshot недоступен", zap.Error(err))
		return false
	}

	info, err := s.detector.DetectPopup(ctx, snapshot)
	if err != nil {
		s.log.Warn("Классификатор окон недоступен", zap.Error(err))
		return false
	}
	if !info.HasPopup || info.CloseSelector == "" {
		return false
	}

	if err := ValidateSelector(info.CloseSelector); err != nil {
		s.log.Warn("Классификатор вернул невалидный селектор", zap.Error(err))
		return false
	}
	selector, _ := NormalizeSelector(info.CloseSelector)

	if p, _ := s.driver.Probe(ctx, selector); p != Found {
		return false
	}
	if err := s.driver.Click(ctx, selector); err != nil {
		s.log.Warn("Не удалось закрыть окно", zap.String("popup", info.PopupDescription), zap.Error(err))
		return false
	}

	s.log.Info("Окно закрыто", zap.String("popup", info.PopupDescription))
	_ = failure.Sleep(ctx, s.cfg.ProbeDelay)
	return true
}
