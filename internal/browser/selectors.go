package browser

import (
	"fmt"
	"regexp"
	"strings"
)

// Selectors - селекторы платформы. Поля с %q подставляют локализованный текст.
type Selectors struct {
	DesktopLayout  string
	VerifyOverlay  string
	LoginButton    string
	PhoneOption    string
	PrefixDropdown string
	PrefixItem     string
	PhoneInput     string
	SendCode       string
	LoginChallenge string
	CodeInput      string
	SubmitCode     string
	CodeError      string
	ResendCode     string
}

func DefaultSelectors() Selectors {
	return Selectors{
		DesktopLayout:  `html[pc="yes"], [data-e2e="recommend-list-item-container"]`,
		VerifyOverlay:  `#tiktok-verify-ele, #captcha_container`,
		LoginButton:    `#header-login-button, button:has-text(%q)`,
		PhoneOption:    `[data-e2e="channel-item"]:has-text(%q)`,
		PrefixDropdown: `form [class*="DivAreaSelectionContainer"], form [class*="country-selector"]`,
		PrefixItem:     `ul[role="listbox"] li:has-text(%q)`,
		PhoneInput:     `input[placeholder=%q]`,
		SendCode:       `form button:has-text(%q)`,
		LoginChallenge: `#login_slide, #captcha_container`,
		CodeInput:      `input[placeholder*=%q]`,
		SubmitCode:     `form button[type="submit"], [data-e2e="login-button"]`,
		CodeError:      `form [type="error"], form div[class*="DivTextContainer"][class*="error"]`,
		ResendCode:     `form button:has-text(%q)`,
	}
}

// LoginTexts - подписи элементов входа на языке интерфейса.
type LoginTexts struct {
	LoginButton      string
	PhoneOption      string
	PhonePlaceholder string
	CodePlaceholder  string
	SendCode         string
	ResendCode       string
}

var loginTexts = map[string]LoginTexts{
	"en": {
		LoginButton:      "Log in",
		PhoneOption:      "Use phone / email / username",
		PhonePlaceholder: "Phone number",
		CodePlaceholder:  "digit code",
		SendCode:         "Send code",
		ResendCode:       "Resend code",
	},
	"de": {
		LoginButton:      "Anmelden",
		PhoneOption:      "Telefonnr./E-Mail/Benutzernamen nutzen",
		PhonePlaceholder: "Telefonnummer",
		CodePlaceholder:  "Code",
		SendCode:         "Code senden",
		ResendCode:       "Code erneut senden",
	},
	"es": {
		LoginButton:      "Iniciar sesión",
		PhoneOption:      "Usar teléfono/correo/nombre de usuario",
		PhonePlaceholder: "Número de teléfono",
		CodePlaceholder:  "código",
		SendCode:         "Enviar código",
		ResendCode:       "Reenviar código",
	},
	"fr": {
		LoginButton:      "Connexion",
		PhoneOption:      "Utiliser téléphone/e-mail/nom d'utilisateur",
		PhonePlaceholder: "Numéro de téléphone",
		CodePlaceholder:  "code",
		SendCode:         "Envoyer le code",
		ResendCode:       "Renvoyer le code",
	},
}

// TextsFor возвращает подписи для локали вида "de" или "de-DE"; неизвестный язык - английский.
func TextsFor(locale string) LoginTexts {
	lang := strings.ToLower(locale)
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if texts, ok := loginTexts[lang]; ok {
		return texts
	}
	return loginTexts["en"]
}

func withText(selector, text string) string {
	if !strings.Contains(selector, "%q") {
		return selector
	}
	return fmt.Sprintf(selector, text)
}

var (
	colonSpacePattern = regexp.MustCompile(`^([a-zA-Z][\w.\-#\[\]="']*):\s+(.+)$`)
	containsPattern   = regexp.MustCompile(`:contains\((?:"([^"]*)"|'([^']*)'|([^)]*))\)`)
)

// NormalizeSelector приводит селекторы классификатора к синтаксису Playwright:
// jQuery :contains() становится :has-text(), а "button: Текст" - button:has-text("Текст").
func NormalizeSelector(selector string) (string, bool) {
	normalized := strings.TrimSpace(selector)
	changed := normalized != selector

	if m := colonSpacePattern.FindStringSubmatch(normalized); m != nil {
		normalized = fmt.Sprintf("%s:has-text(%q)", m[1], strings.TrimSpace(m[2]))
		changed = true
	}

	normalized = containsPattern.ReplaceAllStringFunc(normalized, func(match string) string {
		changed = true
		m := containsPattern.FindStringSubmatch(match)
		text := m[1] + m[2] + strings.TrimSpace(m[3])
		return fmt.Sprintf(":has-text(%q)", text)
	})

	return normalized, changed
}

// ValidateSelector отсекает пустые селекторы и URL, которые классификатор иногда возвращает вместо селектора.
func ValidateSelector(selector string) error {
	trimmed := strings.TrimSpace(selector)
	if trimmed == "" {
		return fmt.Errorf("селектор не может быть пустым")
	}
	if strings.Contains(trimmed, "://") {
		return fmt.Errorf("селектор не может быть URL: %s", selector)
	}
	return nil
}
