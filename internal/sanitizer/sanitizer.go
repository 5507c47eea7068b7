// Package sanitizer маскирует телефоны, cookies, коды подтверждения и учётные данные перед записью в лог.
package sanitizer

type DataSanitizer struct {
	rules []SanitizerRule
}

type SanitizerRule interface {
	Sanitize(text string) string
}

func New() *DataSanitizer {
	return &DataSanitizer{
		rules: []SanitizerRule{
			&CredentialsSanitizer{},
			&TokenSanitizer{},
			&CookieSanitizer{},
			&CodeSanitizer{},
			&PhoneSanitizer{},
		},
	}
}

func (s *DataSanitizer) Sanitize(text string) string {
	if text == "" {
		return text
	}

	result := text
	for _, rule := range s.rules {
		result = rule.Sanitize(result)
	}

	return result
}

// MaskValue оставляет первые символы значения cookie, остальное скрывает.
func MaskValue(value string) string {
	const keep = 4
	if len(value) <= keep {
		return "[FILTERED]"
	}
	return value[:keep] + "…[FILTERED]"
}
