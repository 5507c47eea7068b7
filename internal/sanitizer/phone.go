package sanitizer

import "regexp"

// PhoneSanitizer скрывает номер, оставляя две последние цифры для сверки в логах.
type PhoneSanitizer struct{}

var phonePattern = regexp.MustCompile(`\+?\d[\d\s\-().]{6,}(\d{2})`)

func (s *PhoneSanitizer) Sanitize(text string) string {
	return phonePattern.ReplaceAllString(text, `[FILTERED_PHONE]${1}`)
}
