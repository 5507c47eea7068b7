package sanitizer

import "regexp"

// CodeSanitizer скрывает коды подтверждения в тексте SMS.
type CodeSanitizer struct{}

var codePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(\bcode\b\D{0,12})\d{4,6}\b`),
	regexp.MustCompile(`(?i)(\buse\s+)\d{4,6}(\s+as\b)`),
}

func (s *CodeSanitizer) Sanitize(text string) string {
	text = codePatterns[0].ReplaceAllString(text, `${1}[FILTERED_CODE]`)
	return codePatterns[1].ReplaceAllString(text, `${1}[FILTERED_CODE]${2}`)
}
