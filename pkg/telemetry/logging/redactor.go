package logging

import (
	"regexp"
	"strings"

	"mercator-hq/costgate/pkg/config"
)

// Redactor redacts PII from log fields. Patterns apply in a fixed order.
type Redactor struct {
	patterns []*redactPattern
}

// redactPattern is a compiled regex with either a replacement template or
// a mask function.
type redactPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
	mask        func(string) string
}

// Built-in pattern names.
const (
	PatternAPIKey      = "api_key"
	PatternBearerToken = "bearer_token"
	PatternPassword    = "password"
	PatternEmail       = "email"
	PatternCreditCard  = "credit_card"
	PatternPhone       = "phone"
)

// NewRedactor creates a Redactor with the built-in patterns followed by
// custom ones. Custom patterns that fail to compile are skipped; config
// validation reports them.
func NewRedactor(custom []config.RedactPattern) *Redactor {
	r := &Redactor{}
	r.addDefaultPatterns()

	for _, p := range custom {
		regex, err := regexp.Compile(p.Pattern)
		if err != nil {
			continue
		}
		r.patterns = append(r.patterns, &redactPattern{
			name:        p.Name,
			regex:       regex,
			replacement: p.Replacement,
		})
	}
	return r
}

func (r *Redactor) addDefaultPatterns() {
	r.patterns = append(r.patterns,
		// Secrets first so their digits are not mistaken for phone numbers.
		&redactPattern{
			name:        PatternAPIKey,
			regex:       regexp.MustCompile(`\b(sk|pk|rk)[-_](live[-_]|test[-_])?[a-zA-Z0-9]{8,}`),
			replacement: "${1}-***",
		},
		&redactPattern{
			name:        PatternBearerToken,
			regex:       regexp.MustCompile(`Bearer\s+[a-zA-Z0-9\-._~+/]+=*`),
			replacement: "Bearer ***",
		},
		&redactPattern{
			name:        PatternPassword,
			regex:       regexp.MustCompile(`(password|passwd|pwd)[:=]\s*[^\s&]+`),
			replacement: "$1=***",
		},
		&redactPattern{
			name:  PatternEmail,
			regex: regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
			mask:  RedactEmail,
		},
		&redactPattern{
			name:  PatternCreditCard,
			regex: regexp.MustCompile(`\b\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{1,4}\b`),
			mask:  RedactCreditCard,
		},
		&redactPattern{
			name:  PatternPhone,
			regex: regexp.MustCompile(`\+\d{8,15}\b|(?:\(\d{3}\)\s?|\b\d{3}[-.\s])\d{3}[-.\s]\d{4}\b`),
			mask:  RedactPhone,
		},
	)
}

// RedactString redacts PII from a string value.
func (r *Redactor) RedactString(value string) string {
	if r == nil || value == "" {
		return value
	}
	for _, p := range r.patterns {
		if p.mask != nil {
			value = p.regex.ReplaceAllStringFunc(value, p.mask)
			continue
		}
		value = p.regex.ReplaceAllString(value, p.replacement)
	}
	return value
}

// RedactArgs redacts PII from variadic log arguments in key, value order.
func (r *Redactor) RedactArgs(args ...any) []any {
	if r == nil || len(args) == 0 {
		return args
	}

	redacted := make([]any, len(args))
	copy(redacted, args)

	for i := 1; i < len(redacted); i += 2 {
		if key, ok := redacted[i-1].(string); ok && r.isSensitiveKey(key) {
			if s, ok := redacted[i].(string); ok {
				redacted[i] = r.redactValue(s)
			} else {
				redacted[i] = "***"
			}
			continue
		}
		if s, ok := redacted[i].(string); ok {
			redacted[i] = r.RedactString(s)
		}
	}
	return redacted
}

var sensitiveKeys = []string{
	"password", "passwd", "pwd",
	"secret", "token", "api_key", "apikey",
	"authorization", "dsn",
	"credit_card", "creditcard",
	"private_key", "privatekey",
}

// isSensitiveKey reports whether a key name indicates a secret.
func (r *Redactor) isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// redactValue keeps a four character hint of a secret.
func (r *Redactor) redactValue(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return "***"
	}
	return v[:4] + "***"
}

// RedactEmail keeps the first character and the domain.
func RedactEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return email
	}
	if at == 0 {
		return "***" + email[at:]
	}
	return email[:1] + "***" + email[at:]
}

// RedactPhone keeps the last four digits.
func RedactPhone(phone string) string {
	digits := make([]byte, 0, len(phone))
	for i := 0; i < len(phone); i++ {
		if phone[i] >= '0' && phone[i] <= '9' {
			digits = append(digits, phone[i])
		}
	}
	if len(digits) <= 4 {
		return "***"
	}
	return "***" + string(digits[len(digits)-4:])
}

// RedactCreditCard keeps the last four digits.
func RedactCreditCard(cc string) string {
	cleaned := strings.NewReplacer(" ", "", "-", "").Replace(cc)
	if len(cleaned) < 13 || len(cleaned) > 16 {
		return cc
	}
	return "****-****-****-" + cleaned[len(cleaned)-4:]
}
