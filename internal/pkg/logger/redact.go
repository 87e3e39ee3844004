package logger

import "strings"

// keptLocalRunes is how much of the local part survives redaction.
const keptLocalRunes = 2

// RedactEmail masks the local part of an address, keeping its first two
// characters when it is longer than that, and keeps the domain so delivery
// problems can still be grouped by provider. The domain is lowercased to
// match the normalized form stored on queue records.
//
//	"John.Doe@Example.com" -> "Jo***@example.com"
//	"ab@example.com"       -> "***@example.com"
func RedactEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "***@***"
	}
	local, domain := []rune(email[:at]), strings.ToLower(email[at+1:])
	if len(local) <= keptLocalRunes {
		return "***@" + domain
	}
	return string(local[:keptLocalRunes]) + "***@" + domain
}
