package utils

import (
	"strings"
	"unicode/utf8"
)

const maxSubscriberNameLength = 256

// forbiddenNameCharacters would allow header or template injection through a
// subscriber-controlled field.
var forbiddenNameCharacters = []rune{'/', '(', ')', '"', '<', '>', '\\', '{', '}'}

// ValidateEmail applies the same checks the signup form applies: non-empty,
// bounded, exactly one '@' with a local part and a domain.
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" || utf8.RuneCountInString(email) > 320 {
		return ErrInvalidEmail
	}

	at := strings.Index(email, "@")
	if at <= 0 || at != strings.LastIndex(email, "@") || at == len(email)-1 {
		return ErrInvalidEmail
	}
	if strings.ContainsAny(email, " \t\r\n") {
		return ErrInvalidEmail
	}
	domain := email[at+1:]
	if !strings.Contains(domain, ".") {
		return ErrInvalidEmail
	}

	return nil
}

func ValidateSubscriberName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || utf8.RuneCountInString(name) > maxSubscriberNameLength {
		return ErrInvalidSubscriberName
	}
	for _, forbidden := range forbiddenNameCharacters {
		if strings.ContainsRune(name, forbidden) {
			return ErrInvalidSubscriberName
		}
	}
	return nil
}
