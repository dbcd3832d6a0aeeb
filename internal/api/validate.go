package api

import (
	"regexp"
	"unicode/utf8"
)

// maxHandleLen bounds a dialable handle (extension, number or SIP user).
const maxHandleLen = 64

// maxSecretLen bounds passwords and tokens.
const maxSecretLen = 4096

// maxURLLen is the maximum length for URL fields.
const maxURLLen = 2048

// handleRe accepts extensions, E.164 numbers and SIP user parts.
var handleRe = regexp.MustCompile(`^\+?[A-Za-z0-9._*#-]+$`)

// validateStringLen checks that a string does not exceed maxLen characters.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateHandle checks a dialable handle.
func validateHandle(field, value string) string {
	if msg := validateRequiredStringLen(field, value, maxHandleLen); msg != "" {
		return msg
	}
	if !handleRe.MatchString(value) {
		return field + " contains invalid characters"
	}
	return ""
}
