package utils

import (
	"fmt"
	"regexp"
	"time"
)

var (
	fieldNameRegex  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	documentIDRegex = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,128}$`)
	controlRegex    = regexp.MustCompile(`[\x00-\x1f\x7f]`)
)

// ValidateFieldName checks that a document field name is a plain identifier
func ValidateFieldName(name string) error {
	if !fieldNameRegex.MatchString(name) {
		return fmt.Errorf("invalid field name: %q", name)
	}
	return nil
}

// ValidateDocumentID checks a document ID taken from user input
func ValidateDocumentID(id string) error {
	if !documentIDRegex.MatchString(id) {
		return fmt.Errorf("invalid document id: %q", id)
	}
	return nil
}

// ValidateISODate checks a YYYY-MM-DD calendar date
func ValidateISODate(date string) error {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("invalid date %q, expected YYYY-MM-DD", date)
	}
	return nil
}

// SanitizeString removes control characters
func SanitizeString(s string) string {
	return controlRegex.ReplaceAllString(s, "")
}
