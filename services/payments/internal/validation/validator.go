package validation

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "invalid request"
	}
	return fmt.Sprintf("invalid request: %s %s", v[0].Field, v[0].Message)
}

// Telegram usernames: 5 to 32 characters, a letter first, then letters,
// digits or underscores.
var usernamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{4,31}$`)

var orderStatuses = []string{"pending", "paid", "completed", "failed", "expired", "refunded"}

// NormalizeRecipient trims whitespace and a leading @.
func NormalizeRecipient(raw string) string {
	return strings.TrimPrefix(strings.TrimSpace(raw), "@")
}

func ValidateOrderRequest(recipient string, duration int) ValidationErrors {
	var errs ValidationErrors

	recipient = NormalizeRecipient(recipient)
	if recipient == "" {
		errs = append(errs, FieldError{Field: "recipient", Message: "recipient is required"})
	} else if !usernamePattern.MatchString(recipient) {
		errs = append(errs, FieldError{Field: "recipient", Message: "recipient must be a telegram username"})
	}

	if duration <= 0 {
		errs = append(errs, FieldError{Field: "duration", Message: "duration must be a positive number of months"})
	}
	return errs
}

// NormalizeStatus lowercases a status filter; an empty filter is valid.
func NormalizeStatus(raw string) (string, error) {
	status := strings.ToLower(strings.TrimSpace(raw))
	if status == "" || slices.Contains(orderStatuses, status) {
		return status, nil
	}
	return "", ValidationErrors{{Field: "status", Message: "unknown order status"}}
}
