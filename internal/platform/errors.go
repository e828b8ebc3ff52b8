package platform

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrAccountTokenMissing is returned when credential recovery is needed but
// no account-level token has been linked.
var ErrAccountTokenMissing = errors.New("platform: account token not configured")

// Category is the classifier's verdict for a remote error.
type Category string

const (
	CategoryExpiredSession    Category = "expired_session"
	CategoryInvalidCredential Category = "invalid_credential"
	CategoryValidation        Category = "validation"
	CategoryPermission        Category = "permission"
	CategoryUnknown           Category = "unknown"
)

// Description returns operator-facing text for the category.
func (c Category) Description() string {
	switch c {
	case CategoryExpiredSession:
		return "The access token has expired. Re-link the account to continue."
	case CategoryInvalidCredential:
		return "The access token is invalid or was revoked."
	case CategoryValidation:
		return "The platform rejected the request parameters."
	case CategoryPermission:
		return "The account lacks permission for this operation."
	default:
		return "The platform returned an unexpected error."
	}
}

// APIError is the structured error body returned by the platform.
type APIError struct {
	Status    int    `json:"-"`
	Operation string `json:"-"`
	Code      int    `json:"code"`
	Subcode   int    `json:"error_subcode"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	TraceID   string `json:"fbtrace_id"`
}

func (e *APIError) Error() string {
	var b strings.Builder
	if e.Operation != "" {
		b.WriteString(e.Operation)
		b.WriteString(": ")
	}
	fmt.Fprintf(&b, "platform error %d", e.Status)
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d", e.Code)
		if e.Subcode != 0 {
			fmt.Fprintf(&b, "/%d", e.Subcode)
		}
		b.WriteString(")")
	}
	if e.Type != "" {
		b.WriteString(" ")
		b.WriteString(e.Type)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// parseAPIError builds an APIError from a non-2xx response body. Bodies that
// are not in the platform's error envelope keep their text as the message.
func parseAPIError(operation string, status int, body []byte) *APIError {
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		envelope.Error.Status = status
		envelope.Error.Operation = operation
		return envelope.Error
	}
	return &APIError{Status: status, Operation: operation, Message: strings.TrimSpace(string(body))}
}

var (
	expiredPhrases = []string{
		"session has expired",
		"token has expired",
	}
	invalidPhrases = []string{
		"error validating access token",
		"invalid oauth",
		"invalid access token",
		"the session is invalid",
		"session has been invalidated",
		"has not authorized application",
		"malformed access token",
	}
	permissionPhrases = []string{
		"permission",
		"not authorized",
		"requires the",
	}
	validationPhrases = []string{
		"invalid parameter",
		"unsupported get request",
		"tried accessing nonexisting field",
		"param ",
	}
)

// Classify inspects err, structured or plain text, and returns its category.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 190 && (apiErr.Subcode == 463 || apiErr.Subcode == 467):
			if apiErr.Subcode == 463 {
				return CategoryExpiredSession
			}
			return CategoryInvalidCredential
		case apiErr.Code == 102:
			return CategoryExpiredSession
		case apiErr.Code == 190:
			if strings.Contains(strings.ToLower(apiErr.Message), "expired") {
				return CategoryExpiredSession
			}
			return CategoryInvalidCredential
		case apiErr.Code == 10 || (apiErr.Code >= 200 && apiErr.Code < 300):
			return CategoryPermission
		case apiErr.Code == 100:
			return CategoryValidation
		}
	}

	text := strings.ToLower(err.Error())
	switch {
	case containsAny(text, expiredPhrases):
		return CategoryExpiredSession
	case containsAny(text, invalidPhrases):
		return CategoryInvalidCredential
	case strings.Contains(text, "expired"):
		return CategoryExpiredSession
	case containsAny(text, permissionPhrases):
		return CategoryPermission
	case containsAny(text, validationPhrases):
		return CategoryValidation
	}
	if apiErr != nil && apiErr.Status == 400 {
		return CategoryValidation
	}
	return CategoryUnknown
}

// IsCredentialError reports whether err means the stored credential must be
// refreshed before the call can succeed.
func IsCredentialError(err error) bool {
	switch Classify(err) {
	case CategoryExpiredSession, CategoryInvalidCredential:
		return true
	default:
		return false
	}
}

func containsAny(text string, phrases []string) bool {
	for _, phrase := range phrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}
