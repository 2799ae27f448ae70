package githubapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cam3ron2/repo-insights/internal/apperr"
)

// ErrInvalidToken indicates GitHub rejected the token with 401.
var ErrInvalidToken = errors.New("github token is invalid or expired")

// APIError is a non-success GitHub response that is not recoverable by the caller.
type APIError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: github responded with status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: github responded with status %d: %s", e.Operation, e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with one of the given status codes.
func IsStatus(err error, statusCodes ...int) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range statusCodes {
		if apiErr.StatusCode == code {
			return true
		}
	}
	return false
}

// DomainError classifies a GitHub failure for the HTTP boundary: rejected
// tokens become invalid-token errors and other failures become upstream
// errors carrying the GitHub message. Domain errors and cancellations pass
// through unchanged.
func DomainError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.KindOf(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrInvalidToken) {
		return apperr.InvalidToken("github token is invalid or expired", err)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apperr.Upstream(apiErr.Error(), err)
	}
	return apperr.Upstream(fmt.Sprintf("%s: %v", operation, err), err)
}

// errorFromResponse consumes and closes resp, translating it to ErrInvalidToken
// or an *APIError.
func errorFromResponse(operation string, resp *http.Response) error {
	defer closeBody(resp)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w", operation, ErrInvalidToken)
	}

	apiErr := &APIError{Operation: operation, StatusCode: resp.StatusCode}
	if resp.Body == nil {
		return apiErr
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return apiErr
	}
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		apiErr.Message = payload.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
