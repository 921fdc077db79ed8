package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrCircuitOpen is returned when a breaker rejects a call
var ErrCircuitOpen = errors.New("circuit breaker is open")

// StatusError reports a non-success response from an HTTP dependency
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dependency returned status %d", e.StatusCode)
}

// NewStatusError builds a StatusError from a response, honoring Retry-After
// expressed in seconds or as an HTTP date.
func NewStatusError(resp *http.Response, body string) *StatusError {
	se := &StatusError{StatusCode: resp.StatusCode, Body: body}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			se.RetryAfter = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(ra); err == nil {
			if d := time.Until(at); d > 0 {
				se.RetryAfter = d
			}
		}
	}
	return se
}

// CategorizedError lets a dependency state the category of its failure
// explicitly instead of relying on pattern matching.
type CategorizedError struct {
	Category Category
	Err      error
}

func (e *CategorizedError) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// WithCategory tags err with an explicit category
func WithCategory(category Category, err error) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Category: category, Err: err}
}
