package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
)

// Category groups failures by how they should be handled
type Category string

const (
	CategoryConnection    Category = "connection"
	CategoryTimeout       Category = "timeout"
	CategoryRateLimit     Category = "rate_limit"
	CategoryValidation    Category = "validation"
	CategoryAuthorization Category = "authorization"
	CategoryCircuitOpen   Category = "circuit_open"
	CategoryCancelled     Category = "cancelled"
	CategoryUnknown       Category = "unknown"
)

// Severity ranks how urgently a failure needs attention
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Classification is the outcome of classifying an error. RetryAfter is the
// wait the dependency asked for, zero when it sent none.
type Classification struct {
	Category         Category      `json:"category"`
	Severity         Severity      `json:"severity"`
	Retryable        bool          `json:"retryable"`
	SuggestedBackoff time.Duration `json:"suggestedBackoffMs"`
	RetryAfter       time.Duration `json:"retryAfterMs,omitempty"`
	UserMessage      string        `json:"userMessage"`
}

type categoryProfile struct {
	severity  Severity
	retryable bool
	backoff   time.Duration
	message   string
}

var profiles = map[Category]categoryProfile{
	CategoryConnection: {
		severity: SeverityHigh, retryable: true, backoff: time.Second,
		message: "A dependent service could not be reached. Please try again shortly.",
	},
	CategoryTimeout: {
		severity: SeverityMedium, retryable: true, backoff: 2 * time.Second,
		message: "A dependent service took too long to respond. Please try again.",
	},
	CategoryRateLimit: {
		severity: SeverityMedium, retryable: true, backoff: 5 * time.Second,
		message: "The search provider is rate limiting requests. Please retry later.",
	},
	CategoryValidation: {
		severity: SeverityLow, retryable: false,
		message: "The request was rejected as invalid.",
	},
	CategoryAuthorization: {
		severity: SeverityHigh, retryable: false,
		message: "Access to a dependent service was denied.",
	},
	CategoryCircuitOpen: {
		severity: SeverityHigh, retryable: false, backoff: 30 * time.Second,
		message: "A dependent service is temporarily unavailable. Please try again later.",
	},
	CategoryCancelled: {
		severity: SeverityLow, retryable: false,
		message: "The operation was cancelled.",
	},
	CategoryUnknown: {
		severity: SeverityMedium, retryable: false,
		message: "An unexpected error occurred while processing the search.",
	},
}

type messagePattern struct {
	category Category
	needles  []string
}

// Order matters: the first matching pattern wins.
var messagePatterns = []messagePattern{
	{CategoryRateLimit, []string{"rate limit", "too many requests", "quota exceeded", "status 429", "status code 429", "http 429"}},
	{CategoryAuthorization, []string{"unauthorized", "forbidden", "permission denied", "invalid api key", "status 401", "status code 401", "http 401", "status 403", "status code 403", "http 403"}},
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryConnection, []string{"connection refused", "connection reset", "no such host", "broken pipe", "network is unreachable", "unexpected eof", "server selection error"}},
	{CategoryValidation, []string{"invalid", "validation", "malformed", "required", "bad request"}},
}

// Classifier maps errors to categories. It holds no mutable state and is safe
// for concurrent use.
type Classifier struct{}

// NewClassifier creates a classifier
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify inspects err and returns its classification. The same error
// signature always yields the same category.
func (c *Classifier) Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	category, backoff := c.categorize(err)
	p := profiles[category]
	cl := Classification{
		Category:         category,
		Severity:         p.severity,
		Retryable:        p.retryable,
		SuggestedBackoff: p.backoff,
		UserMessage:      p.message,
	}
	if backoff > 0 {
		cl.SuggestedBackoff = backoff
		cl.RetryAfter = backoff
	}
	return cl
}

func (c *Classifier) categorize(err error) (Category, time.Duration) {
	var categorized *CategorizedError
	if errors.As(err, &categorized) {
		if _, known := profiles[categorized.Category]; known {
			return categorized.Category, 0
		}
	}

	if errors.Is(err, ErrCircuitOpen) {
		return CategoryCircuitOpen, 0
	}
	if errors.Is(err, context.Canceled) {
		return CategoryCancelled, 0
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout, 0
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return categorizeStatus(statusErr.StatusCode), statusErr.RetryAfter
	}

	if mongo.IsTimeout(err) {
		return CategoryTimeout, 0
	}
	if mongo.IsNetworkError(err) {
		return CategoryConnection, 0
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout, 0
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return CategoryConnection, 0
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CategoryConnection, 0
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CategoryConnection, 0
	}

	msg := strings.ToLower(err.Error())
	for _, p := range messagePatterns {
		for _, needle := range p.needles {
			if strings.Contains(msg, needle) {
				return p.category, 0
			}
		}
	}

	return CategoryUnknown, 0
}

func categorizeStatus(code int) Category {
	switch {
	case code == http.StatusTooManyRequests:
		return CategoryRateLimit
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return CategoryAuthorization
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return CategoryTimeout
	case code == http.StatusInternalServerError || code == http.StatusBadGateway || code == http.StatusServiceUnavailable:
		return CategoryConnection
	case code >= 400 && code < 500:
		return CategoryValidation
	default:
		return CategoryUnknown
	}
}

// countsAsFailure reports whether a classified failure reflects dependency
// health. Caller mistakes and cancellations do not.
func countsAsFailure(cl Classification) bool {
	switch cl.Category {
	case CategoryValidation, CategoryAuthorization, CategoryCancelled, CategoryCircuitOpen:
		return false
	default:
		return true
	}
}
