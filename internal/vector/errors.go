package vector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"
)

// Category classifies a failed backend call for logging and degradation
// tracking. These never escape as errors to write-path callers.
type Category string

const (
	CategoryServiceUnavailable Category = "SERVICE_UNAVAILABLE"
	CategoryTimeout            Category = "TIMEOUT"
	CategoryNetworkError       Category = "NETWORK_ERROR"
	CategoryInvalidResponse    Category = "INVALID_RESPONSE"
	CategoryAuthentication     Category = "AUTHENTICATION_ERROR"
	CategoryValidation         Category = "VALIDATION_ERROR"
)

// statusError is a non-2xx reply from the backend.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.code, e.body)
}

// Classify maps a backend call error to its category.
func Classify(err error) Category {
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.code == 401 || se.code == 403:
			return CategoryAuthentication
		case se.code == 400 || se.code == 422:
			return CategoryValidation
		default:
			return CategoryServiceUnavailable
		}
	}

	var jsonErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &jsonErr) || errors.As(err, &typeErr) {
		return CategoryInvalidResponse
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return CategoryServiceUnavailable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CategoryServiceUnavailable
	}

	return CategoryNetworkError
}

const (
	degradedThreshold = 5
	degradedWindow    = 5 * time.Minute
)

// ErrorStats keeps rolling per-category error counts. A category with 5 or
// more errors inside a 5-minute trailing window marks the backend degraded.
// Informational only; nothing consults it to change behavior.
type ErrorStats struct {
	mu     sync.Mutex
	events map[Category][]time.Time

	now func() time.Time // test hook
}

func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		events: make(map[Category][]time.Time),
		now:    time.Now,
	}
}

// Record notes one error in the given category.
func (s *ErrorStats) Record(cat Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[cat] = append(s.prune(cat), s.now())
}

// Count returns the number of errors in the category within the window.
func (s *ErrorStats) Count(cat Category) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[cat] = s.prune(cat)
	return len(s.events[cat])
}

// DegradedCategories returns the categories currently past the degradation
// threshold, if any.
func (s *ErrorStats) DegradedCategories() []Category {
	s.mu.Lock()
	defer s.mu.Unlock()

	var degraded []Category
	for cat := range s.events {
		s.events[cat] = s.prune(cat)
		if len(s.events[cat]) >= degradedThreshold {
			degraded = append(degraded, cat)
		}
	}
	return degraded
}

// prune drops events older than the window. Caller holds the lock.
func (s *ErrorStats) prune(cat Category) []time.Time {
	cutoff := s.now().Add(-degradedWindow)
	events := s.events[cat]
	i := 0
	for i < len(events) && events[i].Before(cutoff) {
		i++
	}
	return events[i:]
}
