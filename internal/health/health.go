// Package health classifies the record store into the three states the
// readiness endpoint reports.
package health

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/runnerr0/beacon/internal/storage"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"

	DetailConnected     = "connected"
	DetailNotConfigured = "not_configured"
)

// DefaultTimeout bounds a single probe so readiness checks cannot hang.
const DefaultTimeout = 2 * time.Second

// Pinger is the part of the store the checker needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Report is the outcome of one probe. It is recomputed on every call.
type Report struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// Healthy reports whether orchestrators should consider the process ready.
func (r Report) Healthy() bool {
	return r.Status == StatusHealthy
}

// HTTPStatus maps the report onto a response code: 200 for either healthy
// variant, 503 otherwise.
func (r Report) HTTPStatus() int {
	if r.Healthy() {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

// Checker probes the store.
type Checker struct {
	store   Pinger
	timeout time.Duration
}

// NewChecker creates a Checker. A non-positive timeout uses DefaultTimeout.
func NewChecker(store Pinger, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{store: store, timeout: timeout}
}

// Check probes the store once. A store that was never configured is a
// legitimate stateless deployment and reports healthy.
func (c *Checker) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.store.Ping(ctx)
	switch {
	case err == nil:
		return Report{Status: StatusHealthy, Database: DetailConnected}
	case errors.Is(err, storage.ErrNotConfigured):
		return Report{Status: StatusHealthy, Database: DetailNotConfigured}
	default:
		reason := err.Error()
		if reason == "" {
			reason = "unknown error"
		}
		return Report{Status: StatusUnhealthy, Database: reason}
	}
}
