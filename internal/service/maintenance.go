package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/lllypuk/searchsync/internal/application/appcore"
	"github.com/lllypuk/searchsync/internal/domain/errs"
	"github.com/lllypuk/searchsync/internal/domain/outbox"
	"github.com/lllypuk/searchsync/internal/infrastructure/metrics"
)

// Precondition error codes
const (
	CodeTenantRequired       = "TENANT_REQUIRED"
	CodeMultiTenancyDisabled = "MULTI_TENANCY_DISABLED"
	CodeUnknownTenant        = "UNKNOWN_TENANT"
)

// PreconditionError rejects a maintenance call whose tenant scoping does not
// match the configuration. Nothing is written when it is returned.
type PreconditionError struct {
	Code    string
	Message string
	status  int
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", errs.ErrPreconditionFailed, e.Message)
}

// Unwrap matches errs.ErrPreconditionFailed.
func (e *PreconditionError) Unwrap() error { return errs.ErrPreconditionFailed }

// HTTPStatus implements httpserver.HTTPError.
func (e *PreconditionError) HTTPStatus() int { return e.status }

// HTTPCode implements httpserver.HTTPError.
func (e *PreconditionError) HTTPCode() string { return e.Code }

// HTTPMessage implements httpserver.HTTPError.
func (e *PreconditionError) HTTPMessage() string { return e.Message }

func tenantRequired() error {
	return &PreconditionError{
		Code:    CodeTenantRequired,
		Message: "multi-tenancy is enabled, a tenant id is required",
		status:  http.StatusBadRequest,
	}
}

func multiTenancyDisabled() error {
	return &PreconditionError{
		Code:    CodeMultiTenancyDisabled,
		Message: "multi-tenancy is disabled, use the global operation",
		status:  http.StatusBadRequest,
	}
}

func unknownTenant(tenantID string) error {
	return &PreconditionError{
		Code:    CodeUnknownTenant,
		Message: fmt.Sprintf("tenant %q is not configured", tenantID),
		status:  http.StatusNotFound,
	}
}

// MaintenanceService exposes the administrative operations on aborted events.
// Multi-tenancy is enabled when the tenant set is not empty; the global
// operations are then rejected and every call must name a configured tenant.
type MaintenanceService struct {
	store   appcore.AbortedEvents
	tenants []string
	policy  outbox.ReprocessPolicy
	logger  *slog.Logger
	metrics *metrics.OutboxMetrics
}

// NewMaintenanceService creates a maintenance service. An invalid policy
// falls back to outbox.ReprocessReset.
func NewMaintenanceService(
	store appcore.AbortedEvents,
	tenants []string,
	policy outbox.ReprocessPolicy,
	logger *slog.Logger,
	m *metrics.OutboxMetrics,
) *MaintenanceService {
	if logger == nil {
		logger = slog.Default()
	}
	if !policy.Valid() {
		policy = outbox.ReprocessReset
	}
	return &MaintenanceService{
		store:   store,
		tenants: slices.Clone(tenants),
		policy:  policy,
		logger:  logger,
		metrics: m,
	}
}

// MultiTenant reports whether a tenant set is configured.
func (s *MaintenanceService) MultiTenant() bool {
	return len(s.tenants) > 0
}

// Tenants returns the configured tenant set.
func (s *MaintenanceService) Tenants() []string {
	return slices.Clone(s.tenants)
}

// Policy returns the reprocess policy.
func (s *MaintenanceService) Policy() outbox.ReprocessPolicy {
	return s.policy
}

// CountAbortedEvents counts aborted events across the whole outbox.
func (s *MaintenanceService) CountAbortedEvents(ctx context.Context) (int64, error) {
	if err := s.checkGlobal(); err != nil {
		return 0, err
	}
	return s.count(ctx, "")
}

// CountAbortedEventsForTenant counts aborted events of one tenant.
func (s *MaintenanceService) CountAbortedEventsForTenant(ctx context.Context, tenantID string) (int64, error) {
	if err := s.checkTenant(tenantID); err != nil {
		return 0, err
	}
	return s.count(ctx, tenantID)
}

// ReprocessAbortedEvents moves every aborted event back to pending.
func (s *MaintenanceService) ReprocessAbortedEvents(ctx context.Context) (int64, error) {
	if err := s.checkGlobal(); err != nil {
		return 0, err
	}
	return s.reprocess(ctx, "")
}

// ReprocessAbortedEventsForTenant moves one tenant's aborted events back to pending.
func (s *MaintenanceService) ReprocessAbortedEventsForTenant(ctx context.Context, tenantID string) (int64, error) {
	if err := s.checkTenant(tenantID); err != nil {
		return 0, err
	}
	return s.reprocess(ctx, tenantID)
}

// ClearAllAbortedEvents deletes every aborted event.
func (s *MaintenanceService) ClearAllAbortedEvents(ctx context.Context) (int64, error) {
	if err := s.checkGlobal(); err != nil {
		return 0, err
	}
	return s.clear(ctx, "")
}

// ClearAllAbortedEventsForTenant deletes one tenant's aborted events.
func (s *MaintenanceService) ClearAllAbortedEventsForTenant(ctx context.Context, tenantID string) (int64, error) {
	if err := s.checkTenant(tenantID); err != nil {
		return 0, err
	}
	return s.clear(ctx, tenantID)
}

func (s *MaintenanceService) checkGlobal() error {
	if s.MultiTenant() {
		return tenantRequired()
	}
	return nil
}

func (s *MaintenanceService) checkTenant(tenantID string) error {
	if !s.MultiTenant() {
		return multiTenancyDisabled()
	}
	if tenantID == "" {
		return tenantRequired()
	}
	if !slices.Contains(s.tenants, tenantID) {
		return unknownTenant(tenantID)
	}
	return nil
}

func (s *MaintenanceService) count(ctx context.Context, tenantID string) (int64, error) {
	n, err := s.store.CountAborted(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("count aborted events: %w", err)
	}
	return n, nil
}

func (s *MaintenanceService) reprocess(ctx context.Context, tenantID string) (int64, error) {
	n, err := s.store.ReprocessAborted(ctx, tenantID, s.policy)
	if err != nil {
		return 0, fmt.Errorf("reprocess aborted events: %w", err)
	}
	s.record(ctx, "reprocess", tenantID, n)
	return n, nil
}

func (s *MaintenanceService) clear(ctx context.Context, tenantID string) (int64, error) {
	n, err := s.store.ClearAborted(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("clear aborted events: %w", err)
	}
	s.record(ctx, "clear", tenantID, n)
	return n, nil
}

func (s *MaintenanceService) record(ctx context.Context, operation, tenantID string, n int64) {
	if s.metrics != nil {
		s.metrics.MaintenanceOps.WithLabelValues(operation).Add(float64(n))
	}
	s.logger.InfoContext(ctx, "aborted events maintenance",
		slog.String("operation", operation),
		slog.String("tenant_id", tenantID),
		slog.Int64("affected", n),
		slog.String("policy", string(s.policy)),
	)
}
