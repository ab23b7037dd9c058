package services

import (
	"context"
	"fmt"
	"time"

	"wappsentinel/internal/repo"

	"gorm.io/gorm"
)

// GatewayStater reports the chat gateway's instance state
type GatewayStater interface {
	GetState(ctx context.Context) (string, error)
}

// HealthStatus is the body of GET /health
type HealthStatus struct {
	Status        string    `json:"status"` // ok, degraded
	Database      string    `json:"database"`
	Gateway       string    `json:"gateway,omitempty"`
	OutboxPending int64     `json:"outbox_pending"`
	Timestamp     time.Time `json:"timestamp"`
}

// HealthService checks the components the api depends on
type HealthService struct {
	db      *gorm.DB
	outbox  *repo.OutboxRepository
	gateway GatewayStater // nil when the gateway is not configured
}

// NewHealthService creates a new health service. gateway may be nil.
func NewHealthService(db *gorm.DB, gateway GatewayStater) *HealthService {
	return &HealthService{
		db:      db,
		outbox:  repo.NewOutboxRepository(db),
		gateway: gateway,
	}
}

// Check runs every dependency check with a short timeout
func (s *HealthService) Check(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status := HealthStatus{Status: "ok", Database: "ok", Timestamp: time.Now().UTC()}

	if err := s.checkDatabase(ctx); err != nil {
		status.Status = "degraded"
		status.Database = err.Error()
	} else if n, err := s.outbox.CountPending(ctx); err == nil {
		status.OutboxPending = n
	}

	if s.gateway != nil {
		state, err := s.gateway.GetState(ctx)
		switch {
		case err != nil:
			status.Status = "degraded"
			status.Gateway = err.Error()
		case state != "authorized":
			status.Status = "degraded"
			status.Gateway = state
		default:
			status.Gateway = "ok"
		}
	}

	return status
}

func (s *HealthService) checkDatabase(ctx context.Context) error {
	var result int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&result).Error; err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	return nil
}
