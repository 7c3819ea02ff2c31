// Package repository persists incidents, attack chains and audit records.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/huntwire-systems/huntwire/internal/models"
)

var (
	ErrIncidentNotFound = errors.New("incident not found")
)

// IncidentFilter narrows incident listings. Zero values match everything.
type IncidentFilter struct {
	Status   models.IncidentStatus
	Severity models.Severity
	Entity   string // "role:id" key
	Limit    int
}

// SuppressedDetection is an audit record for a detection dropped at the
// confidence floor. Exported for threshold tuning and compliance pulls.
type SuppressedDetection struct {
	Detection  models.Detection `json:"detection"`
	Reason     string           `json:"reason"`
	RecordedAt time.Time        `json:"recorded_at"`
}

// Repository defines the persistence interface for the engine. The
// incident manager and the enrichment scorer both write through it.
type Repository interface {
	// Incident operations
	SaveIncident(ctx context.Context, incident *models.Incident) error
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]*models.Incident, error)

	// Attack chain export
	SaveChain(ctx context.Context, chain *models.AttackChain) error
	ListChains(ctx context.Context, limit int) ([]*models.AttackChain, error)

	// Audit records, kept for threshold tuning
	RecordSuppressedDetection(ctx context.Context, detection *models.Detection, reason string) error
	RecordDiscardedChain(ctx context.Context, chain *models.AttackChain, reason string) error
	ListSuppressedDetections(ctx context.Context, limit int) ([]*SuppressedDetection, error)

	// Utility
	Close() error
}
