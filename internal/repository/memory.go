package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/huntwire-systems/huntwire/internal/models"
)

type suppressedRecord struct {
	detection models.Detection
	reason    string
	at        time.Time
}

type discardedRecord struct {
	chain  models.AttackChain
	reason string
	at     time.Time
}

// MemoryRepository implements Repository in process memory. Used when no
// database is configured and throughout the test suite.
type MemoryRepository struct {
	mu         sync.RWMutex
	incidents  map[string]*models.Incident
	chains     []*models.AttackChain
	suppressed []suppressedRecord
	discarded  []discardedRecord
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		incidents: make(map[string]*models.Incident),
	}
}

// SaveIncident inserts or replaces an incident.
func (r *MemoryRepository) SaveIncident(_ context.Context, incident *models.Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := cloneIncident(incident)
	r.incidents[incident.ID] = stored
	return nil
}

// GetIncident retrieves an incident by ID.
func (r *MemoryRepository) GetIncident(_ context.Context, id string) (*models.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	incident, ok := r.incidents[id]
	if !ok {
		return nil, ErrIncidentNotFound
	}
	return cloneIncident(incident), nil
}

// ListIncidents retrieves incidents matching the filter, newest first.
func (r *MemoryRepository) ListIncidents(_ context.Context, filter IncidentFilter) ([]*models.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*models.Incident{}
	for _, incident := range r.incidents {
		if filter.Status != "" && incident.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && incident.Severity != filter.Severity {
			continue
		}
		if filter.Entity != "" && !incident.SharesEntity(filter.Entity) {
			continue
		}
		out = append(out, cloneIncident(incident))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdatedAt.After(out[j].LastUpdatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SaveChain stores a completed attack chain.
func (r *MemoryRepository) SaveChain(_ context.Context, chain *models.AttackChain) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.chains {
		if existing.ID == chain.ID {
			return nil
		}
	}
	clone := *chain
	r.chains = append(r.chains, &clone)
	return nil
}

// ListChains retrieves recent attack chains, newest first.
func (r *MemoryRepository) ListChains(_ context.Context, limit int) ([]*models.AttackChain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.AttackChain, 0, len(r.chains))
	for _, chain := range r.chains {
		clone := *chain
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordSuppressedDetection stores a suppression audit record.
func (r *MemoryRepository) RecordSuppressedDetection(_ context.Context, detection *models.Detection, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suppressed = append(r.suppressed, suppressedRecord{
		detection: *detection,
		reason:    reason,
		at:        time.Now().UTC(),
	})
	return nil
}

// RecordDiscardedChain stores a discard audit record.
func (r *MemoryRepository) RecordDiscardedChain(_ context.Context, chain *models.AttackChain, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discarded = append(r.discarded, discardedRecord{
		chain:  *chain,
		reason: reason,
		at:     time.Now().UTC(),
	})
	return nil
}

// ListSuppressedDetections retrieves suppression audit records, newest
// first.
func (r *MemoryRepository) ListSuppressedDetections(_ context.Context, limit int) ([]*SuppressedDetection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*SuppressedDetection, 0, len(r.suppressed))
	for i := len(r.suppressed) - 1; i >= 0; i-- {
		rec := r.suppressed[i]
		out = append(out, &SuppressedDetection{
			Detection:  rec.detection,
			Reason:     rec.reason,
			RecordedAt: rec.at,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SuppressedCount reports how many suppression records were written.
func (r *MemoryRepository) SuppressedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.suppressed)
}

// DiscardedCount reports how many discard records were written.
func (r *MemoryRepository) DiscardedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.discarded)
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}

func cloneIncident(in *models.Incident) *models.Incident {
	out := *in
	out.SourceChainRefs = append([]string(nil), in.SourceChainRefs...)
	out.Entities = append([]string(nil), in.Entities...)
	out.Techniques = append([]string(nil), in.Techniques...)
	out.Timeline = append([]models.TimelineEntry(nil), in.Timeline...)
	return &out
}
