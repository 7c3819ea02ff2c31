package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huntwire-systems/huntwire/internal/models"
)

func storedIncident(id string, status models.IncidentStatus, severity models.Severity, updatedAt time.Time, entities ...string) *models.Incident {
	return &models.Incident{
		ID:            id,
		Status:        status,
		Title:         "test incident " + id,
		Severity:      severity,
		Entities:      entities,
		Techniques:    []string{"T1059"},
		CreatedAt:     updatedAt,
		LastUpdatedAt: updatedAt,
		Version:       1,
	}
}

func TestMemoryRepository_IncidentRoundtrip(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	in := storedIncident("inc-1", models.StatusOpen, models.SeverityHigh, now, "host:h1")
	require.NoError(t, repo.SaveIncident(ctx, in))

	out, err := repo.GetIncident(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// Stored state is isolated from later caller mutation.
	in.Status = models.StatusResolved
	in.Entities[0] = "host:mutated"
	out, err = repo.GetIncident(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, out.Status)
	assert.Equal(t, []string{"host:h1"}, out.Entities)

	_, err = repo.GetIncident(ctx, "absent")
	assert.ErrorIs(t, err, ErrIncidentNotFound)
}

func TestMemoryRepository_ListIncidents(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, repo.SaveIncident(ctx, storedIncident("inc-1", models.StatusOpen, models.SeverityHigh, base, "host:h1")))
	require.NoError(t, repo.SaveIncident(ctx, storedIncident("inc-2", models.StatusResolved, models.SeverityHigh, base.Add(time.Minute), "host:h1")))
	require.NoError(t, repo.SaveIncident(ctx, storedIncident("inc-3", models.StatusOpen, models.SeverityLow, base.Add(2*time.Minute), "host:h2")))

	tests := []struct {
		name    string
		filter  IncidentFilter
		wantIDs []string
	}{
		{"all newest first", IncidentFilter{}, []string{"inc-3", "inc-2", "inc-1"}},
		{"by status", IncidentFilter{Status: models.StatusOpen}, []string{"inc-3", "inc-1"}},
		{"by severity", IncidentFilter{Severity: models.SeverityHigh}, []string{"inc-2", "inc-1"}},
		{"by entity", IncidentFilter{Entity: "host:h2"}, []string{"inc-3"}},
		{"limit", IncidentFilter{Limit: 2}, []string{"inc-3", "inc-2"}},
		{"no match", IncidentFilter{Entity: "host:none"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := repo.ListIncidents(ctx, tt.filter)
			require.NoError(t, err)
			ids := make([]string, 0, len(out))
			for _, inc := range out {
				ids = append(ids, inc.ID)
			}
			if tt.wantIDs == nil {
				assert.Empty(t, ids)
			} else {
				assert.Equal(t, tt.wantIDs, ids)
			}
		})
	}
}

func TestMemoryRepository_Chains(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	base := time.Now().UTC()

	chainA := &models.AttackChain{ID: "c1", PivotEntity: "host:h1", CreatedAt: base}
	chainB := &models.AttackChain{ID: "c2", PivotEntity: "host:h2", CreatedAt: base.Add(time.Minute)}
	require.NoError(t, repo.SaveChain(ctx, chainA))
	require.NoError(t, repo.SaveChain(ctx, chainB))

	// Saving the same chain twice is idempotent.
	require.NoError(t, repo.SaveChain(ctx, chainA))

	out, err := repo.ListChains(ctx, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "c2", out[0].ID)
	assert.Equal(t, "c1", out[1].ID)

	limited, err := repo.ListChains(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "c2", limited[0].ID)
}

func TestMemoryRepository_AuditRecords(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	d := models.Detection{ID: "d1", DetectorID: "signature"}
	require.NoError(t, repo.RecordSuppressedDetection(ctx, &d, "below_confidence_floor"))
	require.NoError(t, repo.RecordDiscardedChain(ctx, &models.AttackChain{ID: "c1"}, "below_severity_and_confidence"))
	require.NoError(t, repo.RecordDiscardedChain(ctx, &models.AttackChain{ID: "c2"}, "below_severity_and_confidence"))

	assert.Equal(t, 1, repo.SuppressedCount())
	assert.Equal(t, 2, repo.DiscardedCount())
}

func TestMemoryRepository_ListSuppressedDetections(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	for _, id := range []string{"d1", "d2", "d3"} {
		d := models.Detection{ID: id, DetectorID: "signature"}
		require.NoError(t, repo.RecordSuppressedDetection(ctx, &d, "below_confidence_floor"))
	}

	out, err := repo.ListSuppressedDetections(ctx, 0)
	require.NoError(t, err)
	require.Len(t, out, 3)
	// Newest first.
	assert.Equal(t, "d3", out[0].Detection.ID)
	assert.Equal(t, "below_confidence_floor", out[0].Reason)
	assert.False(t, out[0].RecordedAt.IsZero())

	limited, err := repo.ListSuppressedDetections(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "d3", limited[0].Detection.ID)
	assert.Equal(t, "d2", limited[1].Detection.ID)
}
