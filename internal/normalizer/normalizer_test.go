package normalizer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huntwire-systems/huntwire/internal/models"
)

func envelope(t *testing.T, sourceType string, payload map[string]interface{}) *RawEnvelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &RawEnvelope{
		SourceType: sourceType,
		Payload:    data,
		ReceivedAt: time.Now().UTC(),
	}
}

func TestRegistry_Normalize(t *testing.T) {
	registry := Defaults()

	tests := []struct {
		name       string
		sourceType string
		payload    map[string]interface{}
		wantSource models.Source
		wantEntity map[string]string
	}{
		{
			name:       "network event",
			sourceType: "network",
			payload: map[string]interface{}{
				"timestamp": "2026-08-30T10:00:00Z",
				"src_ip":    "10.0.0.5",
				"host":      "fw-01",
				"protocol":  "tcp",
			},
			wantSource: models.SourceNetwork,
			wantEntity: map[string]string{models.EntityIP: "10.0.0.5", models.EntityHost: "fw-01"},
		},
		{
			name:       "endpoint event",
			sourceType: "endpoint",
			payload: map[string]interface{}{
				"timestamp":    "2026-08-30T10:00:00Z",
				"host":         "wks-001",
				"user":         "alice",
				"process_name": "cmd.exe",
			},
			wantSource: models.SourceEndpoint,
			wantEntity: map[string]string{models.EntityHost: "wks-001", models.EntityUser: "alice"},
		},
		{
			name:       "identity event",
			sourceType: "identity",
			payload: map[string]interface{}{
				"timestamp": "2026-08-30T10:00:00Z",
				"user":      "bob",
				"action":    "login",
			},
			wantSource: models.SourceIdentity,
			wantEntity: map[string]string{models.EntityUser: "bob"},
		},
		{
			name:       "email event",
			sourceType: "email",
			payload: map[string]interface{}{
				"timestamp": "2026-08-30T10:00:00Z",
				"recipient": "carol",
				"sender":    "mallory@example.com",
			},
			wantSource: models.SourceEmail,
			wantEntity: map[string]string{models.EntityUser: "carol"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := registry.Normalize(context.Background(), envelope(t, tt.sourceType, tt.payload))
			require.NoError(t, err)

			assert.NotEmpty(t, event.ID)
			assert.Equal(t, tt.wantSource, event.Source)
			assert.False(t, event.Timestamp.IsZero())
			assert.False(t, event.IngestedAt.IsZero())
			for role, id := range tt.wantEntity {
				assert.Equal(t, id, event.Entities[role], "entity %s", role)
			}
			// Consumed timestamp field must not leak into attributes.
			assert.NotContains(t, event.Attributes, "timestamp")
		})
	}
}

func TestRegistry_Normalize_Errors(t *testing.T) {
	registry := Defaults()

	tests := []struct {
		name       string
		sourceType string
		payload    map[string]interface{}
		wantReason Reason
	}{
		{
			name:       "missing required entity",
			sourceType: "network",
			payload:    map[string]interface{}{"timestamp": "2026-08-30T10:00:00Z"},
			wantReason: ReasonMissingRequiredField,
		},
		{
			name:       "missing timestamp",
			sourceType: "identity",
			payload:    map[string]interface{}{"user": "alice"},
			wantReason: ReasonMissingRequiredField,
		},
		{
			name:       "unparseable timestamp",
			sourceType: "identity",
			payload:    map[string]interface{}{"user": "alice", "timestamp": "yesterday"},
			wantReason: ReasonUnparseableTimestamp,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := registry.Normalize(context.Background(), envelope(t, tt.sourceType, tt.payload))
			require.Error(t, err)

			var nerr *NormalizationError
			require.True(t, errors.As(err, &nerr))
			assert.Equal(t, tt.wantReason, nerr.Reason)
		})
	}
}

func TestRegistry_Normalize_UnsupportedSource(t *testing.T) {
	registry := Defaults()

	_, err := registry.Normalize(context.Background(), &RawEnvelope{
		SourceType: "carrier-pigeon",
		Payload:    []byte(`{}`),
	})
	require.Error(t, err)

	var nerr *NormalizationError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, ReasonSchemaMismatch, nerr.Reason)
}

func TestRegistry_Normalize_NonJSONPayload(t *testing.T) {
	registry := Defaults()

	_, err := registry.Normalize(context.Background(), &RawEnvelope{
		SourceType: "network",
		Payload:    []byte("not json"),
	})
	require.Error(t, err)

	var nerr *NormalizationError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, ReasonSchemaMismatch, nerr.Reason)
}

func TestParseTimestamp_Formats(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  time.Time
	}{
		{
			name:  "rfc3339",
			value: "2026-08-30T10:00:00Z",
			want:  time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
		},
		{
			name:  "rfc3339 nano",
			value: "2026-08-30T10:00:00.5Z",
			want:  time.Date(2026, 8, 30, 10, 0, 0, 500_000_000, time.UTC),
		},
		{
			name:  "unix float",
			value: float64(1790762400),
			want:  time.Unix(1790762400, 0).UTC(),
		},
		{
			name:  "unix string",
			value: "1790762400",
			want:  time.Unix(1790762400, 0).UTC(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTimestamp(map[string]interface{}{"timestamp": tt.value}, "timestamp")
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v want %v", got, tt.want)
		})
	}
}

func TestNormalize_RawPreserved(t *testing.T) {
	registry := Defaults()
	env := envelope(t, "identity", map[string]interface{}{
		"timestamp": "2026-08-30T10:00:00Z",
		"user":      "alice",
		"action":    "login",
	})

	event, err := registry.Normalize(context.Background(), env)
	require.NoError(t, err)
	assert.JSONEq(t, string(env.Payload), string(event.Raw))
}
