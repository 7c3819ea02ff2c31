// Package normalizer converts heterogeneous source payloads into canonical
// SecurityEvents. Each telemetry domain has its own normalizer; a registry
// picks the first one that supports the envelope's source type.
package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/huntwire-systems/huntwire/internal/models"
)

// RawEnvelope wraps an unparsed payload with its declared source type.
type RawEnvelope struct {
	SourceType string    `json:"source_type"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// Normalizer converts raw envelopes into canonical security events.
type Normalizer interface {
	Normalize(ctx context.Context, envelope *RawEnvelope) (*models.SecurityEvent, error)
	Supports(sourceType string) bool
}

// Registry holds ordered normalizers and finds a match for a given envelope.
type Registry struct {
	items []Normalizer
}

// NewRegistry constructs a registry with provided normalizers.
func NewRegistry(items ...Normalizer) *Registry {
	return &Registry{items: items}
}

// Defaults returns a registry covering all supported telemetry domains.
func Defaults() *Registry {
	return NewRegistry(
		&networkNormalizer{},
		&endpointNormalizer{},
		&identityNormalizer{},
		&applicationNormalizer{},
		&emailNormalizer{},
	)
}

// Find returns the first normalizer that supports the envelope.
func (r *Registry) Find(envelope *RawEnvelope) Normalizer {
	if r == nil {
		return nil
	}
	for _, n := range r.items {
		if n.Supports(envelope.SourceType) {
			return n
		}
	}
	return nil
}

// Normalize runs the matching normalizer for the envelope. It is a pure
// transformation: no side effects beyond the returned event or error.
func (r *Registry) Normalize(ctx context.Context, envelope *RawEnvelope) (*models.SecurityEvent, error) {
	n := r.Find(envelope)
	if n == nil {
		return nil, schemaMismatch(fmt.Errorf("unsupported source type %q", envelope.SourceType))
	}
	return n.Normalize(ctx, envelope)
}

// decodePayload unmarshals the payload into a generic map. Non-JSON input is
// a schema mismatch.
func decodePayload(envelope *RawEnvelope) (map[string]interface{}, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(envelope.Payload, &fields); err != nil {
		return nil, schemaMismatch(err)
	}
	return fields, nil
}

// parseTimestamp accepts RFC3339 strings or unix epoch numbers. The producer
// asserts event time; ingestion time is recorded separately.
func parseTimestamp(fields map[string]interface{}, field string) (time.Time, error) {
	v, ok := fields[field]
	if !ok {
		return time.Time{}, missingField(field)
	}

	switch t := v.(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, nil
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, nil
		}
		if secs, err := strconv.ParseFloat(t, 64); err == nil {
			return unixTime(secs), nil
		}
		return time.Time{}, badTimestamp(field, fmt.Errorf("unrecognized format %q", t))
	case float64:
		return unixTime(t), nil
	default:
		return time.Time{}, badTimestamp(field, fmt.Errorf("unsupported type %T", v))
	}
}

func unixTime(secs float64) time.Time {
	sec := int64(secs)
	nsec := int64((secs - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// requireString extracts a non-empty string field.
func requireString(fields map[string]interface{}, field string) (string, error) {
	v, ok := fields[field].(string)
	if !ok || v == "" {
		return "", missingField(field)
	}
	return v, nil
}

// optionalString extracts a string field, returning "" if absent.
func optionalString(fields map[string]interface{}, field string) string {
	v, _ := fields[field].(string)
	return v
}

// newEvent assembles the canonical event. Attributes carry everything except
// the consumed timestamp field so detectors keep full payload visibility.
func newEvent(envelope *RawEnvelope, source models.Source, ts time.Time, entities map[string]string, fields map[string]interface{}, tsField string) *models.SecurityEvent {
	attrs := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if k == tsField {
			continue
		}
		attrs[k] = v
	}

	ingested := envelope.ReceivedAt
	if ingested.IsZero() {
		ingested = time.Now().UTC()
	}

	return &models.SecurityEvent{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Timestamp:  ts,
		IngestedAt: ingested,
		Source:     source,
		Entities:   entities,
		Attributes: attrs,
		Raw:        envelope.Payload,
	}
}
