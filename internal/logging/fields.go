package logging

import "log/slog"

// Common field names for consistent logging across components.
const (
	FieldComponent  = "component"
	FieldEventID    = "event_id"
	FieldDetectorID = "detector_id"
	FieldEntity     = "entity"
	FieldWindowID   = "window_id"
	FieldChainID    = "chain_id"
	FieldIncidentID = "incident_id"
	FieldTechnique  = "technique"
	FieldSource     = "source"
	FieldError      = "error"
	FieldDuration   = "duration_ms"
)

// Component returns a slog attribute for the pipeline component name.
func Component(name string) slog.Attr {
	return slog.String(FieldComponent, name)
}

// EventID returns a slog attribute for a security event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// DetectorID returns a slog attribute for a detector ID.
func DetectorID(id string) slog.Attr {
	return slog.String(FieldDetectorID, id)
}

// Entity returns a slog attribute for an entity key.
func Entity(key string) slog.Attr {
	return slog.String(FieldEntity, key)
}

// WindowID returns a slog attribute for a correlation window ID.
func WindowID(id string) slog.Attr {
	return slog.String(FieldWindowID, id)
}

// ChainID returns a slog attribute for an attack chain ID.
func ChainID(id string) slog.Attr {
	return slog.String(FieldChainID, id)
}

// IncidentID returns a slog attribute for an incident ID.
func IncidentID(id string) slog.Attr {
	return slog.String(FieldIncidentID, id)
}

// Technique returns a slog attribute for a technique key.
func Technique(key string) slog.Attr {
	return slog.String(FieldTechnique, key)
}

// Source returns a slog attribute for an event source.
func Source(src string) slog.Attr {
	return slog.String(FieldSource, src)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}
