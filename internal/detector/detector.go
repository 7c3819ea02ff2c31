// Package detector hosts the detection strategies and the worker pool that
// fans normalized events out to them. Each detector runs in its own worker
// group behind a bounded queue so one slow or faulty detector cannot starve
// the others.
package detector

import (
	"context"

	"github.com/huntwire-systems/huntwire/internal/models"
)

// Scope declares which event sources a detector consumes. An empty source
// list means all sources.
type Scope struct {
	Sources []models.Source
}

// Matches reports whether an event falls inside the scope.
func (s Scope) Matches(event *models.SecurityEvent) bool {
	if len(s.Sources) == 0 {
		return true
	}
	for _, src := range s.Sources {
		if src == event.Source {
			return true
		}
	}
	return false
}

// Metadata identifies a detection strategy.
type Metadata struct {
	ID      string
	Version string
	Type    models.DetectorType
	Scope   Scope
}

// Detector is the single capability interface every strategy implements.
// Detectors are stateless or carry their own bounded internal state; the
// engine never shares state between detectors, and detectors must not call
// each other. The Context window is the only permitted state-sharing
// mechanism.
type Detector interface {
	Meta() Metadata
	Detect(ctx context.Context, event *models.SecurityEvent, dctx *Context) ([]models.Detection, error)
}
