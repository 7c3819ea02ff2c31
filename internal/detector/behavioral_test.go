package detector

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huntwire-systems/huntwire/internal/models"
)

func behavioralEvent(value float64) *models.SecurityEvent {
	e := testEvent(models.SourceNetwork, map[string]interface{}{"bytes_out": value})
	e.Entities = map[string]string{models.EntityUser: "alice"}
	return e
}

func TestBehavioralDetector_WarmupSuppresses(t *testing.T) {
	d := NewBehavioralDetector(BehavioralConfig{
		Alpha:       0.2,
		SigmaFactor: 3.0,
		MinSamples:  10,
		Fields:      TrackedFieldsFor([]string{"bytes_out"}),
	}, nil)

	// Below MinSamples observations nothing flags, however extreme.
	for i := 0; i < 9; i++ {
		detections, err := d.Detect(context.Background(), behavioralEvent(float64(1000*(i+1))), nil)
		require.NoError(t, err)
		assert.Empty(t, detections, "observation %d", i)
	}
}

func TestBehavioralDetector_FlagsDeviation(t *testing.T) {
	d := NewBehavioralDetector(BehavioralConfig{
		Alpha:       0.2,
		SigmaFactor: 3.0,
		MinSamples:  5,
		Fields:      TrackedFieldsFor([]string{"bytes_out"}),
	}, nil)

	// Stable noisy baseline around 100.
	for i := 0; i < 20; i++ {
		value := 100.0 + float64(i%5)
		_, err := d.Detect(context.Background(), behavioralEvent(value), nil)
		require.NoError(t, err)
	}

	detections, err := d.Detect(context.Background(), behavioralEvent(1_000_000), nil)
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, "T1048", detections[0].Technique.ID)
	assert.Equal(t, models.SeverityHigh, detections[0].Severity)
	assert.GreaterOrEqual(t, detections[0].Confidence, 0.5)
	assert.LessOrEqual(t, detections[0].Confidence, 0.95)
}

func TestBehavioralDetector_ConstantHistoryAnyChangeFlags(t *testing.T) {
	d := NewBehavioralDetector(BehavioralConfig{
		Alpha:       0.2,
		SigmaFactor: 3.0,
		MinSamples:  5,
		Fields:      TrackedFieldsFor([]string{"bytes_out"}),
	}, nil)

	for i := 0; i < 10; i++ {
		_, err := d.Detect(context.Background(), behavioralEvent(50), nil)
		require.NoError(t, err)
	}

	detections, err := d.Detect(context.Background(), behavioralEvent(51), nil)
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, models.SeverityMedium, detections[0].Severity)
}

func TestBehavioralDetector_BaselinesPerEntity(t *testing.T) {
	d := NewBehavioralDetector(BehavioralConfig{
		Alpha:       0.2,
		SigmaFactor: 3.0,
		MinSamples:  5,
		Fields:      TrackedFieldsFor([]string{"bytes_out"}),
	}, nil)

	// Warm alice's baseline. A fresh entity with the same extreme value must
	// not flag against it.
	for i := 0; i < 10; i++ {
		_, err := d.Detect(context.Background(), behavioralEvent(100+float64(i%3)), nil)
		require.NoError(t, err)
	}

	other := behavioralEvent(1_000_000)
	other.Entities = map[string]string{models.EntityUser: "bob"}
	detections, err := d.Detect(context.Background(), other, nil)
	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestBehavioralDetector_IgnoresUntrackedAndNonNumeric(t *testing.T) {
	d := NewBehavioralDetector(BehavioralConfig{
		Alpha:       0.2,
		SigmaFactor: 3.0,
		MinSamples:  1,
		Fields:      TrackedFieldsFor([]string{"bytes_out"}),
	}, nil)

	e := testEvent(models.SourceNetwork, map[string]interface{}{
		"bytes_out": "not a number",
		"other":     float64(99),
	})
	e.Entities = map[string]string{models.EntityUser: "alice"}

	detections, err := d.Detect(context.Background(), e, nil)
	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestBehavioralDetector_FallbackEntityKeyStable(t *testing.T) {
	// Without a user, host or ip role the baseline key falls back to the
	// lexicographically smallest entity key, independent of map ordering.
	e := testEvent(models.SourceNetwork, map[string]interface{}{"bytes_out": float64(10)})
	e.Entities = map[string]string{"service": "payments", "container": "api-7f"}

	for i := 0; i < 50; i++ {
		assert.Equal(t, "container:api-7f", primaryEntity(e))
	}
}

func TestBehavioralDetector_NoEntitySkips(t *testing.T) {
	d := NewBehavioralDetector(BehavioralConfig{
		Fields: TrackedFieldsFor([]string{"bytes_out"}),
	}, nil)

	e := testEvent(models.SourceNetwork, map[string]interface{}{"bytes_out": float64(10)})
	e.Entities = map[string]string{}

	detections, err := d.Detect(context.Background(), e, nil)
	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestTrackedFieldsFor(t *testing.T) {
	fields := TrackedFieldsFor([]string{"login_failures", "bytes_out", "custom_metric"})
	require.Len(t, fields, 3)
	assert.Equal(t, "T1110", fields[0].Technique.ID)
	assert.Equal(t, "T1048", fields[1].Technique.ID)
	assert.Equal(t, "anomalous-behavior", fields[2].Technique.Tactic)
	assert.Empty(t, fields[2].Technique.ID)
}

func TestBehavioralDetector_ConcurrentSameEntity(t *testing.T) {
	d := NewBehavioralDetector(BehavioralConfig{
		Alpha:       0.2,
		SigmaFactor: 3.0,
		MinSamples:  5,
		Fields:      TrackedFieldsFor([]string{"bytes_out"}),
	}, nil)

	done := make(chan error, 8)
	for g := 0; g < 8; g++ {
		go func() {
			for i := 0; i < 50; i++ {
				if _, err := d.Detect(context.Background(), behavioralEvent(float64(100+i)), nil); err != nil {
					done <- fmt.Errorf("detect: %w", err)
					return
				}
			}
			done <- nil
		}()
	}
	for g := 0; g < 8; g++ {
		require.NoError(t, <-done)
	}
}
