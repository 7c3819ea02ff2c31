package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/huntwire-systems/huntwire/internal/models"
)

// PostgresRepository implements Repository using PostgreSQL. Incident
// collections (timeline, entities, techniques, chain refs) are stored as
// JSONB; the filterable columns are first class.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository.
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Migrate applies pending schema migrations from the migrations directory.
func Migrate(connString, migrationsPath string) error {
	m, err := migrate.New(migrationsPath, connString)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// SaveIncident inserts or fully replaces an incident. Upsert keeps the
// single-writer manager simple; the version column tracks causality.
func (r *PostgresRepository) SaveIncident(ctx context.Context, incident *models.Incident) error {
	timeline, err := json.Marshal(incident.Timeline)
	if err != nil {
		return fmt.Errorf("failed to marshal timeline: %w", err)
	}
	entities, _ := json.Marshal(incident.Entities)
	techniques, _ := json.Marshal(incident.Techniques)
	chainRefs, _ := json.Marshal(incident.SourceChainRefs)

	query := `
		INSERT INTO incidents (id, status, title, severity, assignee, source_chain_refs,
			entities, techniques, timeline, version, created_at, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			title = EXCLUDED.title,
			severity = EXCLUDED.severity,
			assignee = EXCLUDED.assignee,
			source_chain_refs = EXCLUDED.source_chain_refs,
			entities = EXCLUDED.entities,
			techniques = EXCLUDED.techniques,
			timeline = EXCLUDED.timeline,
			version = EXCLUDED.version,
			last_updated_at = EXCLUDED.last_updated_at
	`

	_, err = r.pool.Exec(ctx, query,
		incident.ID, incident.Status, incident.Title, incident.Severity,
		incident.Assignee, chainRefs, entities, techniques, timeline,
		incident.Version, incident.CreatedAt, incident.LastUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save incident: %w", err)
	}
	return nil
}

// GetIncident retrieves an incident by ID.
func (r *PostgresRepository) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	query := `
		SELECT id, status, title, severity, assignee, source_chain_refs,
			entities, techniques, timeline, version, created_at, last_updated_at
		FROM incidents
		WHERE id = $1
	`
	incident, err := scanIncident(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIncidentNotFound
		}
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return incident, nil
}

// ListIncidents retrieves incidents matching the filter, newest first.
func (r *PostgresRepository) ListIncidents(ctx context.Context, filter IncidentFilter) ([]*models.Incident, error) {
	whereClause := "WHERE 1=1"
	args := []interface{}{}
	argPos := 1

	if filter.Status != "" {
		whereClause += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, filter.Status)
		argPos++
	}
	if filter.Severity != "" {
		whereClause += fmt.Sprintf(" AND severity = $%d", argPos)
		args = append(args, filter.Severity)
		argPos++
	}
	if filter.Entity != "" {
		whereClause += fmt.Sprintf(" AND entities @> $%d", argPos)
		entityJSON, _ := json.Marshal([]string{filter.Entity})
		args = append(args, entityJSON)
		argPos++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, status, title, severity, assignee, source_chain_refs,
			entities, techniques, timeline, version, created_at, last_updated_at
		FROM incidents
		%s
		ORDER BY last_updated_at DESC
		LIMIT $%d
	`, whereClause, argPos)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	incidents := []*models.Incident{}
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, incident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return incidents, nil
}

// SaveChain stores a completed attack chain for export queries.
func (r *PostgresRepository) SaveChain(ctx context.Context, chain *models.AttackChain) error {
	payload, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("failed to marshal chain: %w", err)
	}

	query := `
		INSERT INTO attack_chains (id, pivot_entity, confidence, degraded, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = r.pool.Exec(ctx, query,
		chain.ID, chain.PivotEntity, chain.CorrelationConfidence,
		chain.Degraded, payload, chain.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save chain: %w", err)
	}
	return nil
}

// ListChains retrieves recent attack chains, newest first.
func (r *PostgresRepository) ListChains(ctx context.Context, limit int) ([]*models.AttackChain, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT payload
		FROM attack_chains
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chains: %w", err)
	}
	defer rows.Close()

	chains := []*models.AttackChain{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan chain: %w", err)
		}
		chain := &models.AttackChain{}
		if err := json.Unmarshal(payload, chain); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chain: %w", err)
		}
		chains = append(chains, chain)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return chains, nil
}

// RecordSuppressedDetection stores a detection dropped at the confidence
// floor.
func (r *PostgresRepository) RecordSuppressedDetection(ctx context.Context, detection *models.Detection, reason string) error {
	payload, err := json.Marshal(detection)
	if err != nil {
		return fmt.Errorf("failed to marshal detection: %w", err)
	}

	query := `
		INSERT INTO suppressed_detections (id, detector_id, reason, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = r.pool.Exec(ctx, query, detection.ID, detection.DetectorID, reason, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record suppressed detection: %w", err)
	}
	return nil
}

// RecordDiscardedChain stores a chain that did not warrant an incident.
func (r *PostgresRepository) RecordDiscardedChain(ctx context.Context, chain *models.AttackChain, reason string) error {
	payload, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("failed to marshal chain: %w", err)
	}

	query := `
		INSERT INTO discarded_chains (id, pivot_entity, reason, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = r.pool.Exec(ctx, query, chain.ID, chain.PivotEntity, reason, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record discarded chain: %w", err)
	}
	return nil
}

// ListSuppressedDetections retrieves suppression audit records, newest
// first.
func (r *PostgresRepository) ListSuppressedDetections(ctx context.Context, limit int) ([]*SuppressedDetection, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT payload, reason, recorded_at
		FROM suppressed_detections
		ORDER BY recorded_at DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list suppressed detections: %w", err)
	}
	defer rows.Close()

	records := []*SuppressedDetection{}
	for rows.Next() {
		var payload []byte
		rec := &SuppressedDetection{}
		if err := rows.Scan(&payload, &rec.Reason, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan suppressed detection: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Detection); err != nil {
			return nil, fmt.Errorf("failed to unmarshal suppressed detection: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return records, nil
}

// Close closes the database connection pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func scanIncident(row pgx.Row) (*models.Incident, error) {
	incident := &models.Incident{}
	var chainRefs, entities, techniques, timeline []byte

	if err := row.Scan(
		&incident.ID, &incident.Status, &incident.Title, &incident.Severity,
		&incident.Assignee, &chainRefs, &entities, &techniques, &timeline,
		&incident.Version, &incident.CreatedAt, &incident.LastUpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(chainRefs, &incident.SourceChainRefs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chain refs: %w", err)
	}
	if err := json.Unmarshal(entities, &incident.Entities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entities: %w", err)
	}
	if err := json.Unmarshal(techniques, &incident.Techniques); err != nil {
		return nil, fmt.Errorf("failed to unmarshal techniques: %w", err)
	}
	if err := json.Unmarshal(timeline, &incident.Timeline); err != nil {
		return nil, fmt.Errorf("failed to unmarshal timeline: %w", err)
	}
	return incident, nil
}
