// Package incident promotes attack chains into actionable incidents. A
// single-writer loop owns all incident mutation, so decisions about
// overlapping chains never race.
package incident

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/huntwire-systems/huntwire/internal/logging"
	"github.com/huntwire-systems/huntwire/internal/metrics"
	"github.com/huntwire-systems/huntwire/internal/models"
)

// DecisionAction is the outcome of evaluating one attack chain.
type DecisionAction string

const (
	DecisionCreate  DecisionAction = "create_new"
	DecisionMerge   DecisionAction = "merge_into"
	DecisionDiscard DecisionAction = "discard"
)

// Decision records what the manager did with a chain and why. Discards
// carry a reason and are persisted for audit.
type Decision struct {
	Action     DecisionAction `json:"action"`
	IncidentID string         `json:"incident_id,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// Store is the persistence the manager needs. Implemented by the
// repository layer.
type Store interface {
	SaveIncident(ctx context.Context, incident *models.Incident) error
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	RecordDiscardedChain(ctx context.Context, chain *models.AttackChain, reason string) error
}

// Notification signals downstream dispatch about incident activity.
type Notification struct {
	Kind     string // created, updated, escalated
	Incident models.Incident
}

// Config tunes promotion and merging. Hot-reloadable via SetConfig.
type Config struct {
	MinSeverity   models.Severity
	MinConfidence float64
	RecencyWindow time.Duration
}

type command struct {
	chain      *models.AttackChain
	transition *transitionRequest
	reply      chan result
}

type transitionRequest struct {
	incidentID string
	next       models.IncidentStatus
	actor      string
	details    string
}

type result struct {
	decision Decision
	incident *models.Incident
	err      error
}

// Manager is the incident decision engine. All mutation flows through the
// Run loop; Ingest and Transition are synchronous wrappers around it.
type Manager struct {
	log    *logging.Logger
	cfg    atomic.Pointer[Config]
	store  Store
	notify chan Notification

	commands chan command
	recent   map[string]*models.Incident // non-terminal incidents, merge candidates
	backlog  []Notification              // overflow when the dispatch buffer is full
}

// backlogFlushInterval paces backlog drain attempts when no commands arrive.
const backlogFlushInterval = 100 * time.Millisecond

// NewManager creates a manager backed by the given store.
func NewManager(log *logging.Logger, cfg Config, store Store, notifyBuffer int) *Manager {
	m := &Manager{
		log:      log,
		store:    store,
		notify:   make(chan Notification, notifyBuffer),
		commands: make(chan command, 64),
		recent:   make(map[string]*models.Incident),
	}
	m.cfg.Store(&cfg)
	return m
}

// Notifications is the stream of incident activity for the dispatcher.
func (m *Manager) Notifications() <-chan Notification {
	return m.notify
}

// SetConfig swaps the promotion thresholds.
func (m *Manager) SetConfig(cfg Config) {
	m.cfg.Store(&cfg)
}

// Ingest evaluates one attack chain and returns the decision taken.
func (m *Manager) Ingest(ctx context.Context, chain *models.AttackChain) (Decision, error) {
	res, err := m.send(ctx, command{chain: chain})
	return res.decision, err
}

// Transition applies a lifecycle change to an incident on behalf of an
// actor. Invalid transitions are rejected without mutating anything.
func (m *Manager) Transition(ctx context.Context, incidentID string, next models.IncidentStatus, actor, details string) (*models.Incident, error) {
	res, err := m.send(ctx, command{transition: &transitionRequest{
		incidentID: incidentID,
		next:       next,
		actor:      actor,
		details:    details,
	}})
	if err != nil {
		return nil, err
	}
	return res.incident, nil
}

// Acknowledge marks an incident acknowledged by an operator.
func (m *Manager) Acknowledge(ctx context.Context, incidentID, actor string) (*models.Incident, error) {
	return m.Transition(ctx, incidentID, models.StatusAcknowledged, actor, "")
}

func (m *Manager) send(ctx context.Context, cmd command) (result, error) {
	cmd.reply = make(chan result, 1)
	select {
	case m.commands <- cmd:
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// Run processes commands until ctx is cancelled, then closes the
// notification stream.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.notify)
	ticker := time.NewTicker(backlogFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case cmd := <-m.commands:
			var res result
			switch {
			case cmd.chain != nil:
				res.decision, res.err = m.ingest(ctx, cmd.chain)
			case cmd.transition != nil:
				res.incident, res.err = m.applyTransition(ctx, cmd.transition)
			}
			cmd.reply <- res
		case <-ticker.C:
			m.flushBacklog()
		case <-ctx.Done():
			m.flushBacklog()
			return
		}
	}
}

func (m *Manager) ingest(ctx context.Context, chain *models.AttackChain) (Decision, error) {
	cfg := *m.cfg.Load()
	now := time.Now().UTC()
	m.pruneRecent(cfg, now)

	if reason := m.discardReason(chain, cfg); reason != "" {
		metrics.IncidentDecisions.WithLabelValues(string(DecisionDiscard)).Inc()
		m.log.Info("attack chain discarded",
			logging.Component("incident"),
			logging.ChainID(chain.ID),
			"reason", reason)
		if err := m.store.RecordDiscardedChain(ctx, chain, reason); err != nil {
			m.log.Error("failed to record discarded chain",
				logging.ChainID(chain.ID), logging.Error(err))
		}
		return Decision{Action: DecisionDiscard, Reason: reason}, nil
	}

	if target := m.mergeCandidate(chain, cfg, now); target != nil {
		return m.merge(ctx, target, chain, now)
	}
	return m.create(ctx, chain, now)
}

// discardReason returns a non-empty reason when the chain does not warrant
// an incident. Only chains weak on both axes are discarded; a severe chain
// with shaky correlation, or a confident chain of low-severity findings,
// still promotes.
func (m *Manager) discardReason(chain *models.AttackChain, cfg Config) string {
	if chain.MaxSeverity().Rank() < cfg.MinSeverity.Rank() &&
		chain.CorrelationConfidence < cfg.MinConfidence {
		return "below_severity_and_confidence"
	}
	return ""
}

// pruneRecent evicts merge candidates whose last update fell outside the
// recency window. Terminal transitions evict eagerly; this catches incidents
// that simply went quiet.
func (m *Manager) pruneRecent(cfg Config, now time.Time) {
	for id, inc := range m.recent {
		if now.Sub(inc.LastUpdatedAt) > cfg.RecencyWindow {
			delete(m.recent, id)
		}
	}
}

// mergeCandidate finds a recent non-terminal incident sharing at least one
// entity and one technique with the chain. Recency is measured against the
// incident's last update, not its creation.
func (m *Manager) mergeCandidate(chain *models.AttackChain, cfg Config, now time.Time) *models.Incident {
	var best *models.Incident
	for _, inc := range m.recent {
		if inc.Status != models.StatusOpen && inc.Status != models.StatusAcknowledged {
			continue
		}
		if now.Sub(inc.LastUpdatedAt) > cfg.RecencyWindow {
			continue
		}
		if !sharesEntity(inc, chain) || !sharesTechnique(inc, chain) {
			continue
		}
		if best == nil || inc.LastUpdatedAt.After(best.LastUpdatedAt) {
			best = inc
		}
	}
	return best
}

func (m *Manager) merge(ctx context.Context, inc *models.Incident, chain *models.AttackChain, now time.Time) (Decision, error) {
	previous := inc.Severity

	inc.SourceChainRefs = append(inc.SourceChainRefs, chain.ID)
	inc.Entities = unionSorted(inc.Entities, chain.Entities)
	inc.Techniques = unionSorted(inc.Techniques, chain.Techniques())
	inc.Severity = models.MaxSeverity(inc.Severity, chain.MaxSeverity())
	inc.LastUpdatedAt = now
	inc.Version++

	escalated := inc.Severity.Rank() > previous.Rank()
	action := "merged_chain"
	if escalated {
		action = "escalated"
	}
	inc.Timeline = append(inc.Timeline, models.TimelineEntry{
		At:      now,
		Actor:   "system",
		Action:  action,
		Details: fmt.Sprintf("chain %s merged, severity %s", chain.ID, inc.Severity),
	})

	if err := m.store.SaveIncident(ctx, inc); err != nil {
		return Decision{}, fmt.Errorf("failed to save merged incident: %w", err)
	}

	metrics.IncidentDecisions.WithLabelValues(string(DecisionMerge)).Inc()
	kind := "updated"
	if escalated {
		kind = "escalated"
		m.log.Warn("incident escalated",
			logging.Component("incident"),
			logging.IncidentID(inc.ID),
			"severity", string(inc.Severity))
	}
	m.publish(Notification{Kind: kind, Incident: *inc})

	return Decision{Action: DecisionMerge, IncidentID: inc.ID}, nil
}

func (m *Manager) create(ctx context.Context, chain *models.AttackChain, now time.Time) (Decision, error) {
	inc := &models.Incident{
		ID:              uuid.Must(uuid.NewV7()).String(),
		Status:          models.StatusOpen,
		Title:           incidentTitle(chain),
		SourceChainRefs: []string{chain.ID},
		Entities:        unionSorted(nil, chain.Entities),
		Techniques:      unionSorted(nil, chain.Techniques()),
		Severity:        chain.MaxSeverity(),
		CreatedAt:       now,
		LastUpdatedAt:   now,
		Version:         1,
		Timeline: []models.TimelineEntry{{
			At:      now,
			Actor:   "system",
			Action:  "created",
			Details: fmt.Sprintf("promoted from chain %s", chain.ID),
		}},
	}

	if err := m.store.SaveIncident(ctx, inc); err != nil {
		return Decision{}, fmt.Errorf("failed to save incident: %w", err)
	}
	m.recent[inc.ID] = inc

	metrics.IncidentDecisions.WithLabelValues(string(DecisionCreate)).Inc()
	m.log.Info("incident created",
		logging.Component("incident"),
		logging.IncidentID(inc.ID),
		"severity", string(inc.Severity))
	m.publish(Notification{Kind: "created", Incident: *inc})

	return Decision{Action: DecisionCreate, IncidentID: inc.ID}, nil
}

func (m *Manager) applyTransition(ctx context.Context, req *transitionRequest) (*models.Incident, error) {
	inc, ok := m.recent[req.incidentID]
	if !ok {
		stored, err := m.store.GetIncident(ctx, req.incidentID)
		if err != nil {
			return nil, err
		}
		inc = stored
		if !inc.Status.IsTerminal() {
			m.recent[inc.ID] = inc
		}
	}

	if !inc.Status.CanTransitionTo(req.next) {
		return nil, fmt.Errorf("invalid transition %s -> %s for incident %s",
			inc.Status, req.next, inc.ID)
	}

	now := time.Now().UTC()
	inc.Status = req.next
	inc.LastUpdatedAt = now
	inc.Version++
	if req.next == models.StatusAcknowledged && inc.Assignee == "" {
		inc.Assignee = req.actor
	}
	inc.Timeline = append(inc.Timeline, models.TimelineEntry{
		At:      now,
		Actor:   req.actor,
		Action:  string(req.next),
		Details: req.details,
	})

	if err := m.store.SaveIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("failed to save incident: %w", err)
	}
	if inc.Status.IsTerminal() {
		delete(m.recent, inc.ID)
	}

	m.publish(Notification{Kind: "updated", Incident: *inc})

	// Return a copy so callers never alias manager-owned state.
	out := *inc
	return &out, nil
}

// publish hands the notification to the dispatch stream without blocking
// the decision loop. Delivery is at-least-once: when the buffer is full the
// notification queues on the backlog, drained ahead of later activity, so a
// slow dispatcher never loses one.
func (m *Manager) publish(n Notification) {
	if len(m.backlog) == 0 {
		select {
		case m.notify <- n:
			return
		default:
		}
	}
	metrics.QueueFull.WithLabelValues("incident_notify").Inc()
	m.log.Warn("dispatch queue full, notification backlogged",
		logging.Component("incident"),
		logging.IncidentID(n.Incident.ID))
	m.backlog = append(m.backlog, n)
}

// flushBacklog moves queued notifications into the dispatch buffer as space
// frees up, preserving publish order.
func (m *Manager) flushBacklog() {
	for len(m.backlog) > 0 {
		select {
		case m.notify <- m.backlog[0]:
			m.backlog = m.backlog[1:]
		default:
			return
		}
	}
}

func incidentTitle(chain *models.AttackChain) string {
	tactics := chain.TacticSequence
	if len(tactics) == 0 {
		return "Correlated activity on " + chain.PivotEntity
	}
	seen := make(map[string]bool, len(tactics))
	uniq := make([]string, 0, len(tactics))
	for _, t := range tactics {
		if !seen[t] {
			seen[t] = true
			uniq = append(uniq, t)
		}
	}
	return fmt.Sprintf("%s on %s", strings.Join(uniq, " / "), chain.PivotEntity)
}

func sharesEntity(inc *models.Incident, chain *models.AttackChain) bool {
	for _, e := range chain.Entities {
		if inc.SharesEntity(e) {
			return true
		}
	}
	return false
}

func sharesTechnique(inc *models.Incident, chain *models.AttackChain) bool {
	for _, t := range chain.Techniques() {
		if inc.SharesTechnique(t) {
			return true
		}
	}
	return false
}

func unionSorted(existing, add []string) []string {
	seen := make(map[string]bool, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, v := range append(append([]string{}, existing...), add...) {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
