// Package seeder generates realistic synthetic telemetry and feeds it to a
// running engine. Used for development, demos and load testing.
package seeder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/huntwire-systems/huntwire/internal/logging"
)

// Config controls what the seeder generates.
type Config struct {
	TargetURL string        // engine base URL, e.g. http://localhost:8080
	Noise     int           // background events interleaved with scenarios
	Spread    time.Duration // event timestamps spread over this much history
	Scenarios []string      // named attack scenarios; empty runs all
}

// event mirrors the intake request body.
type event struct {
	SourceType string                 `json:"source_type"`
	Payload    map[string]interface{} `json:"payload"`
}

// Seeder generates and submits synthetic events.
type Seeder struct {
	log    *logging.Logger
	cfg    Config
	client *http.Client
	faker  *gofakeit.Faker
}

// New creates a seeder. A fixed faker seed keeps repeated runs comparable.
func New(log *logging.Logger, cfg Config) *Seeder {
	if cfg.Noise <= 0 {
		cfg.Noise = 200
	}
	if cfg.Spread <= 0 {
		cfg.Spread = 10 * time.Minute
	}
	return &Seeder{
		log:    log,
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		faker:  gofakeit.New(42),
	}
}

// scenarios maps scenario names to their generators.
func (s *Seeder) scenarios() map[string]func(time.Time) []event {
	return map[string]func(time.Time) []event{
		"brute-force-pivot": s.bruteForcePivot,
		"data-theft":        s.dataTheft,
		"phishing-exec":     s.phishingExec,
	}
}

// ListScenarios returns the available scenario names.
func ListScenarios() []string {
	return []string{"brute-force-pivot", "data-theft", "phishing-exec"}
}

// Run generates the selected scenarios plus background noise and submits
// everything in timestamp order.
func (s *Seeder) Run(ctx context.Context) error {
	start := time.Now().UTC().Add(-s.cfg.Spread)

	var events []event
	generators := s.scenarios()
	names := s.cfg.Scenarios
	if len(names) == 0 {
		names = ListScenarios()
	}
	for i, name := range names {
		gen, ok := generators[name]
		if !ok {
			return fmt.Errorf("unknown scenario %q", name)
		}
		offset := time.Duration(i) * s.cfg.Spread / time.Duration(len(names)+1)
		events = append(events, gen(start.Add(offset))...)
	}
	events = append(events, s.noise(start)...)

	submitted := 0
	for i := range events {
		if err := s.submit(ctx, &events[i]); err != nil {
			return fmt.Errorf("submitted %d/%d events: %w", submitted, len(events), err)
		}
		submitted++
	}

	s.log.Info("seeding complete",
		logging.Component("seeder"),
		"events", submitted,
		"scenarios", names)
	return nil
}

// bruteForcePivot emits a credential brute force against one account
// followed by lateral movement from the compromised host. The two stages
// share entities so the correlator links them into one chain.
func (s *Seeder) bruteForcePivot(start time.Time) []event {
	user := s.faker.Username()
	srcHost := fmt.Sprintf("wks-%03d", s.faker.Number(1, 500))
	srcIP := s.faker.IPv4Address()
	targetHost := fmt.Sprintf("srv-%03d", s.faker.Number(1, 50))

	var out []event
	ts := start
	for i := 0; i < 8; i++ {
		outcome := "failure"
		if i == 7 {
			outcome = "success"
		}
		out = append(out, event{
			SourceType: "identity",
			Payload: map[string]interface{}{
				"timestamp":     ts.Format(time.RFC3339Nano),
				"user":          user,
				"host":          srcHost,
				"ip":            srcIP,
				"action":        "login",
				"outcome":       outcome,
				"failure_count": i + 1,
			},
		})
		ts = ts.Add(time.Duration(s.faker.Number(5, 20)) * time.Second)
	}

	// Lateral movement shortly after the successful login.
	ts = ts.Add(time.Duration(s.faker.Number(30, 90)) * time.Second)
	out = append(out, event{
		SourceType: "network",
		Payload: map[string]interface{}{
			"timestamp":   ts.Format(time.RFC3339Nano),
			"src_ip":      srcIP,
			"host":        targetHost,
			"user":        user,
			"protocol":    "smb",
			"dst_port":    445,
			"admin_share": true,
		},
	})
	return out
}

// dataTheft emits discovery activity followed by a large outbound
// transfer from the same host.
func (s *Seeder) dataTheft(start time.Time) []event {
	host := fmt.Sprintf("srv-%03d", s.faker.Number(51, 99))
	user := s.faker.Username()
	ip := s.faker.IPv4Address()

	var out []event
	ts := start
	for i := 0; i < 3; i++ {
		out = append(out, event{
			SourceType: "endpoint",
			Payload: map[string]interface{}{
				"timestamp":      ts.Format(time.RFC3339Nano),
				"host":           host,
				"user":           user,
				"process_name":   "net.exe",
				"parent_process": "cmd.exe",
				"command_line":   "net view /all",
			},
		})
		ts = ts.Add(time.Duration(s.faker.Number(20, 60)) * time.Second)
	}

	ts = ts.Add(2 * time.Minute)
	out = append(out, event{
		SourceType: "network",
		Payload: map[string]interface{}{
			"timestamp": ts.Format(time.RFC3339Nano),
			"src_ip":    ip,
			"host":      host,
			"user":      user,
			"protocol":  "https",
			"dst_port":  443,
			"bytes_out": 250_000_000,
		},
	})
	return out
}

// phishingExec emits a phishing delivery followed by a suspicious child
// process on the recipient's workstation.
func (s *Seeder) phishingExec(start time.Time) []event {
	user := s.faker.Username()
	host := fmt.Sprintf("wks-%03d", s.faker.Number(501, 900))

	invoice := event{
		SourceType: "email",
		Payload: map[string]interface{}{
			"timestamp":       start.Format(time.RFC3339Nano),
			"recipient":       user,
			"sender":          s.faker.Email(),
			"subject":         "Overdue invoice",
			"external_sender": true,
			"attachment_name": "invoice.pdf.exe",
		},
	}

	exec := event{
		SourceType: "endpoint",
		Payload: map[string]interface{}{
			"timestamp":      start.Add(3 * time.Minute).Format(time.RFC3339Nano),
			"host":           host,
			"user":           user,
			"process_name":   "powershell.exe",
			"parent_process": "outlook.exe",
			"command_line":   "powershell -enc aQBlAHgA...",
		},
	}
	return []event{invoice, exec}
}

// noise generates benign background telemetry across random entities.
func (s *Seeder) noise(start time.Time) []event {
	out := make([]event, 0, s.cfg.Noise)
	for i := 0; i < s.cfg.Noise; i++ {
		ts := start.Add(time.Duration(s.faker.Number(0, int(s.cfg.Spread.Seconds()))) * time.Second)
		switch s.faker.Number(0, 2) {
		case 0:
			out = append(out, event{
				SourceType: "identity",
				Payload: map[string]interface{}{
					"timestamp": ts.Format(time.RFC3339Nano),
					"user":      s.faker.Username(),
					"host":      fmt.Sprintf("wks-%03d", s.faker.Number(1, 900)),
					"action":    "login",
					"outcome":   "success",
				},
			})
		case 1:
			out = append(out, event{
				SourceType: "network",
				Payload: map[string]interface{}{
					"timestamp": ts.Format(time.RFC3339Nano),
					"src_ip":    s.faker.IPv4Address(),
					"host":      fmt.Sprintf("srv-%03d", s.faker.Number(1, 99)),
					"protocol":  "https",
					"dst_port":  443,
					"bytes_out": s.faker.Number(1_000, 500_000),
				},
			})
		default:
			out = append(out, event{
				SourceType: "endpoint",
				Payload: map[string]interface{}{
					"timestamp":      ts.Format(time.RFC3339Nano),
					"host":           fmt.Sprintf("wks-%03d", s.faker.Number(1, 900)),
					"user":           s.faker.Username(),
					"process_name":   "chrome.exe",
					"parent_process": "explorer.exe",
				},
			})
		}
	}
	return out
}

// submit posts one event to the intake endpoint, retrying briefly on
// backpressure.
func (s *Seeder) submit(ctx context.Context, ev *event) error {
	body, err := json.Marshal(map[string]interface{}{
		"source_type": ev.SourceType,
		"payload":     ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	url := s.cfg.TargetURL + "/api/v1/events"
	for attempt := 0; attempt < 5; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to submit event: %w", err)
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusServiceUnavailable {
			select {
			case <-time.After(500 * time.Millisecond):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if resp.StatusCode >= 300 {
			return fmt.Errorf("intake rejected event: status %d", resp.StatusCode)
		}
		return nil
	}
	return fmt.Errorf("intake stayed saturated after retries")
}
