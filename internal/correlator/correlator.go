package correlator

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/huntwire-systems/huntwire/internal/logging"
	"github.com/huntwire-systems/huntwire/internal/models"
	"github.com/huntwire-systems/huntwire/internal/state"
)

// tickInterval drives window close timers and reorder-buffer admission.
const tickInterval = 500 * time.Millisecond

// Correlator routes enriched detections to sharded window workers and
// publishes completed attack chains on its output channel.
type Correlator struct {
	log     *logging.Logger
	cfg     atomic.Pointer[Config]
	library atomic.Pointer[PatternLibrary]

	shards []*shardRunner
	out    chan *models.AttackChain
}

type shardRunner struct {
	in    chan models.Detection
	shard *shard
}

// New builds a correlator with the given number of shards. The pattern
// library may be swapped at runtime via SetLibrary.
func New(log *logging.Logger, cfg Config, shards int, library *PatternLibrary, persist *state.Manager, outBuffer int) *Correlator {
	if shards <= 0 {
		shards = 1
	}
	if library == nil {
		library = DefaultPatternLibrary()
	}

	c := &Correlator{
		log: log,
		out: make(chan *models.AttackChain, outBuffer),
	}
	c.cfg.Store(&cfg)
	c.library.Store(library)

	for i := 0; i < shards; i++ {
		c.shards = append(c.shards, &shardRunner{
			in:    make(chan models.Detection, 64),
			shard: newShard(log, c.snapshot, c.patterns, persist, c.out),
		})
	}
	return c
}

// Chains is the stream of completed attack chains.
func (c *Correlator) Chains() <-chan *models.AttackChain {
	return c.out
}

// SetConfig swaps the correlation thresholds. In-flight window decisions
// keep the snapshot they started with.
func (c *Correlator) SetConfig(cfg Config) {
	c.cfg.Store(&cfg)
}

// SetLibrary swaps the pattern library.
func (c *Correlator) SetLibrary(library *PatternLibrary) {
	if library != nil {
		c.library.Store(library)
	}
}

func (c *Correlator) snapshot() Config          { return *c.cfg.Load() }
func (c *Correlator) patterns() *PatternLibrary { return c.library.Load() }

// Submit routes a detection to its shard. Routing is deterministic on the
// primary entity, so all detections for one entity serialize through the
// same worker. Blocks when the shard is saturated; upstream backpressure
// is the intended behavior.
func (c *Correlator) Submit(ctx context.Context, d models.Detection) error {
	pivot := primaryEntityOf(&d)
	if pivot == "" {
		// Nothing to correlate on; entity-less detections are dropped here.
		c.log.Debug("detection without entities skipped",
			logging.Component("correlator"),
			logging.DetectorID(d.DetectorID))
		return nil
	}

	runner := c.shards[shardIndex(pivot, len(c.shards))]
	select {
	case runner.in <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the shard workers until ctx is cancelled, then drains all
// open windows so accumulated state still produces chains, and closes the
// output channel.
func (c *Correlator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, runner := range c.shards {
		wg.Add(1)
		go func(r *shardRunner) {
			defer wg.Done()
			c.runShard(ctx, r)
		}(runner)
	}
	wg.Wait()
	close(c.out)
}

func (c *Correlator) runShard(ctx context.Context, r *shardRunner) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case d := <-r.in:
			r.shard.enqueue(d, time.Now().UTC())
		case now := <-ticker.C:
			r.shard.tick(ctx, now.UTC())
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.shard.drain(drainCtx, time.Now().UTC())
			cancel()
			return
		}
	}
}

// primaryEntityOf picks the routing entity for a detection, preferring
// user, then host, then ip. The preference order is fixed so the same
// detection always lands on the same shard.
func primaryEntityOf(d *models.Detection) string {
	for _, role := range []string{models.EntityUser, models.EntityHost, models.EntityIP} {
		if id := d.Entities[role]; id != "" {
			return role + ":" + id
		}
	}
	keys := d.EntityKeys()
	if len(keys) == 0 {
		return ""
	}
	min := keys[0]
	for _, k := range keys[1:] {
		if k < min {
			min = k
		}
	}
	return min
}

func shardIndex(pivot string, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(pivot))
	return int(h.Sum32()) % shards
}

func splitEntityKey(key string) (role, id string) {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "entity", key
}

func newDetectionID() string {
	return uuid.Must(uuid.NewV7()).String()
}
