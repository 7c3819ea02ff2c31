package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/huntwire-systems/huntwire/internal/logging"
	"github.com/huntwire-systems/huntwire/internal/seeder"
)

var (
	seedTarget    string
	seedNoise     int
	seedSpread    time.Duration
	seedScenarios string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Generate synthetic telemetry against a running engine",
	Long: fmt.Sprintf(`Generate attack scenarios and background noise, submitted through the
intake API of a running engine.

Available scenarios: %s`, strings.Join(seeder.ListScenarios(), ", ")),
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedTarget, "target", "http://localhost:8080", "engine base URL")
	seedCmd.Flags().IntVar(&seedNoise, "noise", 200, "background events to interleave")
	seedCmd.Flags().DurationVar(&seedSpread, "spread", 10*time.Minute, "spread event timestamps over this duration")
	seedCmd.Flags().StringVar(&seedScenarios, "scenario", "", "comma-separated scenario names (default: all)")
}

func runSeed(cmd *cobra.Command, args []string) error {
	logger := logging.Default()

	var scenarios []string
	if seedScenarios != "" {
		scenarios = strings.Split(seedScenarios, ",")
	}

	s := seeder.New(logger, seeder.Config{
		TargetURL: strings.TrimSuffix(seedTarget, "/"),
		Noise:     seedNoise,
		Spread:    seedSpread,
		Scenarios: scenarios,
	})
	return s.Run(cmd.Context())
}
