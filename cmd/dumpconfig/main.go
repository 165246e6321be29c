package main

import (
	"flag"
	"log"

	"github.com/atlasops/bizgateway/internal/config"
)

// dumpconfig prints the effective merged configuration for debugging
// deployment overrides without starting the gateway.
func main() {
	file := flag.String("config", "", "path to a config file (defaults to BIZGATEWAY_CONFIG_FILE)")
	flag.Parse()

	cfg, err := config.Load(config.Options{ConfigFile: *file})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log.Printf("server: %+v", cfg.Server)
	log.Printf("rate limits: %+v", cfg.RateLimits)
	log.Printf("budgets: default_credits=%.2f schedule=%s thresholds=%v", cfg.Budgets.DefaultCredits, cfg.Budgets.RefreshSchedule, cfg.Budgets.WarningThresholds)
	log.Printf("idempotency: %+v", cfg.Idempotency)
	log.Printf("retry: %+v", cfg.Retry)
}
