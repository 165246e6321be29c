// tenantctl administers tenants, API keys, and provider bindings from the
// command line. The gateway itself exposes no admin surface, so onboarding a
// tenant means running this against the same database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atlasops/bizgateway/internal/auth"
	"github.com/atlasops/bizgateway/internal/config"
	"github.com/atlasops/bizgateway/internal/database"
	"github.com/atlasops/bizgateway/internal/metering"
	"github.com/atlasops/bizgateway/internal/storage"
)

const usageText = `usage: tenantctl [-config file] <command> [flags]

commands:
  create-tenant   register a tenant and print its id
  disable-tenant  suspend a tenant, keeping its history
  set-plan        change a tenant's plan tier and included credits
  create-key      mint an API key and print the token once
  revoke-key      revoke an API key by prefix
  bind-provider   create or update a provider binding
  list-bindings   show a tenant's provider bindings
`

func main() {
	configFile := flag.String("config", "", "path to a config file (defaults to BIZGATEWAY_CONFIG_FILE)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(config.Options{ConfigFile: *configFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	if err := database.RunMigrations(ctx, cfg.Database); err != nil {
		log.Fatalf("run migrations: %v", err)
	}
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	store := storage.New(pool)
	args := flag.Args()[1:]

	switch flag.Arg(0) {
	case "create-tenant":
		createTenant(ctx, cfg, store, args)
	case "disable-tenant":
		disableTenant(ctx, store, args)
	case "set-plan":
		setPlan(ctx, store, args)
	case "create-key":
		createKey(ctx, store, args)
	case "revoke-key":
		revokeKey(ctx, store, args)
	case "bind-provider":
		bindProvider(ctx, store, args)
	case "list-bindings":
		listBindings(ctx, store, args)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
}

func createTenant(ctx context.Context, cfg *config.Config, store *storage.Store, args []string) {
	fs := flag.NewFlagSet("create-tenant", flag.ExitOnError)
	slug := fs.String("slug", "", "tenant slug (required)")
	name := fs.String("name", "", "display name (defaults to the slug)")
	plan := fs.String("plan", "standard", "plan tier")
	credits := fs.Float64("credits", cfg.Budgets.DefaultCredits, "included credits per period")
	enforce := fs.Bool("enforce-budget", true, "block requests once credits run out")
	fs.Parse(args)

	if *slug == "" {
		log.Fatal("create-tenant: -slug is required")
	}
	if *name == "" {
		*name = *slug
	}

	tenant, err := store.CreateTenant(ctx, storage.Tenant{
		Slug:             *slug,
		Name:             *name,
		Plan:             *plan,
		Status:           storage.TenantStatusActive,
		PlanCreditsMicro: metering.ToMicro(decimal.NewFromFloat(*credits)),
		BudgetEnforced:   *enforce,
		RefreshSchedule:  cfg.Budgets.RefreshSchedule,
	})
	if err != nil {
		log.Fatalf("create tenant: %v", err)
	}
	fmt.Printf("tenant %s created (id %s, plan %s, %.2f credits)\n", tenant.Slug, tenant.ID, tenant.Plan, *credits)
}

func disableTenant(ctx context.Context, store *storage.Store, args []string) {
	fs := flag.NewFlagSet("disable-tenant", flag.ExitOnError)
	slug := fs.String("slug", "", "tenant slug (required)")
	fs.Parse(args)

	tenant := mustTenant(ctx, store, *slug)
	if err := store.DisableTenant(ctx, tenant.ID); err != nil {
		log.Fatalf("disable tenant: %v", err)
	}
	fmt.Printf("tenant %s suspended\n", tenant.Slug)
}

func setPlan(ctx context.Context, store *storage.Store, args []string) {
	fs := flag.NewFlagSet("set-plan", flag.ExitOnError)
	slug := fs.String("slug", "", "tenant slug (required)")
	plan := fs.String("plan", "", "plan tier (required)")
	credits := fs.Float64("credits", 0, "included credits per period (required)")
	enforce := fs.Bool("enforce-budget", true, "block requests once credits run out")
	fs.Parse(args)

	if *plan == "" || *credits <= 0 {
		log.Fatal("set-plan: -plan and a positive -credits are required")
	}
	tenant := mustTenant(ctx, store, *slug)
	micro := metering.ToMicro(decimal.NewFromFloat(*credits))
	if err := store.UpdateTenantPlan(ctx, tenant.ID, *plan, micro, *enforce); err != nil {
		log.Fatalf("update plan: %v", err)
	}
	fmt.Printf("tenant %s moved to plan %s (%.2f credits, enforced=%t)\n", tenant.Slug, *plan, *credits, *enforce)
}

func createKey(ctx context.Context, store *storage.Store, args []string) {
	fs := flag.NewFlagSet("create-key", flag.ExitOnError)
	slug := fs.String("tenant", "", "tenant slug (required)")
	name := fs.String("name", "default", "key name")
	fs.Parse(args)

	tenant := mustTenant(ctx, store, *slug)
	prefix, secret, token, err := auth.GenerateAPIKey()
	if err != nil {
		log.Fatalf("generate key: %v", err)
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		log.Fatalf("hash secret: %v", err)
	}
	key, err := store.CreateAPIKey(ctx, tenant.ID, *name, prefix, hash)
	if err != nil {
		log.Fatalf("store key: %v", err)
	}

	// The secret is not recoverable from the hash; this is the only time the
	// full token is ever printed.
	fmt.Printf("key %s created for %s (prefix %s)\n", key.ID, tenant.Slug, key.Prefix)
	fmt.Printf("token: %s\n", token)
}

func revokeKey(ctx context.Context, store *storage.Store, args []string) {
	fs := flag.NewFlagSet("revoke-key", flag.ExitOnError)
	prefix := fs.String("prefix", "", "key prefix (required)")
	fs.Parse(args)

	if *prefix == "" {
		log.Fatal("revoke-key: -prefix is required")
	}
	key, err := store.GetAPIKeyByPrefix(ctx, *prefix)
	if err != nil {
		log.Fatalf("look up key: %v", err)
	}
	if err := store.RevokeAPIKey(ctx, key.ID); err != nil {
		log.Fatalf("revoke key: %v", err)
	}
	fmt.Printf("key %s revoked\n", *prefix)
}

func bindProvider(ctx context.Context, store *storage.Store, args []string) {
	fs := flag.NewFlagSet("bind-provider", flag.ExitOnError)
	slug := fs.String("tenant", "", "tenant slug (required)")
	providerType := fs.String("type", "", "provider type, e.g. crm or llm (required)")
	adapter := fs.String("adapter", "", "adapter name (defaults to the provider type)")
	baseURL := fs.String("base-url", "", "upstream base URL")
	apiKey := fs.String("api-key", "", "upstream credential")
	settings := fs.String("settings", "", "comma-separated key=value adapter settings")
	disabled := fs.Bool("disabled", false, "store the binding but keep it disabled")
	fs.Parse(args)

	if *providerType == "" {
		log.Fatal("bind-provider: -type is required")
	}
	if *adapter == "" {
		*adapter = *providerType
	}
	tenant := mustTenant(ctx, store, *slug)
	parsed, err := parseSettings(*settings)
	if err != nil {
		log.Fatalf("bind provider: %v", err)
	}

	binding, err := store.UpsertProviderBinding(ctx, storage.ProviderBinding{
		TenantID:     tenant.ID,
		ProviderType: *providerType,
		Adapter:      *adapter,
		BaseURL:      *baseURL,
		APIKey:       *apiKey,
		Settings:     parsed,
		Enabled:      !*disabled,
	})
	if err != nil {
		log.Fatalf("upsert binding: %v", err)
	}
	fmt.Printf("binding %s: tenant %s -> %s via %s (enabled=%t)\n",
		binding.ID, tenant.Slug, binding.ProviderType, binding.Adapter, binding.Enabled)
}

func listBindings(ctx context.Context, store *storage.Store, args []string) {
	fs := flag.NewFlagSet("list-bindings", flag.ExitOnError)
	slug := fs.String("tenant", "", "tenant slug (required)")
	fs.Parse(args)

	tenant := mustTenant(ctx, store, *slug)
	bindings, err := store.ListProviderBindings(ctx, tenant.ID)
	if err != nil {
		log.Fatalf("list bindings: %v", err)
	}
	if len(bindings) == 0 {
		fmt.Printf("tenant %s has no provider bindings\n", tenant.Slug)
		return
	}
	for _, b := range bindings {
		fmt.Printf("%-12s adapter=%s enabled=%t base_url=%s settings=%d\n",
			b.ProviderType, b.Adapter, b.Enabled, b.BaseURL, len(b.Settings))
	}
}

func mustTenant(ctx context.Context, store *storage.Store, slug string) storage.Tenant {
	if slug == "" {
		log.Fatal("a tenant slug is required")
	}
	tenant, err := store.GetTenantBySlug(ctx, slug)
	if err != nil {
		log.Fatalf("look up tenant %q: %v", slug, err)
	}
	return tenant
}

func parseSettings(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("malformed setting %q, want key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}
