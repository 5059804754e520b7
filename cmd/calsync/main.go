package main

import (
	"flag"
	"log"
	"net/http"

	"github.com/crmdesk/calsync/internal/api"
	"github.com/crmdesk/calsync/internal/auth/token"
	"github.com/crmdesk/calsync/internal/config"
	"github.com/crmdesk/calsync/internal/db"
	"github.com/crmdesk/calsync/internal/jobs"
	"github.com/crmdesk/calsync/internal/provider"
	"github.com/crmdesk/calsync/internal/provider/calendly"
	"github.com/crmdesk/calsync/internal/provider/google"
	"github.com/crmdesk/calsync/internal/provider/outlook"
	"github.com/crmdesk/calsync/internal/secrets"
	"github.com/crmdesk/calsync/internal/syncer"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Without a key, credentials are stored as-is. Fine for development,
	// not for anything shared.
	var cipher secrets.Cipher = secrets.Plaintext{}
	if cfg.Secrets.EncryptionKey != "" {
		cipher, err = secrets.NewAESCipher(cfg.Secrets.EncryptionKey)
		if err != nil {
			log.Fatalf("Invalid encryption key: %v", err)
		}
	} else {
		log.Printf("CALSYNC_ENCRYPTION_KEY not set, storing credentials unencrypted")
	}

	registry := provider.NewRegistry()
	if cfg.Providers.Google.ClientID != "" {
		registry.Register(google.New(cfg.Providers.Google.ClientID, cfg.Providers.Google.ClientSecret))
	}
	if cfg.Providers.Outlook.ClientID != "" {
		registry.Register(outlook.New(cfg.Providers.Outlook.ClientID, cfg.Providers.Outlook.ClientSecret))
	}
	if cfg.Providers.Calendly.ClientID != "" {
		registry.Register(calendly.New(cfg.Providers.Calendly.ClientID, cfg.Providers.Calendly.ClientSecret))
	}
	if len(registry.Names()) == 0 {
		log.Printf("No provider credentials configured; OAuth connect will be unavailable")
	}

	tokens := token.NewManager(database, cipher, registry)
	engine := syncer.New(database, registry, tokens)

	queue := jobs.NewQueue(engine)
	queue.Start(cfg.Sync.ImmediateWorkers, cfg.Sync.BatchWorkers)
	defer queue.Stop()

	maintainer := jobs.NewMaintainer(database, registry, tokens, queue, cfg.Server.BaseURL)
	maintainer.Start(cfg.Sync.WebhookInterval, cfg.Sync.FullSyncInterval)
	defer maintainer.Stop()

	router := api.NewRouter(api.Deps{
		DB:          database,
		Cipher:      cipher,
		Registry:    registry,
		Tokens:      tokens,
		Queue:       queue,
		Deleter:     engine,
		BaseURL:     cfg.Server.BaseURL,
		FrontendURL: cfg.Frontend.URL,
	})

	log.Printf("calsync starting on http://%s (providers: %v)", cfg.Addr(), registry.Names())
	if err := http.ListenAndServe(cfg.Addr(), router); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
