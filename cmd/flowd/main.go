// Command flowd runs declarative workflows against MCP servers.
//
//	flowd run <workflows.json> <name> [data.json]
//	flowd serve <workflows.json>
//
// run executes one workflow and prints its trace events as JSON lines.
// serve exposes the engine as a streamable-HTTP MCP server plus the
// authorization endpoints.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/flowmesh/flowd/authsrv"
	"github.com/flowmesh/flowd/client"
	"github.com/flowmesh/flowd/client/credentials"
	"github.com/flowmesh/flowd/client/oauth"
	"github.com/flowmesh/flowd/common/cache"
	"github.com/flowmesh/flowd/common/config"
	"github.com/flowmesh/flowd/common/logger"
	"github.com/flowmesh/flowd/common/models"
	rediscache "github.com/flowmesh/flowd/common/redis"
	"github.com/flowmesh/flowd/common/server"
	"github.com/flowmesh/flowd/mcpserver"
	"github.com/flowmesh/flowd/workflow"
	"github.com/flowmesh/flowd/workflow/providers"
)

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load("flowd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx := context.Background()
	engine, err := buildEngine(ctx, cfg, log, os.Args[2])
	if err != nil {
		log.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		if len(os.Args) < 4 {
			usage()
			os.Exit(2)
		}
		if err := runWorkflow(ctx, engine, os.Args[3], os.Args[4:]); err != nil {
			log.Error("run failed", "error", err)
			os.Exit(1)
		}
	case "serve":
		if err := serve(cfg, log, engine); err != nil {
			log.Error("server exited", "error", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: flowd run <workflows.json> <name> [data.json]")
	fmt.Fprintln(os.Stderr, "       flowd serve <workflows.json>")
}

// buildEngine assembles the engine from configuration: workflow definitions,
// credential store, MCP client and provider adapters.
func buildEngine(ctx context.Context, cfg *config.Config, log *logger.Logger, workflowPath string) (*workflow.Engine, error) {
	workflows, err := loadWorkflows(workflowPath)
	if err != nil {
		return nil, err
	}

	store, err := buildCredentialStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	mcpClient := client.New(client.Options{
		Credentials: store,
		Logger:      log,
	})

	providerSet := make(map[string]providers.Provider)
	if cfg.Providers.AnthropicAPIKey != "" {
		providerSet["anthropic"] = providers.NewAnthropic(cfg.Providers.AnthropicAPIKey)
	}
	if cfg.Providers.OpenAIAPIKey != "" {
		providerSet["openai"] = providers.NewOpenAI(cfg.Providers.OpenAIAPIKey, log)
	}
	if cfg.Providers.CloudflareAPIToken != "" && cfg.Providers.CloudflareAccountID != "" {
		providerSet["cloudflare"] = providers.NewCloudflare(
			cfg.Providers.CloudflareAccountID, cfg.Providers.CloudflareAPIToken, log)
	}

	return workflow.New(workflow.Options{
		Workflows: workflows,
		Client:    mcpClient,
		Logger:    log,
		Providers: providerSet,
	})
}

func buildCredentialStore(ctx context.Context, cfg *config.Config) (credentials.Store, error) {
	if cfg.Credentials.Backend == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		store := credentials.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}
	return credentials.NewFileStore(cfg.Credentials.Dir), nil
}

// loadWorkflows reads workflow definitions from a JSON file holding either a
// single workflow or a list.
func loadWorkflows(path string) ([]*models.Workflow, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflows: %w", err)
	}

	var list []*models.Workflow
	if err := json.Unmarshal(b, &list); err == nil {
		return list, nil
	}
	var single models.Workflow
	if err := json.Unmarshal(b, &single); err != nil {
		return nil, fmt.Errorf("invalid workflow file %s: %w", path, err)
	}
	return []*models.Workflow{&single}, nil
}

// runWorkflow executes one workflow and streams trace events to stdout.
func runWorkflow(ctx context.Context, engine *workflow.Engine, name string, rest []string) error {
	data := models.Data{}
	if len(rest) > 0 {
		b, err := os.ReadFile(rest[0])
		if err != nil {
			return fmt.Errorf("failed to read data: %w", err)
		}
		if err := json.Unmarshal(b, &data); err != nil {
			return fmt.Errorf("invalid data file: %w", err)
		}
	}

	events, err := engine.Run(ctx, name, data)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	failed := false
	for event := range events {
		if err := encoder.Encode(event); err != nil {
			return err
		}
		if event.Action == models.ActionWorkflowFailed {
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("workflow %s failed", name)
	}
	return nil
}

// serve runs the MCP surface and the authorization endpoints side by side.
func serve(cfg *config.Config, log *logger.Logger, engine *workflow.Engine) error {
	mcp := mcpserver.New(engine, log)

	if cfg.Auth.SecretKey != "" {
		baseURL := fmt.Sprintf("http://localhost:%d", cfg.Service.AuthPort)
		router := authsrv.NewRouter(buildAuthProvider(cfg, log), baseURL, log)

		go func() {
			authServer := server.New("flowd-auth", cfg.Service.AuthPort, router, log)
			if err := authServer.Start(); err != nil {
				log.Error("auth server exited", "error", err)
			}
		}()
	}

	return server.New("flowd-mcp", cfg.Service.Port, server.WithHealth(mcp.Handler()), log).Start()
}

// buildAuthProvider selects the third-party provider when an upstream OAuth
// server is configured, else the pass-thru provider.
func buildAuthProvider(cfg *config.Config, log *logger.Logger) authsrv.Provider {
	upstream := cfg.Auth.Upstream
	if upstream.TokenEndpoint == "" {
		return authsrv.NewPassThru(cfg.Auth.SecretKey, cfg.Auth.TokenTTL, nil, log)
	}

	var stateCache cache.Cache = cache.NewMemoryCache()
	if cfg.Redis.Addr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		stateCache = rediscache.NewCache(rdb, "flowd:", log)
	}

	upstreamClient := oauth.New(
		upstream.AuthorizeEndpoint, upstream.TokenEndpoint,
		upstream.ClientID, upstream.ClientSecret, upstream.Scope, log)
	return authsrv.NewThirdParty(
		upstreamClient, stateCache, cfg.Auth.SecretKey,
		cfg.Auth.TokenTTL, cfg.Auth.StateCacheTTL, upstream.CallbackURL, log)
}
