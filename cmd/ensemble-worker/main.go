// Command ensemble-worker runs the agent execution worker. It connects to
// Temporal, registers the agent workflow and its activities, reconnects the
// persisted MCP servers, and serves runs until interrupted.
//
// Configuration comes from the environment:
//
//	TEMPORAL_ADDRESS      - Temporal frontend address (default: "localhost:7233")
//	TEMPORAL_NAMESPACE    - Temporal namespace (default: "default")
//	TASK_QUEUE            - workflow and activity task queue (default: "ensemble")
//	MONGO_URI             - MongoDB connection string; empty uses the file
//	                        repository under ENSEMBLE_AGENTS_DIR instead
//	MONGO_DATABASE        - MongoDB database name (default: "ensemble")
//	ENSEMBLE_AGENTS_DIR   - agent document directory (default: "agents")
//	REDIS_URL             - Redis address for the Pulse event sink (optional)
//	REDIS_PASSWORD        - Redis password (optional)
//	ENSEMBLE_KB_PATH      - chromem knowledge base directory (optional)
//	ENSEMBLE_TPM_BUDGET   - tokens-per-minute model budget; shared across
//	                        the fleet when Redis is configured (optional)
//	ENSEMBLE_SECRET_*     - secret store entries referenced by agent and MCP
//	                        records
//
// Provider credentials resolve through secret references first and fall back
// to the usual ambient variables (ANTHROPIC_API_KEY, OPENAI_API_KEY, the AWS
// default chain).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"github.com/ensembleworks/ensemble/features/knowledge/chromem"
	"github.com/ensembleworks/ensemble/features/model/anthropic"
	"github.com/ensembleworks/ensemble/features/model/bedrock"
	"github.com/ensembleworks/ensemble/features/model/middleware"
	"github.com/ensembleworks/ensemble/features/model/openai"
	"github.com/ensembleworks/ensemble/features/secrets/env"
	"github.com/ensembleworks/ensemble/features/store/file"
	mongostore "github.com/ensembleworks/ensemble/features/store/mongo"
	pulsestream "github.com/ensembleworks/ensemble/features/stream/pulse"
	pulseclient "github.com/ensembleworks/ensemble/features/stream/pulse/clients/pulse"
	"github.com/ensembleworks/ensemble/runtime/activity"
	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/engine/temporal"
	"github.com/ensembleworks/ensemble/runtime/mcp"
	"github.com/ensembleworks/ensemble/runtime/model"
	"github.com/ensembleworks/ensemble/runtime/runner"
	"github.com/ensembleworks/ensemble/runtime/store"
	"github.com/ensembleworks/ensemble/runtime/telemetry"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	secrets := env.New(env.Options{Prefix: "ENSEMBLE_SECRET"})

	// Stores: Mongo when configured, the file repository otherwise. The MCP
	// reconnect sweep and conversation persistence need Mongo.
	var (
		agents  store.AgentRepository
		convs   store.ConversationRepository
		servers store.MCPServerRepository
	)
	if uri := os.Getenv("MONGO_URI"); uri != "" {
		cli, err := mongo.Connect(mongooptions.Client().ApplyURI(uri))
		if err != nil {
			return fmt.Errorf("connect mongodb: %w", err)
		}
		defer func() { _ = cli.Disconnect(context.Background()) }()
		st, err := mongostore.New(cli.Database(envOr("MONGO_DATABASE", "ensemble")))
		if err != nil {
			return err
		}
		if err := st.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("ensure mongodb indexes: %w", err)
		}
		agents, convs, servers = st.Agents(), st.Conversations(), st.Servers()
		log.Printf(ctx, "using mongodb store")
	} else {
		repo, err := file.New(file.Options{Root: envOr("ENSEMBLE_AGENTS_DIR", "agents")})
		if err != nil {
			return err
		}
		agents = repo
		log.Printf(ctx, "using file agent repository")
	}

	var rdb *redis.Client
	if addr := os.Getenv("REDIS_URL"); addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	// Token budget governance. With Redis the budget is shared across the
	// worker fleet through a replicated map; without it each process
	// throttles on its own.
	var limit func(model.Client) model.Client
	if tpm := envFloat("ENSEMBLE_TPM_BUDGET", 0); tpm > 0 {
		var budget *rmap.Map
		if rdb != nil {
			var err error
			budget, err = rmap.Join(ctx, "model-budget", rdb)
			if err != nil {
				return fmt.Errorf("join budget map: %w", err)
			}
		}
		limit = middleware.NewAdaptiveRateLimiter(ctx, budget, "tpm", tpm, tpm).Middleware()
		log.Printf(ctx, "token budget set to %.0f tpm", tpm)
	}
	wrap := func(c model.Client, err error) (model.Client, error) {
		if err != nil || limit == nil {
			return c, err
		}
		return limit(c), nil
	}

	models := runner.NewModels(secrets)
	models.Register("anthropic", func(_ context.Context, binding agent.LLMBinding, credential string) (model.Client, error) {
		if credential == "" {
			credential = os.Getenv("ANTHROPIC_API_KEY")
		}
		return wrap(anthropic.NewFromAPIKey(credential, binding.Model))
	})
	models.Register("openai", func(_ context.Context, binding agent.LLMBinding, credential string) (model.Client, error) {
		if credential == "" {
			credential = os.Getenv("OPENAI_API_KEY")
		}
		return wrap(openai.NewFromAPIKey(credential, binding.Model))
	})
	models.Register("bedrock", func(ctx context.Context, binding agent.LLMBinding, _ string) (model.Client, error) {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws configuration: %w", err)
		}
		return wrap(bedrock.NewFromConfig(cfg, binding.Model))
	})

	deps := activity.Deps{
		Models:  models,
		Logger:  logger,
		Metrics: metrics,
	}

	if path := os.Getenv("ENSEMBLE_KB_PATH"); path != "" {
		kb, err := chromem.New(chromem.Options{PersistPath: path})
		if err != nil {
			return fmt.Errorf("open knowledge base: %w", err)
		}
		deps.Knowledge = kb
		log.Printf(ctx, "knowledge base loaded from %s", path)
	}

	if rdb != nil {
		pc, err := pulseclient.New(pulseclient.Options{Redis: rdb})
		if err != nil {
			return err
		}
		sink, err := pulsestream.NewSink(pulsestream.SinkOptions{Client: pc})
		if err != nil {
			return err
		}
		deps.Sink = sink
		log.Printf(ctx, "streaming events through redis")
	}

	manager := mcp.NewManager(mcp.ManagerOptions{Logger: logger})
	defer manager.Shutdown(context.Background())
	deps.MCP = manager

	queue := envOr("TASK_QUEUE", "ensemble")
	eng, err := temporal.New(temporal.Options{
		ClientOptions: &temporalclient.Options{
			HostPort:  envOr("TEMPORAL_ADDRESS", "localhost:7233"),
			Namespace: envOr("TEMPORAL_NAMESPACE", "default"),
		},
		WorkerOptions: temporal.WorkerOptions{TaskQueue: queue},
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	if _, err := runner.New(runner.Options{
		Engine:         eng,
		Agents:         agents,
		Conversations:  convs,
		Activities:     deps,
		TaskQueue:      queue,
		FollowReroutes: true,
		Logger:         logger,
		Metrics:        metrics,
	}); err != nil {
		return fmt.Errorf("build runner: %w", err)
	}

	if servers != nil {
		reconnectServers(ctx, manager, servers, secrets)
	}

	eng.Worker().Start()
	log.Printf(ctx, "worker started on task queue %s", queue)

	<-ctx.Done()
	log.Printf(ctx, "shutting down")
	eng.Worker().Stop()
	return nil
}

// reconnectServers rebuilds MCP connections from the persisted server
// records. Failures are recorded per server; a server that cannot connect
// never blocks worker startup.
func reconnectServers(ctx context.Context, manager *mcp.Manager, servers store.MCPServerRepository, secrets store.SecretStore) {
	recs, err := servers.List(ctx, "")
	if err != nil {
		log.Errorf(ctx, err, "list mcp servers for reconnect")
		return
	}
	cfgs := make([]mcp.Config, 0, len(recs))
	for _, rec := range recs {
		headers, err := rec.ResolveHeaders(ctx, secrets)
		if err != nil {
			log.Errorf(ctx, err, "resolve headers for mcp server %s", rec.ID)
			_ = servers.UpdateStatus(ctx, rec.ID, store.ServerError, err.Error())
			continue
		}
		cfgs = append(cfgs, mcp.Config{
			ID:       rec.ID,
			Name:     rec.Name,
			Template: rec.Template,
			URL:      rec.URL,
			Headers:  headers,
		})
	}
	connected := manager.ReconnectSweep(ctx, cfgs)
	log.Printf(ctx, "mcp reconnect sweep: %d of %d servers connected", connected, len(cfgs))

	for _, st := range manager.HealthCheck(ctx) {
		status := store.ServerActive
		if st.Error != "" {
			status = store.ServerError
		}
		if err := servers.UpdateStatus(ctx, st.ID, status, st.Error); err != nil {
			log.Errorf(ctx, err, "record status for mcp server %s", st.ID)
		}
	}
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
