// Package main is the entrypoint for the Relay Worker Lambda function.
//
// The Relay Worker consumes stored-email notifications from the relay SQS
// queue, renders each message as a Discord embed, packs the embeds into
// batches per destination webhook and delivers them while adapting to the
// webhook rate limit.
//
// Cold Start (main):
//  1. Initialize a bootstrap logger and load configuration (env, dotenv, SSM).
//  2. Build the egress-guarded HTTP client, then rebuild the logger at the
//     configured level, teeing into the log shipper when LOG_SHIP_URL is set.
//  3. Load AWS SDK configuration and create the S3, SQS and CloudWatch clients.
//  4. Build the fetcher, router, formatter, sender and stats flusher.
//  5. Create the RateState shared by every warm invocation.
//  6. Register handler and call lambda.Start.
//
// Handler flow:
//
//	Decode the SQS batch (malformed bodies are acknowledged and dropped),
//	run the relay orchestrator, report requeued messages as batch item
//	failures, then flush shipped logs.
//
// Setting APP_ENV=local without a Lambda runtime reads one SQS event as JSON
// from stdin and prints the batch response.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"mailrelay/internal/blobstore"
	"mailrelay/internal/config"
	"mailrelay/internal/db"
	"mailrelay/internal/external"
	"mailrelay/internal/logging"
	"mailrelay/internal/notifications/webhook"
	"mailrelay/internal/queue"
	"mailrelay/internal/relay"
	"mailrelay/internal/routing"
	"mailrelay/internal/security"
	"mailrelay/internal/stats"
	"mailrelay/internal/types"
)

// Runner executes one relay run.
type Runner interface {
	Run(ctx context.Context, msgs []relay.QueuedMessage) relay.RunReport
}

// LogFlusher ships buffered logs. *logging.Shipper satisfies it.
type LogFlusher interface {
	Flush(ctx context.Context)
}

// Handler holds the dependencies for the relay worker Lambda handler.
type Handler struct {
	runner  Runner
	backoff queue.Backoff
	logs    LogFlusher
	logger  types.Logger
}

// Handle processes one SQS event. Per-message outcomes are reported through
// the partial batch response; the handler itself never fails the batch.
func (h *Handler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	batch := queue.NewBatch(event, h.backoff, h.logger)
	report := h.runner.Run(ctx, batch.Messages())
	resp := batch.Response(ctx)

	h.logger.Info("sqs batch processed",
		"records", len(event.Records),
		"malformed", batch.Malformed(),
		"batch_item_failures", len(resp.BatchItemFailures),
		"run_id", report.RunID,
	)

	if h.logs != nil {
		h.logs.Flush(types.WithRunID(ctx, report.RunID))
	}
	return resp, nil
}

func main() {
	// Initialize structured logger at startup (Cold Start).
	bootLogger := slog.New(logging.NewJSONHandler(os.Stdout, "info"))
	bootLogger.Info("Relay Worker Lambda initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		bootLogger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	handler, shipper, err := newHandler(ctx, cfg)
	if err != nil {
		bootLogger.Error("Failed to initialize relay worker", "error", err)
		if shipper != nil {
			shipper.Flush(ctx)
		}
		os.Exit(1)
	}

	if cfg.Environment == "local" && os.Getenv("AWS_LAMBDA_RUNTIME_API") == "" {
		if err := runLocal(ctx, handler, os.Stdin, os.Stdout); err != nil {
			bootLogger.Error("Local run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	lambda.Start(handler.Handle)
}

// newHandler wires the relay pipeline from configuration. The returned
// shipper is nil when log shipping is disabled.
func newHandler(ctx context.Context, cfg *config.Config) (*Handler, *logging.Shipper, error) {
	// Webhook and log sink URLs come from configuration, so both go through
	// the egress guard.
	httpClient := security.NewSafeHTTPClient(security.ClientConfig{
		Timeout:      cfg.Discord.Timeout,
		MaxRedirects: cfg.Discord.MaxRedirects,
		AllowPrivate: cfg.Discord.AllowPrivateHosts,
	})

	var shipper *logging.Shipper
	base := logging.NewJSONHandler(os.Stdout, cfg.LogLevel)
	if cfg.Observability.LogShipURL != "" {
		client := external.NewBaseClient(
			httpClient,
			"log-shipper",
			external.DefaultRetryPolicy(),
			cfg.Discord.UserAgent,
		)
		shipper = logging.NewShipper(logging.ShipConfig{
			URL:       cfg.Observability.LogShipURL,
			Token:     cfg.Observability.LogShipToken,
			Env:       cfg.Environment,
			MaxBuffer: cfg.Observability.LogShipMaxBuffer,
		}, client)
		base = shipper.Handler(base)
	}
	slogger := slog.New(base).With("service", cfg.Service, "env", cfg.Environment)
	logger := logging.New(slogger)

	awsOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
	if cfg.AWS.EndpointURL != "" {
		awsOpts = append(awsOpts, awsconfig.WithBaseEndpoint(cfg.AWS.EndpointURL))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, shipper, fmt.Errorf("load AWS SDK config: %w", err)
	}

	// Blob store.
	store := blobstore.NewS3Store(blobstore.NewS3Client(awsCfg, cfg.AWS.BlobEndpointURL), cfg.AWS.EmailBucket)
	fetcher := blobstore.NewFetcher(store, blobstore.FetchPolicy{
		MaxAttempts: cfg.Fetch.MaxAttempts,
		MinDelay:    cfg.Fetch.MinDelay,
		MaxDelay:    cfg.Fetch.MaxDelay,
	}, blobstore.SleepFunc(external.ContextSleep), logger.With("component", "fetcher"))

	// Routing.
	rules := routing.DefaultRules()
	if cfg.Routing.RulesJSON != "" {
		rules, err = routing.ParseRules(cfg.Routing.RulesJSON)
		if err != nil {
			return nil, shipper, err
		}
	}
	router, err := routing.New(rules, cfg.Discord.Webhooks, cfg.Discord.DefaultWebhook, logger.With("component", "router"))
	if err != nil {
		return nil, shipper, err
	}

	// Formatting and delivery.
	limits := webhook.Limits{
		UnitSizeLimit:     cfg.Discord.UnitSizeLimit,
		TotalPayloadLimit: cfg.Discord.TotalPayloadLimit,
		MaxUnitsPerBatch:  cfg.Discord.MaxUnitsPerBatch,
	}
	formatter := webhook.NewFormatter(webhook.FormatterConfig{
		UnitSizeLimit:     cfg.Discord.UnitSizeLimit,
		FooterSkipSenders: cfg.Discord.FooterSkipSenders,
	})
	rateState := webhook.NewRateState(cfg.Discord.RateDecay)
	sender := webhook.NewSender(
		httpClient,
		webhook.SenderConfig{
			BotToken:            cfg.Discord.BotToken,
			UserAgent:           cfg.Discord.UserAgent,
			PreemptiveThreshold: cfg.Discord.PreemptiveThreshold,
			PreemptiveDelay:     cfg.Discord.PreemptiveDelay,
			MaxRetryAfter:       cfg.Discord.MaxRetryAfter,
		},
		rateState,
		webhook.SleepFunc(external.ContextSleep),
		logger.With("component", "sender"),
	)

	// Stats.
	writer, err := newStatsWriter(ctx, cfg, awsCfg)
	if err != nil {
		return nil, shipper, err
	}
	flusher := stats.NewFlusher(writer, cfg.Stats.MaxDataPointsPerRun, logger.With("component", "stats"))

	orchestrator := relay.NewOrchestrator(
		relay.Config{Concurrency: cfg.Fetch.Concurrency, Limits: limits},
		fetcher, router, formatter, sender, flusher,
		types.RealClock{}, logger,
	)

	var backoff queue.Backoff
	if cfg.Queue.BackoffEnabled() {
		backoff = queue.Backoff{
			Client:     sqs.NewFromConfig(awsCfg),
			QueueURL:   cfg.Queue.URL,
			Visibility: cfg.Queue.RequeueVisibility,
		}
	}

	slogger.Info("Relay Worker Lambda initialized",
		"build", cfg.Build,
		"destinations", len(router.Destinations()),
		"routing_rules", len(rules),
		"stats_backend", cfg.Stats.Backend,
		"unit_size_limit", limits.UnitSizeLimit,
		"total_payload_limit", limits.TotalPayloadLimit,
		"requeue_backoff", cfg.Queue.BackoffEnabled(),
		"log_shipping", shipper != nil,
	)

	var logs LogFlusher
	if shipper != nil {
		logs = shipper
	}
	return &Handler{runner: orchestrator, backoff: backoff, logs: logs, logger: logger}, shipper, nil
}

func newStatsWriter(ctx context.Context, cfg *config.Config, awsCfg aws.Config) (stats.Writer, error) {
	switch cfg.Stats.Backend {
	case "postgres":
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:            cfg.Stats.DatabaseURL.Unmask(),
			MaxConns:       cfg.Stats.MaxConns,
			AcquireTimeout: cfg.Stats.AcquireTimeout,
		})
		if err != nil {
			return nil, err
		}
		repo := db.NewDataPointRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return stats.NewPostgresWriter(repo, types.RealClock{}), nil
	case "none":
		return stats.NopWriter{}, nil
	default:
		return stats.NewCloudWatchWriter(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, types.RealClock{}), nil
	}
}

// runLocal handles a single SQS event read from r and writes the response to w.
func runLocal(ctx context.Context, h *Handler, r io.Reader, w io.Writer) error {
	var event events.SQSEvent
	if err := json.NewDecoder(r).Decode(&event); err != nil {
		return fmt.Errorf("decode SQS event: %w", err)
	}
	resp, err := h.Handle(ctx, event)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
