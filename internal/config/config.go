// Package config defines the configuration of the mail relay worker.
//
// Configuration is loaded once during the Lambda cold start and treated as
// immutable afterwards. Values resolve through a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid combination of limits aborts the
// cold start.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"mailrelay/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import the types package for credentials.
type SecretString = types.SecretString

// Config is the top-level configuration for the relay worker. Components are
// handed only the sub-struct they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"mailrelay"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	AWS           AWSConfig
	Discord       DiscordConfig
	Routing       RoutingConfig
	Fetch         FetchConfig
	Stats         StatsConfig
	Queue         QueueConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// EmailBucket holds the raw messages referenced by contentRef.
	EmailBucket string `envconfig:"EMAIL_BUCKET" validate:"required"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`

	// BlobEndpointURL points the S3 client at an S3-compatible store (R2, MinIO).
	// Path-style addressing is used when set.
	BlobEndpointURL string `envconfig:"BLOB_ENDPOINT_URL" validate:"omitempty,url"`
}

// DiscordConfig holds webhook credentials and the payload ceilings enforced
// by the formatter, assembler and sender.
type DiscordConfig struct {
	BotToken       SecretString `envconfig:"DISCORD_BOT_TOKEN" validate:"required"`
	DefaultWebhook string       `envconfig:"DISCORD_DEFAULT_WEBHOOK_URL" validate:"required,url"`
	// Webhooks maps destination names used by routing rules to webhook URLs.
	// Example: {"github": "https://discord.com/api/webhooks/1/abc"}
	Webhooks       WebhookURLs  `envconfig:"DISCORD_WEBHOOKS_JSON" validate:"dive,keys,required,endkeys,url"`

	UserAgent    string        `envconfig:"WEBHOOK_USER_AGENT" default:"mailrelay/1.0"`
	Timeout      time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
	MaxRedirects int           `envconfig:"WEBHOOK_MAX_REDIRECTS" default:"3" validate:"min=1"`
	// AllowPrivateHosts lifts the egress blocklist so a local stack can point
	// webhooks and the log sink at loopback mocks. Never set in deployed envs.
	AllowPrivateHosts bool `envconfig:"EGRESS_ALLOW_PRIVATE" default:"false"`

	UnitSizeLimit     int `envconfig:"UNIT_SIZE_LIMIT" default:"4096" validate:"min=1"`
	TotalPayloadLimit int `envconfig:"TOTAL_PAYLOAD_LIMIT" default:"6000" validate:"min=1"`
	MaxUnitsPerBatch  int `envconfig:"MAX_UNITS_PER_BATCH" default:"10" validate:"min=1,max=10"`

	PreemptiveThreshold float64       `envconfig:"PREEMPTIVE_THRESHOLD" default:"3" validate:"gt=0"`
	PreemptiveDelay     time.Duration `envconfig:"PREEMPTIVE_DELAY" default:"1s"`
	RateDecay           float64       `envconfig:"RATE_DECAY" default:"0.5" validate:"gt=0"`
	MaxRetryAfter       time.Duration `envconfig:"MAX_RETRY_AFTER" default:"60s"`

	// FooterSkipSenders lists sender addresses whose "From" footer line is omitted.
	FooterSkipSenders []string `envconfig:"FOOTER_SKIP_SENDERS" default:"notifications@github.com,noreply@github.com"`
}

// RoutingConfig optionally replaces the built-in routing table.
type RoutingConfig struct {
	RulesJSON string `envconfig:"ROUTING_RULES_JSON" validate:"omitempty,json"`
}

// FetchConfig tunes blob retrieval and per-message fan-out.
type FetchConfig struct {
	MaxAttempts int           `envconfig:"FETCH_MAX_ATTEMPTS" default:"10" validate:"min=1"`
	MinDelay    time.Duration `envconfig:"FETCH_MIN_DELAY" default:"250ms"`
	MaxDelay    time.Duration `envconfig:"FETCH_MAX_DELAY" default:"2s"`
	Concurrency int           `envconfig:"FETCH_CONCURRENCY" default:"10" validate:"min=1"`
}

// StatsConfig selects where per-run delivery statistics are written.
type StatsConfig struct {
	Backend             string        `envconfig:"STATS_BACKEND" default:"cloudwatch" validate:"oneof=cloudwatch postgres none"`
	MaxDataPointsPerRun int           `envconfig:"STATS_MAX_DATA_POINTS" default:"25" validate:"min=1"`
	DatabaseURL         SecretString  `envconfig:"DATABASE_URL" validate:"required_if=Backend postgres"`
	MaxConns            int32         `envconfig:"DB_MAX_CONNS" default:"2"`
	AcquireTimeout      time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// QueueConfig enables visibility backoff for requeued messages. Both fields
// must be set for backoff to apply.
type QueueConfig struct {
	URL               string        `envconfig:"QUEUE_URL" validate:"omitempty,url"`
	RequeueVisibility time.Duration `envconfig:"REQUEUE_VISIBILITY_TIMEOUT" default:"0s"`
}

// BackoffEnabled reports whether requeued receipts should have their
// visibility timeout extended.
func (q QueueConfig) BackoffEnabled() bool {
	return q.URL != "" && q.RequeueVisibility > 0
}

// ObservabilityConfig holds telemetry and log shipping settings.
type ObservabilityConfig struct {
	MetricNamespace  string       `envconfig:"METRIC_NAMESPACE" default:"MailRelay"`
	LogShipURL       string       `envconfig:"LOG_SHIP_URL" validate:"omitempty,url"`
	LogShipToken     SecretString `envconfig:"LOG_SHIP_TOKEN" validate:"required_with=LogShipURL"`
	LogShipMaxBuffer int          `envconfig:"LOG_SHIP_MAX_BUFFER" default:"500" validate:"min=1"`
}

// WebhookURLs is a destination name to URL map decoded from a JSON object.
// envconfig's native map syntax splits on ':' and cannot carry URLs.
type WebhookURLs map[string]string

// Decode implements envconfig.Decoder.
func (w *WebhookURLs) Decode(value string) error {
	if value == "" {
		*w = WebhookURLs{}
		return nil
	}
	m := make(map[string]string)
	if err := json.Unmarshal([]byte(value), &m); err != nil {
		return fmt.Errorf("webhook map must be a JSON object of name to URL: %w", err)
	}
	*w = m
	return nil
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates an environment value could not be decoded.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
