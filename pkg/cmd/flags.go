package cmd

import (
	"time"

	"github.com/dukex/autoflow/pkg/dedup"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/retention"
	"github.com/dukex/autoflow/pkg/workflow"
	cli "github.com/urfave/cli/v3"
)

// CommonFlags are shared by every binary.
func CommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (postgres://... or a directory for the file store)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

// EngineFlags configure the in-process engine.
func EngineFlags() []cli.Flag {
	defaults := workflow.DefaultConfig()

	return []cli.Flag{
		&cli.StringFlag{
			Name:    "plugins-path",
			Usage:   "Path to the directory containing node plugins",
			Value:   "./plugins",
			Sources: cli.EnvVars("PLUGINS_PATH"),
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "Concurrent node executions",
			Value:   defaults.Workers,
			Sources: cli.EnvVars("WORKERS"),
		},
		&cli.IntFlag{
			Name:    "queue-size",
			Usage:   "Buffered dispatch slots",
			Value:   defaults.QueueSize,
			Sources: cli.EnvVars("QUEUE_SIZE"),
		},
		&cli.IntFlag{
			Name:    "max-attempts",
			Usage:   "Attempt budget for nodes that do not set one",
			Value:   defaults.MaxAttempts,
			Sources: cli.EnvVars("MAX_ATTEMPTS"),
		},
		&cli.DurationFlag{
			Name:    "node-timeout",
			Usage:   "Per-dispatch timeout for nodes that do not set one",
			Value:   defaults.NodeTimeout,
			Sources: cli.EnvVars("NODE_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "retry-base-delay",
			Usage:   "Delay before the first retry",
			Value:   defaults.RetryBaseDelay,
			Sources: cli.EnvVars("RETRY_BASE_DELAY"),
		},
		&cli.DurationFlag{
			Name:    "retry-max-delay",
			Usage:   "Upper bound for retry delays",
			Value:   defaults.RetryMaxDelay,
			Sources: cli.EnvVars("RETRY_MAX_DELAY"),
		},
		&cli.StringFlag{
			Name:    "failure-policy",
			Usage:   "Failure policy for definitions that do not set one (fail_fast, best_effort)",
			Value:   string(defaults.FailurePolicy),
			Sources: cli.EnvVars("FAILURE_POLICY"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for event deduplication shared across processes (in-memory when empty)",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.DurationFlag{
			Name:    "dedup-ttl",
			Usage:   "How long accepted event ids are remembered",
			Value:   dedup.DefaultTTL,
			Sources: cli.EnvVars("DEDUP_TTL"),
		},
	}
}

// EngineConfig reads EngineFlags into a validated engine config.
func EngineConfig(command *cli.Command) (workflow.Config, error) {
	config := workflow.Config{
		Workers:        command.Int("workers"),
		QueueSize:      command.Int("queue-size"),
		MaxAttempts:    command.Int("max-attempts"),
		NodeTimeout:    command.Duration("node-timeout"),
		RetryBaseDelay: command.Duration("retry-base-delay"),
		RetryMaxDelay:  command.Duration("retry-max-delay"),
		FailurePolicy:  models.FailurePolicy(command.String("failure-policy")),
	}

	return config, config.Validate()
}

// RetentionFlags configure the finished run sweeper.
func RetentionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.DurationFlag{
			Name:    "retention",
			Usage:   "How long finished runs are kept (0 keeps them forever)",
			Value:   30 * 24 * time.Hour,
			Sources: cli.EnvVars("RETENTION"),
		},
		&cli.StringFlag{
			Name:    "retention-schedule",
			Usage:   "Cron schedule of the retention sweep",
			Value:   retention.DefaultSchedule,
			Sources: cli.EnvVars("RETENTION_SCHEDULE"),
		},
	}
}
