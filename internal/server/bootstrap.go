package server

import (
	"context"
	"fmt"

	"carelink/internal/ai"
	"carelink/internal/attachment"
	"carelink/internal/config"
	"carelink/internal/escalation"
	"carelink/internal/observability"

	"github.com/redis/go-redis/v9"
)

// BuildDeps connects the backends selected by cfg. rdb may be nil.
func BuildDeps(ctx context.Context, cfg *config.Config, rdb *redis.Client) (Deps, error) {
	deps := Deps{Redis: rdb}

	if cfg.AICompletionURL != "" {
		deps.Completer = ai.NewHTTPCompleter(ai.HTTPCompleterConfig{
			URL:    cfg.AICompletionURL,
			APIKey: cfg.AIAPIKey,
			Model:  cfg.AIModel,
		})
		observability.Logger.Info("using remote completion service", "url", cfg.AICompletionURL, "model", cfg.AIModel)
	} else {
		deps.Completer = ai.SimulatedCompleter{Latency: cfg.AISimulatedLatency()}
		observability.Logger.Info("using simulated assistant", "latency", cfg.AISimulatedLatency())
	}

	switch cfg.BlobBackend {
	case "local":
		blobs, err := attachment.NewLocalBlobStore(cfg.BlobLocalDir, attachmentsPath)
		if err != nil {
			return Deps{}, fmt.Errorf("local blob store: %w", err)
		}
		deps.Blobs = blobs
	case "s3":
		blobs, err := attachment.NewS3BlobStore(ctx, attachment.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			UsePathStyle:    cfg.S3UsePathStyle,
			PresignTTL:      cfg.S3PresignTTL(),
		})
		if err != nil {
			return Deps{}, fmt.Errorf("s3 blob store: %w", err)
		}
		deps.Blobs = blobs
	default:
		deps.Blobs = attachment.NewMemoryBlobStore(attachmentsPath)
	}
	observability.Logger.Info("attachment storage ready", "backend", blobBackendName(cfg.BlobBackend))

	switch cfg.LedgerDriver {
	case "sqlite", "postgres":
		db, err := escalation.OpenLedgerDB(cfg.LedgerDriver, cfg.LedgerDSN)
		if err != nil {
			return Deps{}, err
		}
		ledger, err := escalation.NewGormLedger(db)
		if err != nil {
			if sqlDB, derr := db.DB(); derr == nil {
				_ = sqlDB.Close()
			}
			return Deps{}, err
		}
		deps.Ledger = ledger
		deps.LedgerDB = db
	default:
		deps.Ledger = escalation.NewMemoryLedger()
	}

	return deps, nil
}

func blobBackendName(b string) string {
	if b == "" {
		return "memory"
	}
	return b
}
