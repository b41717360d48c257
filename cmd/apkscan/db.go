package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/apk-analysis/apk-secscan/internal/queue"
	"github.com/apk-analysis/apk-secscan/internal/repository"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the scan database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger := newLogger(cfg)

		db, err := repository.InitDB(&cfg.Database, logger)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Migration completed")
		return nil
	},
}

var requeueFailed bool

var requeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Republish queued scans to RabbitMQ",
	Long: `Requeue publishes every queued scan to the configured RabbitMQ queue.
With --failed, failed scans are reset to queued first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if !cfg.RabbitMQ.Enabled {
			return errors.New("requeue requires rabbitmq.enabled; the server redistributes queued scans on startup otherwise")
		}
		logger := newLogger(cfg)
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		db, err := repository.InitDB(&cfg.Database, logger)
		if err != nil {
			return err
		}
		repo := repository.NewScanRepository(db, logger)

		if requeueFailed {
			failed, err := repo.ListByStatus(ctx, domain.ScanStatusFailed)
			if err != nil {
				return fmt.Errorf("list failed scans: %w", err)
			}
			for _, scan := range failed {
				if err := repo.UpdateStatus(ctx, scan.ID, domain.ScanStatusQueued, ""); err != nil {
					logger.WithError(err).WithField("scan_id", scan.ID).Warn("Failed to reset scan")
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %d failed scans\n", len(failed))
		}

		broker, err := queue.NewBroker(ctx, cfg.RabbitMQ.URL(), cfg.RabbitMQ.Queue, 1, logger)
		if err != nil {
			return err
		}
		defer broker.Close()
		producer := queue.NewProducer(broker, logger)

		scans, err := repo.ListQueued(ctx)
		if err != nil {
			return fmt.Errorf("list queued scans: %w", err)
		}

		published := 0
		for _, scan := range scans {
			if err := producer.PublishScan(ctx, queue.NewScanMessage(scan)); err != nil {
				logger.WithError(err).WithField("scan_id", scan.ID).Error("Failed to publish scan")
				continue
			}
			published++
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Published %d/%d queued scans\n", published, len(scans))
		return nil
	},
}

func init() {
	requeueCmd.Flags().BoolVar(&requeueFailed, "failed", false, "reset failed scans to queued before publishing")
	rootCmd.AddCommand(migrateCmd, requeueCmd)
}
