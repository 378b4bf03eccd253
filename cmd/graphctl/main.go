// Command graphctl is the operator CLI: it verifies hash chains, replays
// graphs, forces snapshots and releases quarantined streams.
package main

import (
	"context"
	"fmt"
	"os"

	"graphcore/infrastructure/config"
	"graphcore/infrastructure/di"

	"github.com/spf13/cobra"
)

// opener builds the container the offline commands run against. The
// background workers are not started.
type opener func(ctx context.Context) (*di.Container, func(), error)

type options struct {
	storage    string
	badgerPath string
	table      string
	server     string
	token      string
}

func main() {
	opts := &options{}
	root := newRootCmd(opts, opts.open)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(opts *options, open opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "graphctl",
		Short:         "Operate a graphcore event log",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.storage, "storage", "", "storage backend (memory, badger, dynamodb); defaults to STORAGE_BACKEND")
	flags.StringVar(&opts.badgerPath, "badger-path", "", "badger data directory; defaults to BADGER_PATH")
	flags.StringVar(&opts.table, "table", "", "DynamoDB table; defaults to DYNAMODB_TABLE")
	flags.StringVar(&opts.server, "server", os.Getenv("GRAPHCORE_URL"), "base URL of a running service, for release")
	flags.StringVar(&opts.token, "token", os.Getenv("GRAPHCORE_TOKEN"), "bearer token with the admin role, for release")

	root.AddCommand(
		newVerifyCmd(open),
		newReplayCmd(open),
		newSnapshotCmd(open),
		newReleaseCmd(opts),
	)
	return root
}

func (o *options) open(ctx context.Context) (*di.Container, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	if o.storage != "" {
		cfg.StorageBackend = o.storage
	}
	if o.badgerPath != "" {
		cfg.BadgerPath = o.badgerPath
	}
	if o.table != "" {
		cfg.DynamoDBTable = o.table
	}
	// offline tools never export; the service owns delivery
	cfg.ExportSink = config.SinkNone
	cfg.EnableTracing = false
	if cfg.LogLevel == "info" {
		cfg.LogLevel = "warn"
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	c, cleanup, err := di.InitializeContainer(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return c, func() {
		c.Snapshots.Wait()
		cleanup()
	}, nil
}
