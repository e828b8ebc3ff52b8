// Command link-account exchanges a short-lived user token for a long-lived
// one, stores it in the vault-encrypted settings, and syncs the managed pages.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"relaycast/internal/config"
	"relaycast/internal/observability/logging"
	"relaycast/internal/orchestrator"
	"relaycast/internal/pipeline"
	"relaycast/internal/platform"
	"relaycast/internal/storage"
	"relaycast/internal/vault"
)

func main() {
	var (
		configPath string
		token      string
		timeout    time.Duration
	)

	flag.StringVar(&configPath, "config", "", "Path to the relaycast YAML configuration")
	flag.StringVar(&token, "token", "", "Short-lived user access token")
	flag.DurationVar(&timeout, "timeout", time.Minute, "Overall timeout for the platform calls")
	flag.Parse()

	if strings.TrimSpace(token) == "" {
		token = strings.TrimSpace(os.Getenv("RELAYCAST_USER_TOKEN"))
	}
	if token == "" {
		fatalf("--token or RELAYCAST_USER_TOKEN is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := linkAccount(ctx, cfg, token, os.Stdout); err != nil {
		fatalf("link account: %v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func linkAccount(ctx context.Context, cfg *config.Config, token string, out io.Writer) error {
	repo, err := openRepository(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer closeRepository(repo)

	cipher, err := vault.New(cfg.Vault.Passphrase, cfg.Vault.Salt)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Writer: io.Discard})
	client := platform.New(platform.Config{
		BaseURL:       cfg.Platform.BaseURL,
		APIVersion:    cfg.Platform.APIVersion,
		AppID:         cfg.Platform.AppID,
		AppSecret:     cfg.Platform.AppSecret,
		Timeout:       cfg.Platform.Timeout,
		Logger:        logger,
		MaxAttempts:   cfg.Platform.MaxAttempts,
		RetryInterval: cfg.Platform.RetryInterval,
	})

	svc, err := orchestrator.New(orchestrator.Config{
		Store:    repo,
		Platform: client,
		Cipher:   cipher,
		Compiler: pipeline.NewCompiler(nil),
		Launcher: orchestrator.NewExecLauncher(cfg.FFmpeg.Path),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	account, pages, err := svc.LinkAccount(ctx, token)
	if err != nil {
		return err
	}

	name := account.Name
	if name == "" {
		name = account.ID
	}
	fmt.Fprintf(out, "Linked account %s (%s).\n", name, account.ID)
	fmt.Fprintf(out, "Synced %d page(s):\n", len(pages))
	for _, page := range pages {
		fmt.Fprintf(out, "  %s\t%s\n", page.ID, page.Name)
	}
	return nil
}

func openRepository(ctx context.Context, cfg config.StorageConfig) (storage.Repository, error) {
	switch cfg.Driver {
	case "json", "":
		return storage.NewStorage(cfg.Path)
	case "sqlite":
		return storage.NewSQLiteRepository(cfg.Path)
	case "postgres":
		return storage.NewPostgresRepository(ctx, cfg.Postgres.DSN, storage.WithPostgresApplicationName("relaycast-link-account"))
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func closeRepository(repo storage.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = repo.Close(ctx)
}
