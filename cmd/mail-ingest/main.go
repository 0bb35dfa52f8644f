// Package main is the entry point for the mail ingestion service.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/awnumar/memguard"

	"github.com/shineum/mail-ingest-lite/internal/blob"
	"github.com/shineum/mail-ingest-lite/internal/blob/fs"
	"github.com/shineum/mail-ingest-lite/internal/blob/s3"
	"github.com/shineum/mail-ingest-lite/internal/config"
	"github.com/shineum/mail-ingest-lite/internal/ingest"
	"github.com/shineum/mail-ingest-lite/internal/mailbox"
	"github.com/shineum/mail-ingest-lite/internal/notify"
	"github.com/shineum/mail-ingest-lite/internal/notify/amqp"
	"github.com/shineum/mail-ingest-lite/internal/notify/stdout"
	"github.com/shineum/mail-ingest-lite/internal/parser"
	"github.com/shineum/mail-ingest-lite/internal/retention"
	"github.com/shineum/mail-ingest-lite/internal/server"
	"github.com/shineum/mail-ingest-lite/internal/signature"
	"github.com/shineum/mail-ingest-lite/internal/smtp"
	"github.com/shineum/mail-ingest-lite/internal/store"
	"github.com/shineum/mail-ingest-lite/internal/store/memory"
	"github.com/shineum/mail-ingest-lite/internal/store/postgres"
	smtptls "github.com/shineum/mail-ingest-lite/internal/tls"
)

// shutdownTimeout bounds the HTTP drain on shutdown.
const shutdownTimeout = 30 * time.Second

// metadataStore is implemented by every metadata backend.
type metadataStore interface {
	store.MailboxStore
	store.MessageStore
}

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Wipe sealed key material on exit. Signals are handled below so that
	// shutdown drains in-flight work first.
	defer memguard.Purge()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		memguard.SafeExit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		memguard.SafeExit(1)
	}

	secret, err := signature.LoadSecret(cfg.Signature.Secret, cfg.Signature.SecretFile)
	if err != nil {
		slog.Error("failed to load signature secret", "error", err)
		memguard.SafeExit(1)
	}

	ctx, cancel := shutdownContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	metadata, closeMetadata, err := openMetadata(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to open metadata store", "driver", cfg.Database.Driver, "error", err)
		memguard.SafeExit(1)
	}
	defer closeMetadata()

	blobs, err := openBlobs(ctx, cfg.Blob)
	if err != nil {
		slog.Error("failed to open blob store", "backend", cfg.Blob.Backend, "error", err)
		memguard.SafeExit(1)
	}

	notifier, closeNotifier, err := selectNotifier(cfg.Events)
	if err != nil {
		slog.Error("failed to set up event notifier", "driver", cfg.Events.Driver, "error", err)
		memguard.SafeExit(1)
	}
	defer closeNotifier()

	sweeper := retention.New(metadata, blobs, retention.Config{
		Window:  cfg.Retention.Window,
		Timeout: cfg.Retention.SweepTimeout,
	}, slog.Default())

	pipeline := ingest.New(ingest.Config{
		Verifier:                signature.NewVerifier(secret),
		Parse:                   parser.Parse,
		Resolver:                mailbox.NewResolver(metadata),
		Messages:                metadata,
		Blobs:                   blobs,
		Sweeper:                 sweeper,
		Notifier:                notifier,
		RejectPermanentFailures: cfg.Ingest.RejectPermanentFailures,
		Logger:                  slog.Default(),
	})

	httpServer := server.New(server.Config{
		Ingester:        pipeline,
		Mailboxes:       metadata,
		Messages:        metadata,
		Blobs:           blobs,
		SignatureHeader: cfg.Signature.Header,
		MaxBodySize:     cfg.HTTP.MaxBodySize,
		Logger:          slog.Default(),
	})

	slog.Info("starting mail-ingest-lite",
		"http_listen", cfg.HTTP.Listen,
		"smtp_enabled", cfg.SMTP.Enabled,
		"database", cfg.Database.Driver,
		"blob_backend", cfg.Blob.Backend,
		"events", notifier.Name(),
		"retention_window", cfg.Retention.Window.String(),
	)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx, cfg.Retention.SweepInterval)
	}()

	if cfg.SMTP.Enabled {
		smtpServer, err := newSMTPServer(cfg, pipeline)
		if err != nil {
			slog.Error("failed to setup SMTP server", "error", err)
			memguard.SafeExit(1)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := smtpServer.ListenAndServe(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	go func() {
		if err := httpServer.Start(cfg.HTTP.Listen); err != nil {
			errCh <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("server error", "error", err)
		exitCode = 1
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}

	wg.Wait()
	sweeper.Wait()
	pipeline.Wait()

	slog.Info("mail-ingest-lite stopped")
	if exitCode != 0 {
		closeNotifier()
		closeMetadata()
		memguard.SafeExit(exitCode)
	}
}

// shutdownContext returns a context that is cancelled when one of sigs
// arrives or cancel is called.
func shutdownContext(parent context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sigs...)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			slog.Info("received signal, initiating shutdown", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// openMetadata opens the configured metadata store. The returned close
// function is always non-nil.
func openMetadata(ctx context.Context, cfg config.DatabaseConfig) (metadataStore, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, func() {}, err
		}
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, func() {}, err
			}
		}
		slog.Info("using postgres metadata store", "migrated", cfg.Migrate)
		return pg, pg.Close, nil

	case "memory":
		slog.Warn("using in-memory metadata store; messages are lost on restart")
		return memory.New(), func() {}, nil

	default:
		return nil, func() {}, errors.New("unknown database driver: " + cfg.Driver)
	}
}

// openBlobs selects the attachment payload backend.
func openBlobs(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Backend {
	case "fs":
		slog.Info("using filesystem blob store", "dir", cfg.Dir)
		return fs.New(cfg.Dir)

	case "s3":
		slog.Info("using S3 blob store",
			"bucket", cfg.Bucket,
			"region", cfg.Region,
			"endpoint", cfg.Endpoint,
		)
		return s3.New(ctx, s3.Config{
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UsePathStyle:    cfg.UsePathStyle,
		})

	case "memory":
		slog.Warn("using in-memory blob store; attachments are lost on restart")
		return blob.NewMemory(), nil

	default:
		return nil, errors.New("unknown blob backend: " + cfg.Backend)
	}
}

// selectNotifier chooses the stored-message event sink.
func selectNotifier(cfg config.EventsConfig) (notify.Notifier, func(), error) {
	switch cfg.Driver {
	case "amqp":
		p, err := amqp.Dial(amqp.Config{
			URL:        cfg.URL,
			Exchange:   cfg.Exchange,
			RoutingKey: cfg.RoutingKey,
		})
		if err != nil {
			return nil, func() {}, err
		}
		return p, func() { closeQuietly("amqp publisher", p) }, nil

	case "stdout":
		slog.Info("using stdout event notifier")
		return stdout.New(), func() {}, nil

	case "none", "":
		return notify.Nop{}, func() {}, nil

	default:
		return nil, func() {}, errors.New("unknown events driver: " + cfg.Driver)
	}
}

// newSMTPServer builds the SMTP ingress with STARTTLS.
func newSMTPServer(cfg *config.Config, ingester smtp.Ingester) (*smtp.Server, error) {
	tlsConfig, err := smtptls.Config(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		return nil, err
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}
	slog.Info("SMTP ingress enabled",
		"listen", cfg.SMTP.Listen,
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
	)

	return smtp.New(smtp.ServerConfig{
		ListenAddr:      cfg.SMTP.Listen,
		Hostname:        cfg.SMTP.Hostname,
		Ingester:        ingester,
		TLSConfig:       tlsConfig,
		AuthUsername:    cfg.SMTP.Username,
		AuthPassword:    cfg.SMTP.Password,
		MaxMessageSize:  cfg.SMTP.MaxMessageSize,
		SignatureHeader: cfg.Signature.Header,
	}), nil
}

func closeQuietly(what string, c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Warn("failed to close "+what, "error", err)
	}
}
