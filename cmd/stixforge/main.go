// Package main provides the stixforge command line converter.
// It converts MISP event files to STIX documents in one batch. Events of a
// batch share the collection engine, so descriptors seen in one event are
// reused by the next.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/stixforge/internal/config"
	"github.com/lvonguyen/stixforge/internal/convert"
	"github.com/lvonguyen/stixforge/internal/misp"
	"github.com/lvonguyen/stixforge/internal/observability"
	"github.com/lvonguyen/stixforge/internal/service"
	"github.com/lvonguyen/stixforge/internal/stix1"
	"github.com/lvonguyen/stixforge/internal/stix2"
	"github.com/lvonguyen/stixforge/internal/store"
)

// Version information (injected at build time via ldflags)
var Version = "dev"

type options struct {
	configPath  string
	format      string
	stixVersion string
	bundle      string
	collection  string
	outDir      string
	logLevel    string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to config file (defaults apply when empty)")
	flag.StringVar(&opts.format, "format", "", "Target format: stix1 or stix2")
	flag.StringVar(&opts.stixVersion, "stix-version", "", "Target version: 1.1.1, 1.2, 2.0 or 2.1")
	flag.StringVar(&opts.bundle, "bundle", "", "Emit a bundle container (true|false)")
	flag.StringVar(&opts.collection, "collection", service.DefaultCollection, "Identity collection")
	flag.StringVar(&opts.outDir, "out", "", "Output directory (stdout when empty)")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level override")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: stixforge [flags] event.json...\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("stixforge %s\n", Version)
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(opts, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "stixforge: %v\n", err)
		os.Exit(1)
	}
}

var defaultVersions = map[string]string{
	config.FormatSTIX1: string(stix1.Version12),
	config.FormatSTIX2: string(stix2.Version21),
}

func loadConfig(opts options) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if opts.format != "" && opts.format != cfg.Converter.Format {
		cfg.Converter.Format = opts.format
		cfg.Converter.Version = defaultVersions[opts.format]
	}
	if opts.stixVersion != "" {
		cfg.Converter.Version = opts.stixVersion
	}
	if opts.bundle != "" {
		cfg.Converter.Bundle = opts.bundle == "true"
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(opts options, paths []string) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	// Logs go to stderr so documents written to stdout stay clean.
	logger, err := observability.NewLogger(cfg.Logging.Level, "console")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	target, err := service.NewTarget(cfg.Converter)
	if err != nil {
		return err
	}

	ctx := context.Background()
	var identities store.Store = store.NewMemoryStore()
	if cfg.Redis.Enabled {
		client, err := store.NewRedisClient(ctx, store.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password(),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return err
		}
		identities = store.NewRedisStore(client, cfg.Redis.KeyPrefix, cfg.Redis.IdentityTTL, logger.Named("store"))
	}
	defer identities.Close()

	svc := service.New(target, identities, cfg.Converter.Bundle,
		service.WithEngineOptions(convert.WithLogger(logger.Named("convert"))),
		service.WithLogger(logger.Named("service")),
	)

	if opts.outDir != "" {
		if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	failed := 0
	for _, path := range paths {
		if err := convertFile(ctx, svc, path, opts, logger); err != nil {
			logger.Error("Conversion failed", zap.String("file", path), zap.Error(err))
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d events failed", failed, len(paths))
	}
	return nil
}

func convertFile(ctx context.Context, svc *service.Service, path string, opts options, logger *zap.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	ev, err := misp.Decode(f)
	f.Close()
	if err != nil {
		return err
	}

	res, err := svc.Convert(ctx, ev, service.Request{Collection: opts.collection})
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		logger.Warn(w, zap.String("event", ev.UUID))
	}
	for _, e := range res.Errors {
		logger.Error(e, zap.String("event", ev.UUID))
	}

	contentType, data, err := service.Encode(res.Output)
	if err != nil {
		return err
	}

	if opts.outDir == "" {
		_, err = os.Stdout.Write(data)
		return err
	}

	ext := ".json"
	if strings.HasSuffix(contentType, "xml") {
		ext = ".xml"
	}
	out := filepath.Join(opts.outDir, ev.UUID+ext)
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	logger.Info("Wrote output", zap.String("event", ev.UUID), zap.String("file", out))
	return nil
}
