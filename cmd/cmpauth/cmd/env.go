package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/cmpauth/auth"
	"github.com/jmcleod/cmpauth/config"
	"github.com/jmcleod/cmpauth/directory"
	"github.com/jmcleod/cmpauth/internal/util"
	"github.com/jmcleod/cmpauth/storage"
	bboltstorage "github.com/jmcleod/cmpauth/storage/bbolt"
	"github.com/jmcleod/cmpauth/storage/memory"
	pgstorage "github.com/jmcleod/cmpauth/storage/postgres"
)

// environment is what every command runs against: configuration, logger
// and the unlocked directory.
type environment struct {
	cfg     *config.Config
	logger  *slog.Logger
	dir     *directory.Store
	closers []func()
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.configPath == "" {
		return config.Default(), nil
	}
	return config.Load(o.configPath)
}

func (o *rootOptions) openEnvironment(ctx context.Context) (*environment, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	e := &environment{cfg: cfg}
	if err := e.open(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// open acquires the logger, repository and directory. Whatever was acquired
// before a failure is left in e.closers.
func (e *environment) open(ctx context.Context) error {
	logger, logCloser, err := e.cfg.Logging.NewLogger()
	if err != nil {
		return err
	}
	e.logger = logger
	e.closers = append(e.closers, func() { logCloser.Close() })

	repo, closeRepo, err := openRepository(ctx, e.cfg.Storage)
	if err != nil {
		return err
	}
	e.closers = append(e.closers, closeRepo)

	e.dir, err = openDirectory(ctx, e.cfg, repo, logger)
	return err
}

// Close releases resources in reverse order of acquisition.
func (e *environment) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// engine builds an authentication engine over the directory with the
// configured aliases.
func (e *environment) engine() (*auth.Engine, error) {
	return auth.New(auth.Collaborators{
		Aliases:      e.cfg,
		CAs:          e.dir,
		Certificates: e.dir,
		EndEntities:  e.dir,
		Access:       e.dir,
		Identities:   e.dir,
		Profiles:     e.dir,
	}, auth.WithLogger(e.logger))
}

// bboltLockTimeout bounds the wait for another process holding the file.
const bboltLockTimeout = 2 * time.Second

func openRepository(ctx context.Context, cfg config.StorageConfig) (storage.Repository, func(), error) {
	switch cfg.Backend {
	case "bbolt":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(cfg.Path, &bbolt.Options{Timeout: bboltLockTimeout})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return repo, func() { repo.Close() }, nil
	case "postgres":
		repo, err := pgstorage.NewRepositoryFromDSN(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return repo, repo.Close, nil
	case "memory":
		return memory.NewRepository(), func() {}, nil
	default:
		return nil, nil, &config.ConfigError{Field: "storage.backend", Message: fmt.Sprintf("unknown backend %q", cfg.Backend)}
	}
}

// openDirectory unlocks the directory with the storage passphrase. An
// in-memory store without a passphrase gets a random record key, since
// nothing outlives the process anyway.
func openDirectory(ctx context.Context, cfg *config.Config, repo storage.Repository, logger *slog.Logger) (*directory.Store, error) {
	passphrase, err := cfg.StoragePassphrase()
	if errors.Is(err, config.ErrNoPassphrase) && cfg.Storage.Backend == "memory" {
		logger.Warn("using an ephemeral in-memory directory")
		key, err := util.NewAESKey()
		if err != nil {
			return nil, err
		}
		return directory.New(repo, key)
	}
	if err != nil {
		return nil, err
	}
	dir, err := directory.Open(ctx, repo, passphrase, cfg.Storage.KDF)
	if err != nil {
		return nil, fmt.Errorf("failed to unlock directory: %w", err)
	}
	return dir, nil
}

func writeOutput(path string, data []byte, perm os.FileMode, stdout io.Writer) error {
	if path == "" || path == "-" {
		_, err := stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, perm)
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}
