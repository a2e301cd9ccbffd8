package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Mindburn-Labs/gatekeeper/pkg/approval"
	"github.com/Mindburn-Labs/gatekeeper/pkg/artifacts"
	"github.com/Mindburn-Labs/gatekeeper/pkg/config"
	"github.com/Mindburn-Labs/gatekeeper/pkg/execution"
	"github.com/Mindburn-Labs/gatekeeper/pkg/executor"
	"github.com/Mindburn-Labs/gatekeeper/pkg/firewall"
	"github.com/Mindburn-Labs/gatekeeper/pkg/kms"
	"github.com/Mindburn-Labs/gatekeeper/pkg/observability"
	"github.com/Mindburn-Labs/gatekeeper/pkg/receipts"
	"github.com/Mindburn-Labs/gatekeeper/pkg/ssrf"
	"github.com/Mindburn-Labs/gatekeeper/pkg/vault"
)

// openDB opens "sqlite://<path>" with modernc.org/sqlite or a postgres:// URL
// with lib/pq.
func openDB(dsn string) (*sql.DB, error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			return nil, errors.New("sqlite dsn has no path")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, err
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, err
		}
		// One writer; sqlite serializes anyway and this avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		return db, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return sql.Open("postgres", dsn)
	default:
		return nil, fmt.Errorf("unsupported dsn %q (want sqlite:// or postgres://)", dsn)
	}
}

// openReceiptIndex opens and migrates the SQL receipt index at dsn.
func openReceiptIndex(ctx context.Context, dsn string) (*receipts.SQLIndex, func() error, error) {
	db, err := openDB(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("receipt index: %w", err)
	}
	idx := receipts.NewSQLIndex(db)
	if err := idx.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return idx, db.Close, nil
}

// runtime is everything the engine needs, opened from config.
type runtime struct {
	cfg       *config.Config
	telemetry *observability.Provider
	receipts  *receipts.Log
	index     *receipts.SQLIndex
	sink      execution.ReceiptSink
	engine    *execution.Engine
	redis     *redis.Client
	closers   []func() error
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			slog.Warn("shutdown step failed", "error", err)
		}
	}
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg}
	ready := false
	defer func() {
		if !ready {
			rt.Close()
		}
	}()

	var err error
	rt.telemetry, err = observability.New(ctx, &observability.Config{
		ServiceName:    "gatekeeper",
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		BatchTimeout:   observability.DefaultConfig().BatchTimeout,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() error { return rt.telemetry.Shutdown(context.Background()) })

	if cfg.RedisAddr != "" {
		rt.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rt.closers = append(rt.closers, rt.redis.Close)
	}

	var opts []receipts.Option
	if cfg.ReceiptIndexDSN != "" {
		idx, closeDB, err := openReceiptIndex(ctx, cfg.ReceiptIndexDSN)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, closeDB)
		rt.index = idx
		opts = append(opts, receipts.WithIndexer(idx))
	}
	rt.receipts, err = receipts.Open(cfg.ReceiptsPath(), opts...)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.receipts.Close)
	rt.sink = rt.telemetry.CountReceipts(rt.receipts)

	exec, err := rt.executor(ctx)
	if err != nil {
		return nil, err
	}

	store, err := approval.NewFileStore(cfg.ApprovalsDir())
	if err != nil {
		return nil, err
	}
	var locker approval.Locker
	if rt.redis != nil {
		locker = approval.NewRedisLocker(rt.redis, cfg.LockTTL)
	} else if locker, err = approval.NewFileLocker(cfg.LocksDir(), cfg.LockTTL); err != nil {
		return nil, err
	}
	baselines, err := execution.NewFileBaselines(cfg.BaselinesPath())
	if err != nil {
		return nil, err
	}

	rt.engine, err = execution.New(execution.Config{
		Store:     store,
		Policy:    execution.NewFilePolicy(cfg.SkillsLockPath),
		Executor:  exec,
		Locker:    locker,
		Baselines: baselines,
		Receipts:  rt.sink,
		Observer:  rt.telemetry,
		Tolerance: cfg.Tolerance,
	})
	if err != nil {
		return nil, err
	}
	ready = true
	return rt, nil
}

// executor routes tool steps through the network firewall and module steps
// into the WASI sandbox.
func (rt *runtime) executor(ctx context.Context) (executor.Executor, error) {
	cfg := rt.cfg
	client := ssrf.NewHTTPClient(cfg.SSRF, cfg.WebhookTimeout)
	fw := firewall.New(cfg.SSRF, firewall.HTTPDispatcher{Client: client})
	fw.OnBlocked(rt.telemetry.GuardBlocked)

	tools := cfg.Tools
	if len(tools) == 0 {
		tools = []config.Tool{{Name: "http"}}
	}
	for _, t := range tools {
		schema := t.Schema
		if schema == "" {
			schema = firewall.HTTPToolSchema
		}
		if err := fw.AllowTool(firewall.ToolSpec{Name: t.Name, Schema: schema, URLParams: t.URLParams}); err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
	}

	store, err := artifacts.NewStore(ctx, cfg.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	if c, ok := store.(interface{ Close() error }); ok {
		rt.closers = append(rt.closers, c.Close)
	}
	wasi, err := executor.NewWASIExecutor(ctx, store, executor.SandboxLimits{
		MemoryLimitBytes: cfg.Sandbox.MemoryLimitBytes,
		Timeout:          cfg.Sandbox.Timeout,
	})
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, wasi.Close)

	return executor.Router{Tools: executor.NewToolExecutor(fw), Modules: wasi}, nil
}

// openKeys derives the vault key from VAULT_MASTER_SECRET when set, and
// otherwise loads (or creates) the keystore file.
func openKeys(cfg *config.Config) (*kms.LocalKMS, error) {
	if cfg.VaultMasterSecret != "" {
		return kms.NewDerivedKMS([]byte(cfg.VaultMasterSecret), "vault")
	}
	return kms.NewLocalKMS(cfg.KMSKeystorePath)
}

// openVault opens the credential vault: keys from openKeys, entries in
// VAULT_DSN or a sqlite file under the data dir.
func openVault(ctx context.Context, cfg *config.Config) (*vault.Vault, *kms.LocalKMS, func() error, error) {
	keys, err := openKeys(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	dsn := cfg.VaultDSN
	if dsn == "" {
		dsn = "sqlite://" + filepath.Join(cfg.DataDir, "vault.db")
	}
	db, err := openDB(dsn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("vault: %w", err)
	}
	backend := vault.NewSQLBackend(db)
	if err := backend.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	v, err := vault.New(backend, keys)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	return v, keys, db.Close, nil
}
