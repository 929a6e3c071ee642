package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"agritrace/internal/archive"
	"agritrace/internal/blob"
	"agritrace/internal/config"
	"agritrace/internal/core"
	"agritrace/internal/infra/directory/leveldb"
	"agritrace/internal/infra/ledger/evm"
	memledger "agritrace/internal/infra/ledger/memory"
	"agritrace/internal/ledger"
	"agritrace/internal/participants"
)

// app holds a wired service and the resources it must release.
type app struct {
	svc      *core.Service
	registry *prometheus.Registry
	drivers  map[string]string
	closers  []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// buildApp opens every backend named by cfg. On error, anything already
// opened is closed.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		registry: prometheus.NewRegistry(),
		drivers:  map[string]string{},
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	store, err := core.OpenPersistentStore(ctx, cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	a.drivers["store"] = string(orDefault(cfg.Storage.Driver, core.StorageSQLite))

	gateway, err := openLedger(ctx, cfg.Ledger, a)
	if err != nil {
		return nil, err
	}
	a.drivers["ledger"] = cfg.Ledger.Driver

	dir, err := openDirectory(cfg.Directory)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, dir.Close)
	a.drivers["directory"] = cfg.Directory.Driver

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom, err := core.NewPrometheusMetricsRecorder(a.registry)
	if err != nil {
		return nil, err
	}

	opts := []core.ServiceOption{
		core.WithLogger(logger),
		core.WithAuditRecorder(auditLog{logger: logger}),
		core.WithMetricsRecorder(core.MultiMetricsRecorder{prom, core.NewExpvarMetricsRecorder("")}),
		core.WithDirectory(dir),
		core.WithCreateMode(cfg.Engine.CreateMode),
		core.WithReconcileOnRead(cfg.Engine.ReconcileOnRead),
	}

	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	if blobs != nil {
		opts = append(opts, core.WithArchive(archive.New(blobs)))
		a.drivers["archive"] = string(blobs.Driver())
	}

	a.svc = core.NewService(store, gateway, opts...)
	return a, nil
}

func openLedger(ctx context.Context, cfg config.Ledger, a *app) (ledger.Gateway, error) {
	var inner ledger.Gateway
	switch cfg.Driver {
	case "memory":
		var opts []memledger.Option
		if cfg.RequireRoles {
			opts = append(opts, memledger.WithRoleRegistry())
		}
		if cfg.WithoutStatus {
			opts = append(opts, memledger.WithoutStatusView())
		}
		inner = memledger.New(opts...)
	case "evm":
		dialCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		defer cancel()
		gw, err := evm.Dial(dialCtx, evm.Config{
			RPCURL:            cfg.RPCURL,
			AgriChainAddress:  cfg.AgriChain,
			BatchTokenAddress: cfg.BatchToken,
			ChainID:           cfg.ChainID,
			SignerKeys:        cfg.SignerKeys,
			GasLimit:          cfg.GasLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		a.closers = append(a.closers, func() error { gw.Close(); return nil })
		inner = gw
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
	return ledger.NewResilient(inner, ledger.ResilientOptions{
		ReadTimeout:   cfg.CallTimeout,
		SubmitTimeout: cfg.SubmitTimeout,
		ReadRetries:   cfg.ReadRetries,
		Backoff:       200 * time.Millisecond,
	}), nil
}

func openDirectory(cfg config.Directory) (participants.Directory, error) {
	switch cfg.Driver {
	case "", "memory":
		return participants.NewMemoryDirectory(), nil
	case "leveldb":
		d, err := leveldb.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open directory: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown directory driver %q", cfg.Driver)
	}
}

func orDefault[T ~string](v, def T) T {
	if v == "" {
		return def
	}
	return v
}
