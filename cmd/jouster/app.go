package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/beffjarker/jouster/internal/history"
	"github.com/beffjarker/jouster/internal/history/archive"
	"github.com/beffjarker/jouster/internal/history/db"
	"github.com/beffjarker/jouster/internal/history/ledger"
	"github.com/beffjarker/jouster/internal/history/sync"
)

// app holds the components a command works with. The store client is built
// once and shared by everything that talks to DynamoDB.
type app struct {
	store   *db.DB
	archive *archive.Archive
	ledger  *ledger.Ledger
	syncer  sync.Syncer
}

type appOptions struct {
	// withLedger opens the local sync ledger.
	withLedger bool
	notifier   sync.Notifier
}

func openArchive() *archive.Archive {
	return archive.NewWithPattern(cfg.Archive.Dir, cfg.Archive.Pattern, logs.Logger("archive"))
}

func openStore(ctx context.Context) (*db.DB, error) {
	dbCfg := cfg.DBConfig()
	dbCfg.Logger = logs.Logger("db")
	return db.Open(ctx, dbCfg)
}

func openApp(ctx context.Context, opts appOptions) (*app, error) {
	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	a := &app{store: store, archive: openArchive()}
	if opts.withLedger {
		a.ledger, err = ledger.Open(cfg.Sync.Ledger)
		if err != nil {
			return nil, err
		}
	}

	a.syncer = sync.New(sync.Options{
		Store:           store,
		Archive:         a.archive,
		Ledger:          a.ledger,
		Notifier:        opts.notifier,
		AutoProvision:   cfg.Sync.AutoProvision,
		WritesPerSecond: cfg.Sync.WritesPerSecond,
		Verify:          cfg.Sync.Verify,
		Verbose:         logs.Verbose(),
		Logger:          logs.Logger("sync"),
	})
	return a, nil
}

func (a *app) Close() error {
	if a.ledger != nil {
		return a.ledger.Close()
	}
	return nil
}

// reportError turns a sync report into the command's result: the first
// fatal failure wins, then the first retryable one.
func reportError(report *sync.Report) error {
	if report == nil || report.Failed() == 0 {
		return nil
	}
	var retryable error
	for _, f := range report.Failures {
		if !history.IsRetryable(f.Err) {
			return fmt.Errorf("%d session(s) failed, first fatal: %w", report.Failed(), f.Err)
		}
		if retryable == nil {
			retryable = f.Err
		}
	}
	return fmt.Errorf("%d session(s) could not reach the store: %w", report.Failed(), retryable)
}

// describe renders an error class for humans.
func describe(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, history.ErrTableNotFound):
		return "table not found"
	case errors.Is(err, history.ErrAuthorization):
		return "access denied"
	case history.IsRetryable(err):
		return "unreachable"
	case history.IsValidation(err):
		return "invalid session"
	default:
		return "failed"
	}
}
