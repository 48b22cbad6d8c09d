// Package whatsapp adapts go.mau.fi/whatsmeow to the session.Client contract.
package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"

	"wasched/internal/session"
)

// Factory builds clients on top of a persistent device store so a paired
// device reconnects without scanning again.
type Factory struct {
	container *sqlstore.Container
	log       *slog.Logger
	level     string
}

// NewSQLiteFactory opens (or creates) the credential store at dsn, e.g.
// "file:wasession.db?_foreign_keys=on".
func NewSQLiteFactory(ctx context.Context, dsn string, log *slog.Logger, level string) (*Factory, error) {
	container, err := sqlstore.New(ctx, "sqlite3", dsn, NewLogger(log, "store", level))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return &Factory{container: container, log: log, level: level}, nil
}

// NewFactoryWithDB keeps the credential store in an existing database, used to
// share the Postgres pool with the task store.
func NewFactoryWithDB(ctx context.Context, db *sql.DB, dialect string, log *slog.Logger, level string) (*Factory, error) {
	container := sqlstore.NewWithDB(db, dialect, NewLogger(log, "store", level))
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("upgrade session store: %w", err)
	}
	return &Factory{container: container, log: log, level: level}, nil
}

func (f *Factory) New(ctx context.Context, emit session.Emit) (session.Client, error) {
	device, err := f.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	cli := whatsmeow.NewClient(device, NewLogger(f.log, "client", f.level))
	// reconnection is owned by session.Manager
	cli.EnableAutoReconnect = false

	c := &Client{cli: cli, emit: emit, log: f.log.With("component", "whatsapp")}
	cli.AddEventHandler(c.handleEvent)
	return c, nil
}

func (f *Factory) Close() error {
	return f.container.Close()
}
