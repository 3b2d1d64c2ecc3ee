package pg

import (
	"context"
	"fmt"

	"github.com/pauline2k/weave-bot-orb/internal/store"
	"github.com/pauline2k/weave-bot-orb/internal/upgrade"
)

// Open connects to Postgres and refuses to serve a schema this binary does
// not match. Run `weavebot migrate up` first.
func Open(ctx context.Context, dsn string, opts ...store.Option) (*PGRequestStore, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	status, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("check schema: %w", err)
	}
	if err := status.Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w\n%s", err, upgrade.FormatError(status))
	}

	return NewPGRequestStore(db, opts...), nil
}
