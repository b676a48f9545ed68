package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabtext/clock"
)

// NotifyChannel is the Postgres channel record writes are announced on.
const NotifyChannel = "collab_record_changes"

const schema = `
CREATE TABLE IF NOT EXISTS records (
	tbl        text        NOT NULL,
	id         text        NOT NULL,
	data       jsonb       NOT NULL,
	updated_at timestamptz NOT NULL,
	PRIMARY KEY (tbl, id)
);

CREATE OR REPLACE FUNCTION collab_notify_record() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('` + NotifyChannel + `',
		json_build_object('type', TG_OP, 'table', NEW.tbl, 'id', NEW.id)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS collab_record_changes ON records;
CREATE TRIGGER collab_record_changes
	AFTER INSERT OR UPDATE ON records
	FOR EACH ROW EXECUTE FUNCTION collab_notify_record();
`

// Postgres keeps records as jsonb rows. Writes fire a trigger that
// notifies NotifyChannel; Listen turns those notifications into
// Changes for subscribers. Notifications carry only the key because
// pg_notify payloads are size limited.
type Postgres struct {
	pool   *pgxpool.Pool
	clk    clock.Clock
	logger *slog.Logger
	feed   feed
}

// OpenPostgres connects to url and creates the schema.
func OpenPostgres(ctx context.Context, url string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("store: connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: connecting to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: creating schema: %w", err)
	}
	return &Postgres{pool: pool, clk: clock.Real(), logger: logger}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) Get(ctx context.Context, table, id string) (Record, error) {
	if err := CheckTable(table); err != nil {
		return nil, err
	}
	var rec Record
	err := p.pool.QueryRow(ctx, `SELECT data FROM records WHERE tbl = $1 AND id = $2`, table, id).Scan(&rec)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading %s/%s: %w", table, id, err)
	}
	return rec, nil
}

func (p *Postgres) Put(ctx context.Context, table, id string, rec Record) (Record, error) {
	if err := CheckTable(table); err != nil {
		return nil, err
	}
	return p.put(ctx, p.pool, table, id, rec)
}

// querier is satisfied by the pool and by a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (p *Postgres) put(ctx context.Context, q querier, table, id string, rec Record) (Record, error) {
	now := p.clk.Now().UTC()
	stored := cloneRecord(rec)
	if stored == nil {
		stored = Record{}
	}
	stored["id"] = id
	stored[UpdatedAtField] = now.Format(time.RFC3339Nano)

	_, err := q.Exec(ctx, `
		INSERT INTO records (tbl, id, data, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (tbl, id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		table, id, stored, now)
	if err != nil {
		return nil, fmt.Errorf("store: writing %s/%s: %w", table, id, err)
	}
	return stored, nil
}

// Import writes every record in one transaction.
func (p *Postgres) Import(ctx context.Context, table string, data []byte) (int, error) {
	recs, err := ParseImport(table, data)
	if err != nil {
		return 0, err
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: import: %w", err)
	}
	defer tx.Rollback(ctx)
	for _, r := range recs {
		if _, err := p.put(ctx, tx, table, r["id"].(string), r); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: import: %w", err)
	}
	return len(recs), nil
}

func (p *Postgres) Export(ctx context.Context, table string) ([]byte, error) {
	if err := CheckTable(table); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, `SELECT data FROM records WHERE tbl = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("store: export: %w", err)
	}
	recs, err := pgx.CollectRows(rows, pgx.RowTo[Record])
	if err != nil {
		return nil, fmt.Errorf("store: export: %w", err)
	}
	return encodeExport(table, recs)
}

// Subscribe registers for changes. Events flow only while Listen runs.
func (p *Postgres) Subscribe(ctx context.Context, table, id string) (Subscription, error) {
	if err := CheckTable(table); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.feed.subscribe(table, id), nil
}

type notification struct {
	Type  ChangeType `json:"type"`
	Table string     `json:"table"`
	ID    string     `json:"id"`
}

// Listen holds one connection on NotifyChannel until ctx ends or the
// connection fails. On failure every open subscription ends with the
// error so its owner resubscribes and re-reads.
func (p *Postgres) Listen(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("store: listen: %w", err)
	}
	defer func() {
		unlistenCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlistenCtx, "UNLISTEN *"); err != nil {
			conn.Conn().Close(unlistenCtx)
		}
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("store: listen: %w", err)
	}
	p.logger.Info("listening for record changes", "channel", NotifyChannel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.feed.interrupt(nil)
				return nil
			}
			err = fmt.Errorf("store: listen: %w", err)
			p.feed.interrupt(err)
			return err
		}
		var note notification
		if err := json.Unmarshal([]byte(n.Payload), &note); err != nil {
			p.logger.Warn("dropping record notification", "payload", n.Payload, "error", err)
			continue
		}
		rec, err := p.Get(ctx, note.Table, note.ID)
		if err != nil {
			p.logger.Warn("reading changed record", "table", note.Table, "id", note.ID, "error", err)
			continue
		}
		p.feed.publish([]Change{{Type: note.Type, Table: note.Table, ID: note.ID, Record: rec}})
	}
}
