package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/msageha/acd/internal/events"
	"github.com/msageha/acd/internal/model"
)

// Call outcomes stored in the record table.
const (
	OutcomeHandled  = "handled"
	OutcomeDropped  = "dropped"
	OutcomeRejected = "rejected"
)

// CallRecord is one finished call.
type CallRecord struct {
	RequestID  int64
	SessionID  string
	Queue      string
	Operator   string
	Caller     string
	Priority   int
	Outcome    string
	Reason     string
	TalkTimeMs int64
	WaitedMs   int64
	EndedAt    time.Time
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres writes a call detail record for every finished request.
type Postgres struct {
	db      execer
	pool    *pgxpool.Pool
	table   string
	timeout time.Duration
	log     zerolog.Logger
}

// NewPostgres connects to cfg.DSN and makes sure the record table exists.
func NewPostgres(ctx context.Context, cfg model.PostgresSinkConfig, logger zerolog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := newPostgres(pool, cfg.Table, logger.With().Str("component", "cdr").Logger())
	p.pool = pool
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func newPostgres(db execer, table string, log zerolog.Logger) *Postgres {
	return &Postgres{db: db, table: table, timeout: 5 * time.Second, log: log}
}

func (p *Postgres) ident() string {
	return pgx.Identifier{p.table}.Sanitize()
}

// EnsureSchema creates the record table if it is missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+p.ident()+` (
	request_id   BIGINT      NOT NULL,
	session_id   TEXT        NOT NULL DEFAULT '',
	queue        TEXT        NOT NULL DEFAULT '',
	operator     TEXT        NOT NULL DEFAULT '',
	caller       TEXT        NOT NULL DEFAULT '',
	priority     INTEGER     NOT NULL DEFAULT 0,
	outcome      TEXT        NOT NULL,
	reason       TEXT        NOT NULL DEFAULT '',
	talk_time_ms BIGINT      NOT NULL DEFAULT 0,
	waited_ms    BIGINT      NOT NULL DEFAULT 0,
	ended_at     TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("create %s: %w", p.table, err)
	}
	return nil
}

// Insert stores rec.
func (p *Postgres) Insert(ctx context.Context, rec CallRecord) error {
	_, err := p.db.Exec(ctx, `INSERT INTO `+p.ident()+`
	(request_id, session_id, queue, operator, caller, priority, outcome, reason, talk_time_ms, waited_ms, ended_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.RequestID, rec.SessionID, rec.Queue, rec.Operator, rec.Caller, rec.Priority,
		rec.Outcome, rec.Reason, rec.TalkTimeMs, rec.WaitedMs, rec.EndedAt)
	if err != nil {
		return fmt.Errorf("insert call record %d: %w", rec.RequestID, err)
	}
	return nil
}

// Attach records every disconnected or rejected request published on bus.
func (p *Postgres) Attach(bus *events.Bus) func() {
	handle := func(e events.Event) {
		rec, ok := RecordFromEvent(e)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.Insert(ctx, rec); err != nil {
			p.log.Error().Err(err).Int64("request_id", rec.RequestID).Msg("cdr_insert_failed")
		}
	}
	unsubs := []func(){
		bus.Subscribe(events.EventRequestDisconnected, handle),
		bus.Subscribe(events.EventRequestRejected, handle),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// RecordFromEvent maps a terminal bus event to a call record.
func RecordFromEvent(e events.Event) (CallRecord, bool) {
	rec := CallRecord{EndedAt: e.Timestamp}
	id, ok := int64Field(e.Data, "request_id")
	if !ok {
		return rec, false
	}
	rec.RequestID = id
	rec.Caller, _ = e.Data["caller"].(string)
	rec.Reason, _ = e.Data["reason"].(string)

	switch e.Type {
	case events.EventRequestDisconnected:
		rec.SessionID, _ = e.Data["session_id"].(string)
		rec.Queue, _ = e.Data["queue"].(string)
		rec.Operator, _ = e.Data["operator"].(string)
		if prio, ok := int64Field(e.Data, "priority"); ok {
			rec.Priority = int(prio)
		}
		rec.TalkTimeMs, _ = int64Field(e.Data, "talk_time_ms")
		rec.Outcome = OutcomeDropped
		if handled, _ := e.Data["handled"].(bool); handled {
			rec.Outcome = OutcomeHandled
		}
		if created, ok := e.Data["created_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, created); err == nil && !e.Timestamp.IsZero() {
				rec.WaitedMs = e.Timestamp.Sub(t).Milliseconds() - rec.TalkTimeMs
			}
		}
	case events.EventRequestRejected:
		rec.Outcome = OutcomeRejected
		rec.WaitedMs, _ = int64Field(e.Data, "waited_ms")
	default:
		return rec, false
	}
	return rec, true
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}
