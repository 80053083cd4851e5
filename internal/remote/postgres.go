package remote

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/evalstream/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NotifyChannel is the LISTEN/NOTIFY channel fed by the table trigger.
const NotifyChannel = "assessment_results"

const recordColumns = `id, agent_name, score, status, language, last_feedback, created_at, updated_at`

// PostgresStore implements Store on PostgreSQL. Changes are published by a
// trigger and fanned out from a single LISTEN connection.
type PostgresStore struct {
	db       *sqlx.DB
	listener *pq.Listener
	hub      *hub
	logger   *slog.Logger
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// OpenPostgres connects, applies migrations and starts the change feed.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := Migrate(dsn); err != nil {
		_ = db.Close()
		return nil, err
	}

	p := &PostgresStore{
		db:     db,
		hub:    newHub(),
		logger: logger,
		done:   make(chan struct{}),
	}

	p.listener = pq.NewListener(dsn, time.Second, time.Minute, p.onListenerEvent)
	if err := p.listener.Listen(NotifyChannel); err != nil {
		_ = p.listener.Close()
		_ = db.Close()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	p.wg.Add(1)
	go p.feedLoop()

	logger.Info("Connected to remote store", "channel", NotifyChannel)
	return p, nil
}

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "evalstream", driver)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			slog.Warn("failed to close migrate instance", "source_error", srcErr, "db_error", dbErr)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (p *PostgresStore) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		p.logger.Warn("remote feed disconnected", "error", err)
	case pq.ListenerEventReconnected:
		p.logger.Info("remote feed reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		p.logger.Warn("remote feed reconnect failed", "error", err)
	}
}

func (p *PostgresStore) feedLoop() {
	defer p.wg.Done()

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-p.done:
			return
		case n, ok := <-p.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Sent after a reconnect; notifications may have been missed.
				p.hub.markLagged()
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				p.logger.Warn("dropping malformed change notification", "error", err)
				continue
			}
			p.hub.publish(ev)
		case <-ping.C:
			if err := p.listener.Ping(); err != nil {
				p.logger.Warn("remote feed ping failed", "error", err)
			}
		}
	}
}

// Create inserts rec and returns it with its assigned handle.
func (p *PostgresStore) Create(ctx context.Context, rec domain.Record) (domain.Record, error) {
	query := `INSERT INTO assessment_results (agent_name, score, status, language, last_feedback)
	          VALUES ($1, $2, $3, $4, $5) RETURNING ` + recordColumns
	var out domain.Record
	err := p.db.QueryRowxContext(ctx, query,
		rec.Participant, rec.Score, rec.Status, rec.Language, rec.LastFeedback,
	).StructScan(&out)
	if err != nil {
		return domain.Record{}, fmt.Errorf("create record: %w", err)
	}
	return out, nil
}

// Update overwrites the record addressed by rec.Handle.
func (p *PostgresStore) Update(ctx context.Context, rec domain.Record) (domain.Record, error) {
	query := `UPDATE assessment_results SET
	              agent_name = $2,
	              score = $3,
	              status = $4,
	              language = $5,
	              last_feedback = COALESCE($6, last_feedback),
	              updated_at = now()
	          WHERE id = $1 RETURNING ` + recordColumns
	var out domain.Record
	err := p.db.QueryRowxContext(ctx, query,
		rec.Handle, rec.Participant, rec.Score, rec.Status, rec.Language, rec.LastFeedback,
	).StructScan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, ErrNotFound
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("update record %d: %w", rec.Handle, err)
	}
	return out, nil
}

// Get returns one record.
func (p *PostgresStore) Get(ctx context.Context, handle domain.Handle) (domain.Record, error) {
	var out domain.Record
	err := p.db.GetContext(ctx, &out, `SELECT `+recordColumns+` FROM assessment_results WHERE id = $1`, handle)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, ErrNotFound
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("get record %d: %w", handle, err)
	}
	return out, nil
}

// List returns every record, most recently updated first.
func (p *PostgresStore) List(ctx context.Context) ([]domain.Record, error) {
	var out []domain.Record
	err := p.db.SelectContext(ctx, &out, `SELECT `+recordColumns+` FROM assessment_results ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out, nil
}

// Delete removes a record.
func (p *PostgresStore) Delete(ctx context.Context, handle domain.Handle) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM assessment_results WHERE id = $1`, handle)
	if err != nil {
		return fmt.Errorf("delete record %d: %w", handle, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Subscribe starts a change feed subscription.
func (p *PostgresStore) Subscribe() (*Subscription, error) {
	return p.hub.subscribe()
}

// RegisterUser stores a registration requested by the model.
func (p *PostgresStore) RegisterUser(ctx context.Context, reg domain.Registration) (string, error) {
	if err := ValidateRegistration(reg); err != nil {
		return "", err
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO registrations (name, email, phone) VALUES ($1, $2, $3)`,
		reg.Name, reg.Email, reg.Phone)
	if err != nil {
		return "", fmt.Errorf("register user: %w", err)
	}
	return registrationResult(reg), nil
}

// Ping verifies database connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close stops the feed, ends subscriptions and closes the pool.
func (p *PostgresStore) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		lerr := p.listener.Close()
		p.wg.Wait()
		p.hub.close()
		err = errors.Join(lerr, p.db.Close())
	})
	return err
}
