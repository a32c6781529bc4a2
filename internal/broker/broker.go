// Package broker implements the durable message fabric the pipeline
// services communicate over. Exchanges, queues and bindings live in a
// shared SQLite database; delivery is at-least-once with explicit acks.
package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"maragu.dev/goqite"
	_ "modernc.org/sqlite"
)

// VisibilityTimeout is how long a received message stays invisible before
// redelivery. Long enough to cover slow stage handlers; anything longer
// extends explicitly.
const VisibilityTimeout = 600 * time.Second

type envelope struct {
	RoutingKey string          `json:"routing_key"`
	Body       json.RawMessage `json:"body"`
}

// Broker is one service's handle on the shared message fabric.
type Broker struct {
	db     *sql.DB
	logger arbor.ILogger

	mu     sync.Mutex
	queues map[string]*goqite.Queue
}

// Open connects to the broker database at path, creating it and the
// topology tables on first use.
func Open(path string, logger arbor.ILogger) (*Broker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create broker directory: %w", err)
	}

	// modernc.org/sqlite uses "sqlite" driver name (not "sqlite3")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open broker database: %w", err)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := goqite.Setup(ctx, db); err != nil {
		// Expected on every startup after the first.
		if !strings.Contains(err.Error(), "already exists") {
			db.Close()
			return nil, fmt.Errorf("failed to set up message tables: %w", err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create topology tables: %w", err)
	}

	return &Broker{
		db:     db,
		logger: logger,
		queues: make(map[string]*goqite.Queue),
	}, nil
}

func migrate(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS broker_exchanges (
			name TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS broker_queues (
			name TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS broker_bindings (
			exchange TEXT NOT NULL,
			queue    TEXT NOT NULL,
			key      TEXT NOT NULL,
			PRIMARY KEY (exchange, queue, key)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle. In-flight messages become visible
// again after their timeout; nothing is lost.
func (b *Broker) Close() error {
	return b.db.Close()
}

// DeclareExchange registers an exchange. Declaring twice is a no-op.
func (b *Broker) DeclareExchange(ctx context.Context, name string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO broker_exchanges (name) VALUES (?)`, name)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", name, err)
	}
	return nil
}

// DeclareQueue registers a durable queue. Declaring twice is a no-op.
func (b *Broker) DeclareQueue(ctx context.Context, name string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO broker_queues (name) VALUES (?)`, name)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	b.queue(name)
	return nil
}

// Bind routes messages published to exchange with a key matching pattern
// into queue. Pattern segments are dot-separated; "*" matches exactly one
// segment.
func (b *Broker) Bind(ctx context.Context, exchange, queue, pattern string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO broker_bindings (exchange, queue, key) VALUES (?, ?, ?)`,
		exchange, queue, pattern)
	if err != nil {
		return fmt.Errorf("failed to bind %s to %s with key %s: %w", queue, exchange, pattern, err)
	}
	return nil
}

// Publish fans body out to every queue bound to exchange with a matching
// key. Messages are durable before Publish returns. Publishing is
// mandatory: a message no binding routes is reported as an error so the
// caller can surface the loss instead of dropping the job silently.
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	rows, err := b.db.QueryContext(ctx,
		`SELECT queue, key FROM broker_bindings WHERE exchange = ?`, exchange)
	if err != nil {
		return fmt.Errorf("failed to resolve bindings for %s: %w", exchange, err)
	}
	defer rows.Close()

	targets := make(map[string]bool)
	for rows.Next() {
		var queue, pattern string
		if err := rows.Scan(&queue, &pattern); err != nil {
			return err
		}
		if matchKey(pattern, routingKey) {
			targets[queue] = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(targets) == 0 {
		b.logger.Warn().
			Str("exchange", exchange).
			Str("routing_key", routingKey).
			Msg("Message is unroutable")
		return fmt.Errorf("no binding routes key %s on exchange %s", routingKey, exchange)
	}

	data, err := json.Marshal(envelope{RoutingKey: routingKey, Body: body})
	if err != nil {
		return err
	}

	for queue := range targets {
		if err := b.queue(queue).Send(ctx, goqite.Message{Body: data}); err != nil {
			return fmt.Errorf("failed to publish to queue %s: %w", queue, err)
		}
	}
	return nil
}

// matchKey reports whether a dot-separated routing key matches a binding
// pattern. "*" matches exactly one segment.
func matchKey(pattern, key string) bool {
	if pattern == key {
		return true
	}
	pp := strings.Split(pattern, ".")
	kp := strings.Split(key, ".")
	if len(pp) != len(kp) {
		return false
	}
	for i := range pp {
		if pp[i] != "*" && pp[i] != kp[i] {
			return false
		}
	}
	return true
}

func (b *Broker) queue(name string) *goqite.Queue {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return q
	}
	q := goqite.New(goqite.NewOpts{
		DB:      b.db,
		Name:    name,
		Timeout: VisibilityTimeout,
	})
	b.queues[name] = q
	return q
}
