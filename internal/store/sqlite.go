// ABOUTME: SQLite implementation of OrderStore using modernc.org/sqlite
// ABOUTME: Creates the schema on open; assignment and requeue are single-statement CAS updates

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database that lives as long as the store.
const MemoryPath = ":memory:"

// SQLiteStore implements OrderStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens the database at path, creating parent directories and
// the schema as needed. An empty path or MemoryPath keeps orders in memory.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")
	if path == "" {
		path = MemoryPath
	}

	inMemory := path == MemoryPath
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to :memory: would see its own empty database.
	db.SetMaxOpenConns(1)

	if !inMemory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			observer_id TEXT NOT NULL,
			origin TEXT NOT NULL DEFAULT '',
			destination TEXT NOT NULL DEFAULT '',
			items TEXT,
			status TEXT NOT NULL,
			agent_id TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (status IN ('pending', 'assigned', 'picked_up', 'delivered', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_orders_agent_status ON orders(agent_id, status);
		CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const orderColumns = `id, observer_id, origin, destination, items, status, agent_id, created_at, updated_at`

// CreateOrder inserts a pending, unassigned order.
func (s *SQLiteStore) CreateOrder(ctx context.Context, order *Order) error {
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = order.CreatedAt
	order.Status = StatusPending
	order.AgentID = ""

	var items any
	if len(order.Items) > 0 {
		items = string(order.Items)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)
	`, order.ID, order.ObserverID, order.Origin, order.Destination, items,
		string(order.Status), formatTime(order.CreatedAt), formatTime(order.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("inserting order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by id
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying order: %w", err)
	}
	return o, nil
}

// AssignOrder claims a pending order for agentID. Exactly one caller wins.
func (s *SQLiteStore) AssignOrder(ctx context.Context, id, agentID string) (*Order, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE orders SET agent_id = ?, status = ?, updated_at = ?
		WHERE id = ? AND agent_id IS NULL AND status = ?
	`, agentID, string(StatusAssigned), formatTime(time.Now().UTC()), id, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("assigning order: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetOrder(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyAssigned
	}
	return s.GetOrder(ctx, id)
}

// UpdateOrderStatus moves an order forward. Anything past pending except
// cancellation needs an assigned agent.
func (s *SQLiteStore) UpdateOrderStatus(ctx context.Context, id string, status Status) (*Order, error) {
	current, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current.Status, status)
	}
	if status != StatusCancelled && current.AgentID == "" {
		return nil, fmt.Errorf("%w: %s requires an assigned agent", ErrInvalidTransition, status)
	}

	// Guard on the status we read so a concurrent change is not overwritten.
	result, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(status), formatTime(time.Now().UTC()), id, string(current.Status))
	if err != nil {
		return nil, fmt.Errorf("updating order status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: order changed concurrently", ErrInvalidTransition)
	}
	return s.GetOrder(ctx, id)
}

// RequeueOrder releases an order from agentID back to pending.
func (s *SQLiteStore) RequeueOrder(ctx context.Context, id, agentID string) (*Order, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE orders SET agent_id = NULL, status = ?, updated_at = ?
		WHERE id = ? AND agent_id = ? AND status IN (?, ?)
	`, string(StatusPending), formatTime(time.Now().UTC()), id, agentID,
		string(StatusAssigned), string(StatusPickedUp))
	if err != nil {
		return nil, fmt.Errorf("requeueing order: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetOrder(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: order is not held by %s", ErrInvalidTransition, agentID)
	}

	s.logger.Info("order requeued", "order_id", id, "previous_agent", agentID)
	return s.GetOrder(ctx, id)
}

// ActiveOrderForAgent returns the agent's most recently touched open order.
func (s *SQLiteStore) ActiveOrderForAgent(ctx context.Context, agentID string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE agent_id = ? AND status IN (?, ?)
		ORDER BY updated_at DESC
		LIMIT 1
	`, agentID, string(StatusAssigned), string(StatusPickedUp))
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying active order: %w", err)
	}
	return o, nil
}

// ListOrders returns orders oldest first, optionally filtered by status.
func (s *SQLiteStore) ListOrders(ctx context.Context, status Status) ([]*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating orders: %w", err)
	}
	return orders, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*Order, error) {
	var (
		o                    Order
		items, agentID       sql.NullString
		status               string
		createdAt, updatedAt string
	)
	if err := row.Scan(&o.ID, &o.ObserverID, &o.Origin, &o.Destination, &items, &status, &agentID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if items.Valid {
		o.Items = []byte(items.String)
	}
	o.Status = Status(status)
	o.AgentID = agentID.String

	var err error
	if o.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if o.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &o, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func isUniqueConstraintError(err error) bool {
	// SQLite returns "UNIQUE constraint failed" in the error message
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Compile-time check that SQLiteStore implements OrderStore
var _ OrderStore = (*SQLiteStore)(nil)
