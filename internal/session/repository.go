package session

import (
	"context"
	"database/sql"
	"fmt"

	"captionai/internal/media"
	"captionai/internal/models"
)

// Repository persists turns. SaveTurn is called when a turn is appended,
// pending or not; UpdateTurn when a pending turn is resolved.
type Repository interface {
	SaveTurn(ctx context.Context, sessionID string, mode media.Kind, turn models.Turn) error
	UpdateTurn(ctx context.Context, turn models.Turn) error
	ListTurns(ctx context.Context, sessionID string, mode media.Kind) ([]models.Turn, error)
}

// SQLRepository stores turns in the chat_turns table created by storage.Migrate.
type SQLRepository struct {
	db *sql.DB
}

func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// SaveTurn inserts one turn. Insertion order is the transcript order.
func (r *SQLRepository) SaveTurn(ctx context.Context, sessionID string, mode media.Kind, turn models.Turn) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO chat_turns (id, session_id, mode, role, content, pending, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, sessionID, string(mode), string(turn.Role), turn.Content, turn.Pending, turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

// UpdateTurn rewrites the content of a stored turn in place, keeping its position.
func (r *SQLRepository) UpdateTurn(ctx context.Context, turn models.Turn) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE chat_turns SET content = ?, pending = ? WHERE id = ?`,
		turn.Content, turn.Pending, turn.ID,
	)
	if err != nil {
		return fmt.Errorf("update turn: %w", err)
	}
	return nil
}

// ListTurns returns the stored transcript of one session mode in order.
func (r *SQLRepository) ListTurns(ctx context.Context, sessionID string, mode media.Kind) ([]models.Turn, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, role, content, pending, created_at FROM chat_turns WHERE session_id = ? AND mode = ? ORDER BY seq ASC`,
		sessionID, string(mode),
	)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		var t models.Turn
		if err := rows.Scan(&t.ID, &t.Role, &t.Content, &t.Pending, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
