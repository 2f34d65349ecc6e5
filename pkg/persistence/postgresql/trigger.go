package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

// TriggerRepository handles trigger-related database operations.
type TriggerRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTriggerRepository creates a new trigger repository.
func NewTriggerRepository(db *sql.DB, logger *slog.Logger) *TriggerRepository {
	return &TriggerRepository{db: db, logger: logger}
}

const triggerColumns = `
	id
  , automation_id
  , workspace_id
  , event_key
  , scope
  , is_active
  , sequence
  , created_at
`

// Save inserts or updates a trigger. The sequence is drawn from the table's serial on insert only.
func (r *TriggerRepository) Save(ctx context.Context, trigger *models.AutomationTrigger) error {
	if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO automation_triggers (id, automation_id, workspace_id, event_key, scope, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			event_key = EXCLUDED.event_key,
			scope = EXCLUDED.scope,
			is_active = EXCLUDED.is_active
		RETURNING sequence, created_at
	`

	err := r.db.QueryRowContext(ctx, query,
		trigger.ID,
		trigger.AutomationID,
		trigger.WorkspaceID,
		trigger.EventKey,
		trigger.Scope,
		trigger.IsActive,
		trigger.CreatedAt,
	).Scan(&trigger.Sequence, &trigger.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save trigger: %w", err)
	}

	return nil
}

// GetByID returns a trigger by its ID.
func (r *TriggerRepository) GetByID(ctx context.Context, id string) (*models.AutomationTrigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM automation_triggers WHERE id = $1`

	trigger, err := scanTrigger(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTriggerNotFound
		}

		return nil, fmt.Errorf("failed to scan trigger: %w", err)
	}

	return trigger, nil
}

// ListByAutomation returns the automation's triggers ordered by sequence.
func (r *TriggerRepository) ListByAutomation(ctx context.Context, automationID string) ([]*models.AutomationTrigger, error) {
	return r.query(ctx, `SELECT `+triggerColumns+` FROM automation_triggers
		WHERE automation_id = $1 ORDER BY sequence`, automationID)
}

// FindActive returns the active triggers bound to an event key in a workspace ordered by sequence.
func (r *TriggerRepository) FindActive(ctx context.Context, eventKey, workspaceID string) ([]*models.AutomationTrigger, error) {
	return r.query(ctx, `SELECT `+triggerColumns+` FROM automation_triggers
		WHERE event_key = $1 AND workspace_id = $2 AND is_active ORDER BY sequence`, eventKey, workspaceID)
}

func (r *TriggerRepository) query(ctx context.Context, query string, args ...any) ([]*models.AutomationTrigger, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	triggers := make([]*models.AutomationTrigger, 0)

	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}

		triggers = append(triggers, trigger)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating triggers: %w", err)
	}

	return triggers, nil
}

func scanTrigger(row scanner) (*models.AutomationTrigger, error) {
	var trigger models.AutomationTrigger

	err := row.Scan(
		&trigger.ID,
		&trigger.AutomationID,
		&trigger.WorkspaceID,
		&trigger.EventKey,
		&trigger.Scope,
		&trigger.IsActive,
		&trigger.Sequence,
		&trigger.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &trigger, nil
}
