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
	"github.com/dukex/autoflow/pkg/persistence/sqlbase"
)

// AutomationRepository handles automation-related database operations.
type AutomationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewAutomationRepository creates a new automation repository.
func NewAutomationRepository(db *sql.DB, logger *slog.Logger) *AutomationRepository {
	return &AutomationRepository{db: db, logger: logger}
}

const automationColumns = `
	id
  , workspace_id
  , name
  , description
  , is_active
  , published_version_id
  , created_at
  , updated_at
`

// Save inserts or updates an automation. An update keeps the stored creation time and
// published version.
func (r *AutomationRepository) Save(ctx context.Context, automation *models.Automation) error {
	now := time.Now().UTC()

	if automation.CreatedAt.IsZero() {
		automation.CreatedAt = now
	}

	automation.UpdatedAt = now

	query := `
		INSERT INTO automations (id, workspace_id, name, description, is_active, published_version_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			workspace_id = EXCLUDED.workspace_id,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
		RETURNING published_version_id, created_at
	`

	var publishedVersionID sql.NullString

	err := r.db.QueryRowContext(ctx, query,
		automation.ID,
		automation.WorkspaceID,
		automation.Name,
		automation.Description,
		automation.IsActive,
		automation.PublishedVersionID,
		automation.CreatedAt,
		automation.UpdatedAt,
	).Scan(&publishedVersionID, &automation.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewAutomationError("Save", automation.ID, persistence.ErrAutomationAlreadyExists)
		}

		return fmt.Errorf("failed to save automation: %w", err)
	}

	automation.PublishedVersionID = nil
	if publishedVersionID.Valid {
		automation.PublishedVersionID = &publishedVersionID.String
	}

	return nil
}

// GetByID returns an automation by its ID.
func (r *AutomationRepository) GetByID(ctx context.Context, id string) (*models.Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations WHERE id = $1`

	automation, err := scanAutomation(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewAutomationError("GetByID", id, persistence.ErrAutomationNotFound)
		}

		return nil, fmt.Errorf("failed to scan automation: %w", err)
	}

	return automation, nil
}

// ListByWorkspace returns the workspace's automations ordered by creation time.
func (r *AutomationRepository) ListByWorkspace(ctx context.Context, workspaceID string) ([]*models.Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations WHERE workspace_id = $1 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query automations: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	automations := make([]*models.Automation, 0)

	for rows.Next() {
		automation, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan automation: %w", err)
		}

		automations = append(automations, automation)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating automations: %w", err)
	}

	return automations, nil
}

// SetPublishedVersion points the automation at one of its versions.
func (r *AutomationRepository) SetPublishedVersion(ctx context.Context, automationID, versionID string) error {
	return sqlbase.InTx(ctx, r.db, func(tx *sql.Tx) error {
		var exists bool

		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM automations WHERE id = $1)`, automationID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check automation: %w", err)
		}

		if !exists {
			return persistence.NewAutomationError("Publish", automationID, persistence.ErrAutomationNotFound)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE automations SET published_version_id = $2, updated_at = $3
			WHERE id = $1
			  AND EXISTS (SELECT 1 FROM automation_versions WHERE id = $2 AND automation_id = $1)
		`, automationID, versionID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to publish version: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to publish version: %w", err)
		}

		if affected == 0 {
			return persistence.NewAutomationError("Publish", automationID, persistence.ErrVersionNotFound)
		}

		return nil
	})
}

func scanAutomation(row scanner) (*models.Automation, error) {
	var (
		automation         models.Automation
		publishedVersionID sql.NullString
	)

	err := row.Scan(
		&automation.ID,
		&automation.WorkspaceID,
		&automation.Name,
		&automation.Description,
		&automation.IsActive,
		&publishedVersionID,
		&automation.CreatedAt,
		&automation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if publishedVersionID.Valid {
		automation.PublishedVersionID = &publishedVersionID.String
	}

	return &automation, nil
}
