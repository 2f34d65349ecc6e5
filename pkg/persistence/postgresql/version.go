package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/persistence/sqlbase"
)

// VersionRepository handles append-only automation versions.
type VersionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewVersionRepository creates a new version repository.
func NewVersionRepository(db *sql.DB, logger *slog.Logger) *VersionRepository {
	return &VersionRepository{db: db, logger: logger}
}

const versionColumns = `
	id
  , automation_id
  , number
  , definition
  , created_by
  , created_at
`

// Create appends a version. The automation row is locked so concurrent creates number sequentially.
func (r *VersionRepository) Create(ctx context.Context, version *models.AutomationVersion) error {
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}

	definition, err := json.Marshal(version.Definition)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	return sqlbase.InTx(ctx, r.db, func(tx *sql.Tx) error {
		var locked string

		err := tx.QueryRowContext(ctx,
			`SELECT id FROM automations WHERE id = $1 FOR UPDATE`, version.AutomationID).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.NewAutomationError("CreateVersion", version.AutomationID, persistence.ErrAutomationNotFound)
		}

		if err != nil {
			return fmt.Errorf("failed to lock automation: %w", err)
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO automation_versions (id, automation_id, number, definition, created_by, created_at)
			VALUES ($1, $2, (SELECT COALESCE(MAX(number), 0) + 1 FROM automation_versions WHERE automation_id = $2), $3, $4, $5)
			RETURNING number
		`, version.ID, version.AutomationID, definition, version.CreatedBy, version.CreatedAt).Scan(&version.Number)
		if err != nil {
			return fmt.Errorf("failed to insert version: %w", err)
		}

		return nil
	})
}

// GetByID returns a version by its ID.
func (r *VersionRepository) GetByID(ctx context.Context, id string) (*models.AutomationVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM automation_versions WHERE id = $1`

	version, err := scanVersion(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrVersionNotFound
		}

		return nil, fmt.Errorf("failed to scan version: %w", err)
	}

	return version, nil
}

// ListByAutomation returns the automation's versions ordered by number.
func (r *VersionRepository) ListByAutomation(ctx context.Context, automationID string) ([]*models.AutomationVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM automation_versions WHERE automation_id = $1 ORDER BY number`

	rows, err := r.db.QueryContext(ctx, query, automationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	versions := make([]*models.AutomationVersion, 0)

	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}

		versions = append(versions, version)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}

	return versions, nil
}

func scanVersion(row scanner) (*models.AutomationVersion, error) {
	var (
		version    models.AutomationVersion
		definition []byte
	)

	err := row.Scan(
		&version.ID,
		&version.AutomationID,
		&version.Number,
		&definition,
		&version.CreatedBy,
		&version.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(definition, &version.Definition)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}

	return &version, nil
}
