package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/persistence/sqlbase"
	"github.com/lib/pq"
)

// RunRepository handles runs and node runs. Every transition locks the run row first,
// serializing state changes of one run across workers.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

const runColumns = `
	id
  , automation_id
  , version_id
  , trigger_id
  , workspace_id
  , event_key
  , event_id
  , subject_type
  , subject_id
  , payload
  , status
  , pending_nodes
  , started_at
  , finished_at
  , error
`

const nodeRunColumns = `
	id
  , run_id
  , node_id
  , node_type
  , status
  , attempts
  , input
  , output
  , error
  , started_at
  , finished_at
`

// CreateRun persists a run together with its node runs.
func (r *RunRepository) CreateRun(ctx context.Context, run *models.AutomationRun, nodes []*models.AutomationNodeRun) error {
	payload, err := marshalMap(run.Payload)
	if err != nil {
		return err
	}

	return sqlbase.InTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO automation_runs (`+runColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`,
			run.ID,
			run.AutomationID,
			run.VersionID,
			run.TriggerID,
			run.WorkspaceID,
			run.EventKey,
			run.EventID,
			run.Subject.Type,
			run.Subject.ID,
			payload,
			run.Status,
			run.PendingNodes,
			run.StartedAt,
			run.FinishedAt,
			run.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}

		for position, node := range nodes {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO automation_node_runs (id, run_id, node_id, node_type, position, status, attempts)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, node.ID, run.ID, node.NodeID, node.NodeType, position, node.Status, node.Attempts)
			if err != nil {
				return fmt.Errorf("failed to insert node run %s: %w", node.NodeID, err)
			}
		}

		return nil
	})
}

// GetRun returns a run by its ID.
func (r *RunRepository) GetRun(ctx context.Context, id string) (*models.AutomationRun, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM automation_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError("GetRun", id, "", persistence.ErrRunNotFound)
		}

		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	return run, nil
}

// ListRuns returns runs matching the filter, most recent first.
func (r *RunRepository) ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.AutomationRun, error) {
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 4)

	addCondition := func(column string, value any) {
		args = append(args, value)
		conditions = append(conditions, column+" = $"+strconv.Itoa(len(args)))
	}

	if filter.AutomationID != "" {
		addCondition("automation_id", filter.AutomationID)
	}

	if filter.WorkspaceID != "" {
		addCondition("workspace_id", filter.WorkspaceID)
	}

	if filter.Status != nil {
		addCondition("status", string(*filter.Status))
	}

	query := `SELECT ` + runColumns + ` FROM automation_runs`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}

	query += ` ORDER BY started_at DESC`

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	runs := make([]*models.AutomationRun, 0)

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// NodeRuns returns the run's node records in graph order.
func (r *RunRepository) NodeRuns(ctx context.Context, runID string) ([]*models.AutomationNodeRun, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM automation_runs WHERE id = $1)`, runID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check run: %w", err)
	}

	if !exists {
		return nil, persistence.NewRunError("NodeRuns", runID, "", persistence.ErrRunNotFound)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+nodeRunColumns+` FROM automation_node_runs WHERE run_id = $1 ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query node runs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	nodes := make([]*models.AutomationNodeRun, 0)

	for rows.Next() {
		node, err := scanNodeRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node run: %w", err)
		}

		nodes = append(nodes, node)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating node runs: %w", err)
	}

	return nodes, nil
}

// StartNode moves a pending or retry-waiting node to running.
func (r *RunRepository) StartNode(ctx context.Context, runID, nodeID string, input map[string]any, at time.Time) (*models.AutomationNodeRun, error) {
	var started *models.AutomationNodeRun

	err := sqlbase.InTx(ctx, r.db, func(tx *sql.Tx) error {
		run, err := lockRun(ctx, tx, "StartNode", runID)
		if err != nil {
			return err
		}

		if run.Status != models.RunStatusRunning {
			return persistence.NewRunError("StartNode", runID, nodeID, persistence.ErrRunNotRunning)
		}

		node, err := lockNodeRun(ctx, tx, "StartNode", runID, nodeID)
		if err != nil {
			return err
		}

		if node.Status != models.NodeRunStatusPending && !node.AwaitingRetry() {
			return persistence.NewRunError("StartNode", runID, nodeID, persistence.ErrNodeNotDispatchable)
		}

		node.Status = models.NodeRunStatusRunning
		node.Attempts++
		node.Input = input
		node.StartedAt = &at

		started = node

		return updateNodeRun(ctx, tx, node)
	})
	if err != nil {
		return nil, err
	}

	return started, nil
}

// CompleteNode records a successful attempt and decrements the pending counter.
func (r *RunRepository) CompleteNode(ctx context.Context, runID, nodeID string, output map[string]any, at time.Time) (*persistence.NodeTransition, error) {
	return r.nodeTransition(ctx, "CompleteNode", runID, nodeID,
		func(run *models.AutomationRun, node *models.AutomationNodeRun) (bool, bool) {
			if node.Status != models.NodeRunStatusRunning || run.Status != models.RunStatusRunning {
				if !lateResult(run, node) {
					return false, false
				}

				node.Output = output

				return false, true
			}

			node.Status = models.NodeRunStatusCompleted
			node.Output = output
			node.Error = ""
			node.FinishedAt = &at
			decrementPending(run)

			return true, true
		})
}

// FailNode records a failed attempt.
func (r *RunRepository) FailNode(ctx context.Context, runID, nodeID, message string, terminal bool, at time.Time) (*persistence.NodeTransition, error) {
	return r.nodeTransition(ctx, "FailNode", runID, nodeID,
		func(run *models.AutomationRun, node *models.AutomationNodeRun) (bool, bool) {
			if node.Status != models.NodeRunStatusRunning || run.Status != models.RunStatusRunning {
				if !lateResult(run, node) {
					return false, false
				}

				node.Error = message

				return false, true
			}

			node.Status = models.NodeRunStatusFailed
			node.Error = message

			if terminal {
				node.FinishedAt = &at
				decrementPending(run)
			}

			return true, true
		})
}

// nodeTransition locks the run and node rows, lets change mutate them and persists the result.
// change reports whether the transition applied and whether anything must be written.
func (r *RunRepository) nodeTransition(
	ctx context.Context,
	op, runID, nodeID string,
	change func(run *models.AutomationRun, node *models.AutomationNodeRun) (applied bool, dirty bool),
) (*persistence.NodeTransition, error) {
	var transition *persistence.NodeTransition

	err := sqlbase.InTx(ctx, r.db, func(tx *sql.Tx) error {
		run, err := lockRun(ctx, tx, op, runID)
		if err != nil {
			return err
		}

		node, err := lockNodeRun(ctx, tx, op, runID, nodeID)
		if err != nil {
			return err
		}

		pending := run.PendingNodes
		applied, dirty := change(run, node)
		transition = &persistence.NodeTransition{Run: run, Node: node, Applied: applied}

		if !dirty {
			return nil
		}

		err = updateNodeRun(ctx, tx, node)
		if err != nil {
			return err
		}

		if run.PendingNodes != pending {
			return updateRun(ctx, tx, run)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return transition, nil
}

// SkipNodes moves the listed pending nodes to skipped.
func (r *RunRepository) SkipNodes(ctx context.Context, runID string, nodeIDs []string, at time.Time) (*persistence.NodeTransition, error) {
	var transition *persistence.NodeTransition

	err := sqlbase.InTx(ctx, r.db, func(tx *sql.Tx) error {
		run, err := lockRun(ctx, tx, "SkipNodes", runID)
		if err != nil {
			return err
		}

		transition = &persistence.NodeTransition{Run: run}

		if run.Status != models.RunStatusRunning || len(nodeIDs) == 0 {
			return nil
		}

		rows, err := tx.QueryContext(ctx, `
			UPDATE automation_node_runs SET status = $3, finished_at = $4
			WHERE run_id = $1 AND node_id = ANY($2) AND status = $5
			RETURNING node_id
		`, runID, pq.Array(nodeIDs), models.NodeRunStatusSkipped, at, models.NodeRunStatusPending)
		if err != nil {
			return fmt.Errorf("failed to skip nodes: %w", err)
		}

		for rows.Next() {
			var skipped string

			err = rows.Scan(&skipped)
			if err != nil {
				closeRows(ctx, r.logger, rows)

				return fmt.Errorf("failed to scan skipped node: %w", err)
			}

			transition.Skipped = append(transition.Skipped, skipped)
		}

		err = rows.Err()
		closeRows(ctx, r.logger, rows)

		if err != nil {
			return fmt.Errorf("error iterating skipped nodes: %w", err)
		}

		if len(transition.Skipped) == 0 {
			return nil
		}

		for range transition.Skipped {
			decrementPending(run)
		}

		transition.Applied = true

		return updateRun(ctx, tx, run)
	})
	if err != nil {
		return nil, err
	}

	return transition, nil
}

// ResetNode moves a running node of a running run back to pending.
func (r *RunRepository) ResetNode(ctx context.Context, runID, nodeID string) error {
	return sqlbase.InTx(ctx, r.db, func(tx *sql.Tx) error {
		run, err := lockRun(ctx, tx, "ResetNode", runID)
		if err != nil {
			return err
		}

		node, err := lockNodeRun(ctx, tx, "ResetNode", runID, nodeID)
		if err != nil {
			return err
		}

		if run.Status != models.RunStatusRunning || node.Status != models.NodeRunStatusRunning {
			return nil
		}

		node.Status = models.NodeRunStatusPending

		return updateNodeRun(ctx, tx, node)
	})
}

// CloseRun moves a running run to a terminal status.
func (r *RunRepository) CloseRun(ctx context.Context, runID string, status models.RunStatus, message string, at time.Time) (*models.AutomationRun, bool, error) {
	var (
		closed *models.AutomationRun
		ok     bool
	)

	err := sqlbase.InTx(ctx, r.db, func(tx *sql.Tx) error {
		run, err := lockRun(ctx, tx, "CloseRun", runID)
		if err != nil {
			return err
		}

		closed = run

		if run.Status != models.RunStatusRunning {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE automation_node_runs SET status = $2, finished_at = $3
			WHERE run_id = $1
			  AND (status IN ($4, $5) OR (status = $6 AND finished_at IS NULL))
		`, runID, models.NodeRunStatusSkipped, at,
			models.NodeRunStatusPending, models.NodeRunStatusRunning, models.NodeRunStatusFailed)
		if err != nil {
			return fmt.Errorf("failed to skip remaining nodes: %w", err)
		}

		run.Status = status
		run.Error = message
		run.FinishedAt = &at
		run.PendingNodes = 0
		ok = true

		return updateRun(ctx, tx, run)
	})
	if err != nil {
		return nil, false, err
	}

	return closed, ok, nil
}

// DeleteFinishedBefore removes terminal runs finished before the given time. Node runs cascade.
func (r *RunRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM automation_runs
		WHERE status IN ($1, $2, $3) AND finished_at < $4
	`, models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCanceled, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished runs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted runs: %w", err)
	}

	return int(affected), nil
}

func lockRun(ctx context.Context, tx *sql.Tx, op, runID string) (*models.AutomationRun, error) {
	run, err := scanRun(tx.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM automation_runs WHERE id = $1 FOR UPDATE`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError(op, runID, "", persistence.ErrRunNotFound)
		}

		return nil, fmt.Errorf("failed to lock run: %w", err)
	}

	return run, nil
}

func lockNodeRun(ctx context.Context, tx *sql.Tx, op, runID, nodeID string) (*models.AutomationNodeRun, error) {
	node, err := scanNodeRun(tx.QueryRowContext(ctx,
		`SELECT `+nodeRunColumns+` FROM automation_node_runs WHERE run_id = $1 AND node_id = $2 FOR UPDATE`,
		runID, nodeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError(op, runID, nodeID, persistence.ErrNodeRunNotFound)
		}

		return nil, fmt.Errorf("failed to lock node run: %w", err)
	}

	return node, nil
}

func updateRun(ctx context.Context, tx *sql.Tx, run *models.AutomationRun) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE automation_runs SET status = $2, pending_nodes = $3, finished_at = $4, error = $5
		WHERE id = $1
	`, run.ID, run.Status, run.PendingNodes, run.FinishedAt, run.Error)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	return nil
}

func updateNodeRun(ctx context.Context, tx *sql.Tx, node *models.AutomationNodeRun) error {
	input, err := marshalMap(node.Input)
	if err != nil {
		return err
	}

	output, err := marshalMap(node.Output)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE automation_node_runs
		SET status = $2, attempts = $3, input = $4, output = $5, error = $6, started_at = $7, finished_at = $8
		WHERE id = $1
	`, node.ID, node.Status, node.Attempts, input, output, node.Error, node.StartedAt, node.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to update node run: %w", err)
	}

	return nil
}

func decrementPending(run *models.AutomationRun) {
	if run.PendingNodes > 0 {
		run.PendingNodes--
	}
}

// lateResult reports whether a node was still executing when its run was closed.
func lateResult(run *models.AutomationRun, node *models.AutomationNodeRun) bool {
	return run.Status.IsTerminal() && node.Status == models.NodeRunStatusSkipped && node.StartedAt != nil
}

func scanRun(row scanner) (*models.AutomationRun, error) {
	var (
		run        models.AutomationRun
		payload    []byte
		finishedAt sql.NullTime
	)

	err := row.Scan(
		&run.ID,
		&run.AutomationID,
		&run.VersionID,
		&run.TriggerID,
		&run.WorkspaceID,
		&run.EventKey,
		&run.EventID,
		&run.Subject.Type,
		&run.Subject.ID,
		&payload,
		&run.Status,
		&run.PendingNodes,
		&run.StartedAt,
		&finishedAt,
		&run.Error,
	)
	if err != nil {
		return nil, err
	}

	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}

	run.Payload, err = unmarshalMap(payload)
	if err != nil {
		return nil, err
	}

	return &run, nil
}

func scanNodeRun(row scanner) (*models.AutomationNodeRun, error) {
	var (
		node       models.AutomationNodeRun
		input      []byte
		output     []byte
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)

	err := row.Scan(
		&node.ID,
		&node.RunID,
		&node.NodeID,
		&node.NodeType,
		&node.Status,
		&node.Attempts,
		&input,
		&output,
		&node.Error,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		node.StartedAt = &startedAt.Time
	}

	if finishedAt.Valid {
		node.FinishedAt = &finishedAt.Time
	}

	node.Input, err = unmarshalMap(input)
	if err != nil {
		return nil, err
	}

	node.Output, err = unmarshalMap(output)
	if err != nil {
		return nil, err
	}

	return &node, nil
}
