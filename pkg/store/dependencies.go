package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/taskgraph/engine/pkg/model"
	"github.com/taskgraph/engine/pkg/taskerr"
)

// AddDependencyTx inserts an edge inside an existing write transaction; the
// cycle check (which needs to read the whole blocking subgraph) lives in
// pkg/depgraph, above the store.
func (s *Store) AddDependencyTx(ctx context.Context, tx *sql.Tx, dep model.Dependency, now int64) error {
	query := s.rebind(`INSERT INTO dependencies (from_task_id, to_task_id, dep_type, created_at)
		VALUES (?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, query, dep.From, dep.To, string(dep.Type), now)
	if err != nil {
		return fmt.Errorf("store: failed to insert dependency %s->%s: %w", dep.From, dep.To, err)
	}
	return nil
}

// RemoveDependencyTx deletes an edge unconditionally.
func (s *Store) RemoveDependencyTx(ctx context.Context, tx *sql.Tx, dep model.Dependency) error {
	query := s.rebind(`DELETE FROM dependencies WHERE from_task_id = ? AND to_task_id = ? AND dep_type = ?`)
	res, err := tx.ExecContext(ctx, query, dep.From, dep.To, string(dep.Type))
	if err != nil {
		return fmt.Errorf("store: failed to remove dependency %s->%s: %w", dep.From, dep.To, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return taskerr.New(taskerr.CodeDependencyNotFound, "dependency %s->%s (%s) not found", dep.From, dep.To, dep.Type)
	}
	return nil
}

// OutgoingEdges returns every dependency whose From matches taskID,
// optionally restricted to a set of dep types (used by depgraph's BFS).
func (s *Store) OutgoingEdges(ctx context.Context, taskID string, types []model.DepType) ([]model.Dependency, error) {
	return s.edgesWhere(ctx, "from_task_id", taskID, types)
}

// IncomingEdges returns every dependency whose To matches taskID.
func (s *Store) IncomingEdges(ctx context.Context, taskID string, types []model.DepType) ([]model.Dependency, error) {
	return s.edgesWhere(ctx, "to_task_id", taskID, types)
}

func (s *Store) edgesWhere(ctx context.Context, column, taskID string, types []model.DepType) ([]model.Dependency, error) {
	var deps []model.Dependency
	err := s.withRead(ctx, func(tx *sql.Tx) error {
		var innerErr error
		deps, innerErr = s.edgesWhereTx(ctx, tx, column, taskID, types)
		return innerErr
	})
	return deps, err
}

// IncomingEdgesTx is IncomingEdges scoped to a transaction the caller
// already owns — the claim engine's blocked-by check must run inside the
// same write transaction as the rest of claim() (spec §5's locking
// discipline: all reads used for validation belong in the write tx).
func (s *Store) IncomingEdgesTx(ctx context.Context, tx *sql.Tx, taskID string, types []model.DepType) ([]model.Dependency, error) {
	return s.edgesWhereTx(ctx, tx, "to_task_id", taskID, types)
}

func (s *Store) edgesWhereTx(ctx context.Context, tx *sql.Tx, column, taskID string, types []model.DepType) ([]model.Dependency, error) {
	query := `SELECT from_task_id, to_task_id, dep_type FROM dependencies WHERE ` + column + ` = ` + s.bind(1)
	args := []any{taskID}
	if len(types) > 0 {
		query += ` AND dep_type IN (` + placeholders(len(types)) + `)`
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	rows, err := tx.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
	}
	defer rows.Close()
	var deps []model.Dependency
	for rows.Next() {
		var d model.Dependency
		var depType string
		if err := rows.Scan(&d.From, &d.To, &depType); err != nil {
			return nil, err
		}
		d.Type = model.DepType(depType)
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// AllDependencies returns every edge in the graph, used by depgraph for
// tree expansion ("contains" children) and full readiness sweeps.
func (s *Store) AllDependencies(ctx context.Context) ([]model.Dependency, error) {
	var deps []model.Dependency
	err := s.withRead(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT from_task_id, to_task_id, dep_type FROM dependencies`)
		if err != nil {
			return fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
		}
		defer rows.Close()
		for rows.Next() {
			var d model.Dependency
			var depType string
			if err := rows.Scan(&d.From, &d.To, &depType); err != nil {
				return err
			}
			d.Type = model.DepType(depType)
			deps = append(deps, d)
		}
		return rows.Err()
	})
	return deps, err
}
