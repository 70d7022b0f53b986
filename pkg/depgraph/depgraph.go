// Package depgraph implements the dependency engine: typed edges between
// tasks, cycle prevention via BFS, and readiness computation under the
// effective workflow config (spec §4.D). The graph is never held in
// memory as an object graph — each traversal queries the store directly
// (spec §9), sidestepping cycle ownership problems entirely.
package depgraph

import (
	"context"
	"database/sql"
	"sort"

	"github.com/taskgraph/engine/pkg/model"
	"github.com/taskgraph/engine/pkg/store"
	"github.com/taskgraph/engine/pkg/taskerr"
	"github.com/taskgraph/engine/pkg/workflow"
)

// Engine wires the store to the effective workflow config it validates
// readiness against.
type Engine struct {
	store *store.Store
	cfg   *workflow.Config
}

// New builds a dependency Engine over store, validated against cfg.
func New(s *store.Store, cfg *workflow.Config) *Engine {
	return &Engine{store: s, cfg: cfg}
}

// AddDependency inserts the edge (from, to, depType) after a cycle check:
// starting from "to", BFS along edges of every semantically-blocking dep
// type combined (spec §4.D); if the traversal reaches "from", the edge
// would close a cycle and is rejected.
func (e *Engine) AddDependency(ctx context.Context, from, to string, depType model.DepType) error {
	if from == to {
		return taskerr.New(taskerr.CodeCycleDetected, "a task cannot depend on itself (%q)", from)
	}

	reachable, err := e.reachableFrom(ctx, to, e.blockingDepTypes())
	if err != nil {
		return err
	}
	if reachable[from] {
		return taskerr.New(taskerr.CodeCycleDetected, "adding %s -> %s (%s) would create a cycle", from, to, depType)
	}

	return e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		if _, err := e.store.GetTaskTx(ctx, tx, from, false); err != nil {
			return err
		}
		if _, err := e.store.GetTaskTx(ctx, tx, to, false); err != nil {
			return err
		}
		return e.store.AddDependencyTx(ctx, tx, model.Dependency{From: from, To: to, Type: depType}, e.store.Now().UnixMilli())
	})
}

// RemoveDependency deletes an edge unconditionally (spec §4.D: "remove_dependency
// is unconditional").
func (e *Engine) RemoveDependency(ctx context.Context, from, to string, depType model.DepType) error {
	return e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		return e.store.RemoveDependencyTx(ctx, tx, model.Dependency{From: from, To: to, Type: depType})
	})
}

// reachableFrom runs a BFS over outgoing edges of the given types starting
// at root, returning every task ID reached (root included).
func (e *Engine) reachableFrom(ctx context.Context, root string, types []model.DepType) (map[string]bool, error) {
	visited := map[string]bool{root: true}
	queue := []string{root}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		edges, err := e.store.OutgoingEdges(ctx, current, types)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			if !visited[edge.To] {
				visited[edge.To] = true
				queue = append(queue, edge.To)
			}
		}
	}
	return visited, nil
}

// blockingDepTypes returns every configured dep_type whose blocks flag is
// not "none" — the set the cycle check must traverse combined (spec §4.D).
func (e *Engine) blockingDepTypes() []model.DepType {
	var types []model.DepType
	for name, def := range e.cfg.DependencyTypes {
		if def.Blocks != "none" {
			types = append(types, model.DepType(name))
		}
	}
	return types
}

// ReadyFilter narrows ReadyTasks to a worker's affinity and remaining
// capacity (spec §4.D: "candidates are further filtered by tag affinity
// ... and by the worker's current claim count versus max_claims").
type ReadyFilter struct {
	Worker *model.Worker
}

// ReadyTasks returns every task currently claimable, ordered priority
// descending then created_at ascending, optionally filtered to what a
// specific worker could claim right now.
func (e *Engine) ReadyTasks(ctx context.Context, filter ReadyFilter) ([]*model.Task, error) {
	// A worker with no MaxClaims set is filtered by affinity only.
	if filter.Worker != nil && filter.Worker.MaxClaims > 0 {
		var count int
		if err := e.store.WithRead(ctx, func(tx *sql.Tx) error {
			var innerErr error
			count, innerErr = e.store.ClaimCountTx(ctx, tx, filter.Worker.ID)
			return innerErr
		}); err != nil {
			return nil, err
		}
		if count >= filter.Worker.MaxClaims {
			return nil, nil
		}
	}

	candidates, err :=e.store.ListTasks(ctx, store.TaskListFilter{Status: e.cfg.Settings.InitialState})
	if err != nil {
		return nil, err
	}

	deps, err := e.store.AllDependencies(ctx)
	if err != nil {
		return nil, err
	}
	tasksByID, err := e.taskIndex(ctx)
	if err != nil {
		return nil, err
	}

	var ready []*model.Task
	for _, t := range candidates {
		if t.IsClaimed() || t.IsDeleted() {
			continue
		}
		if e.isBlockedBy(t.ID, deps, tasksByID) {
			continue
		}
		if filter.Worker != nil {
			ok, _ := filter.Worker.SatisfiesAffinity(t.NeededTags, t.WantedTags)
			if !ok {
				continue
			}
		}
		ready = append(ready, t)
	}

	sortByPriorityThenCreated(ready)
	return ready, nil
}

// followsDepType is the configured dep_type name for sibling ordering
// (spec §4.D's third readiness condition). It is checked by name rather
// than by BlockKindFor, since "follows" is configured blocks=none — it
// gates readiness directly, not through the generic block-kind machinery.
const followsDepType = model.DepType("follows")

// IsBlocked reports whether taskID is in the initial state and has an
// incoming blocks=start or follows edge from a task that is not in the
// terminal-success state (the predicate readiness uses). The source's status
// is not compared with the configured blocking states, so a source in a
// non-blocking state such as failed still blocks.
func (e *Engine) IsBlocked(ctx context.Context, taskID string) (bool, error) {
	task, err := e.store.GetTask(ctx, taskID, false)
	if err != nil {
		return false, err
	}
	if task.Status != e.cfg.Settings.InitialState {
		return false, nil
	}
	deps, err := e.store.AllDependencies(ctx)
	if err != nil {
		return false, err
	}
	tasksByID, err := e.taskIndex(ctx)
	if err != nil {
		return false, err
	}
	return e.isBlockedBy(taskID, deps, tasksByID), nil
}

// IsBlockedTx is IsBlocked scoped to a transaction the caller already
// owns — the claim engine's claim() needs this check inside the same
// write transaction as the rest of the claim (spec §5).
func (e *Engine) IsBlockedTx(ctx context.Context, tx *sql.Tx, taskID string) (bool, error) {
	edges, err := e.store.IncomingEdgesTx(ctx, tx, taskID, nil)
	if err != nil {
		return false, err
	}
	for _, d := range edges {
		blocks := e.cfg.BlockKindFor(string(d.Type)) == string(model.BlockStart)
		ordered := d.Type == followsDepType
		if !blocks && !ordered {
			continue
		}
		source, err := e.store.GetTaskTx(ctx, tx, d.From, true)
		if err != nil {
			if taskerr.Is(err, taskerr.CodeTaskNotFound) {
				continue
			}
			return false, err
		}
		if !e.cfg.IsTerminalSuccessState(source.Status) {
			return true, nil
		}
	}
	return false, nil
}

// isBlockedBy reports whether taskID has either an incoming "blocks=start"
// edge or an incoming "follows" edge (spec §4.D's predecessor-sibling
// ordering condition) originating from a task that is not yet in the
// terminal-success state. A task in a BlockingStates status also blocks
// by convention: the source task simply hasn't reached completion.
func (e *Engine) isBlockedBy(taskID string, deps []model.Dependency, tasksByID map[string]*model.Task) bool {
	for _, d := range deps {
		if d.To != taskID {
			continue
		}
		blocks := e.cfg.BlockKindFor(string(d.Type)) == string(model.BlockStart)
		ordered := d.Type == followsDepType
		if !blocks && !ordered {
			continue
		}
		source, ok := tasksByID[d.From]
		if !ok {
			continue
		}
		if !e.cfg.IsTerminalSuccessState(source.Status) {
			return true
		}
	}
	return false
}

func (e *Engine) taskIndex(ctx context.Context) (map[string]*model.Task, error) {
	all, err := e.store.ListTasks(ctx, store.TaskListFilter{IncludeDeleted: true})
	if err != nil {
		return nil, err
	}
	index := make(map[string]*model.Task, len(all))
	for _, t := range all {
		index[t.ID] = t
	}
	return index, nil
}

func sortByPriorityThenCreated(tasks []*model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
