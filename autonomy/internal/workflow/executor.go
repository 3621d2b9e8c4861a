package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zettelhub/platform/autonomy/internal/actions"
	"github.com/zettelhub/platform/autonomy/internal/gatekeeper"
	"github.com/zettelhub/platform/autonomy/internal/metrics"
	"github.com/zettelhub/platform/autonomy/internal/models"
	"github.com/zettelhub/platform/autonomy/internal/store"
)

// Decider clears externally visible actions before they run.
type Decider interface {
	Decide(ctx context.Context, req gatekeeper.Request) gatekeeper.Result
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Options struct {
	Clock   func() time.Time
	Sleep   SleepFunc
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Executor runs workflow graphs one node at a time, depth first from the
// trigger. Runs share no state beyond the stores, so one Executor serves any
// number of concurrent runs.
type Executor struct {
	gate       Decider
	executions store.ExecutionStore
	table      actions.Table
	now        func() time.Time
	sleep      SleepFunc
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

func NewExecutor(gate Decider, executions store.ExecutionStore, table actions.Table, opts Options) *Executor {
	x := &Executor{
		gate:       gate,
		executions: executions,
		table:      table,
		now:        opts.Clock,
		sleep:      opts.Sleep,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		tracer:     otel.Tracer("github.com/zettelhub/platform/autonomy/internal/workflow"),
	}
	if x.now == nil {
		x.now = func() time.Time { return time.Now().UTC() }
	}
	if x.sleep == nil {
		x.sleep = sleepContext
	}
	if x.logger == nil {
		x.logger = slog.Default()
	}
	x.logger = x.logger.With("component", "workflow")
	return x
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs wf against ec and persists the run. The finished record is
// returned together with the error that failed the run, if any.
func (x *Executor) Execute(ctx context.Context, wf models.Workflow, ec models.ExecutionContext) (models.Execution, error) {
	if ec.WorkflowID == "" {
		ec.WorkflowID = wf.ID.String()
	}
	if ec.TenantID == "" {
		ec.TenantID = wf.TenantID
	}
	if ec.Variables == nil {
		ec.Variables = map[string]any{}
	}

	ctx, span := x.tracer.Start(ctx, "workflow.Execute", trace.WithAttributes(
		attribute.String("workflow.id", ec.WorkflowID),
		attribute.String("workflow.event", ec.Trigger.Event),
	))
	defer span.End()

	rec, err := x.executions.CreateExecution(ctx, store.ExecutionInput{WorkflowID: wf.ID, Context: ec})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create execution")
		return models.Execution{}, fmt.Errorf("create execution: %w", err)
	}
	logger := x.logger.With("workflow_id", ec.WorkflowID, "execution_id", rec.ID)
	logger.Info("starting execution", "event", ec.Trigger.Event)

	r := &run{x: x, graph: wf.Definition, ec: &ec, next: successorIndex(wf.Definition), onPath: map[string]bool{}, logger: logger}
	runErr := r.start(ctx)

	status := models.ExecutionCompleted
	var errMsg *string
	if runErr != nil {
		status = models.ExecutionFailed
		msg := runErr.Error()
		errMsg = &msg
		span.RecordError(runErr)
		span.SetStatus(codes.Error, msg)
		logger.Error("execution failed", "error", runErr)
	} else {
		logger.Info("execution completed", "nodes", len(r.logs))
	}

	// The record is closed even if the caller has gone away.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := x.executions.FinishExecution(finishCtx, rec.ID, status, r.logs, errMsg); err != nil {
		logger.Error("finish execution", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("finish execution: %w", err)
		}
	}
	x.metrics.ObserveExecution(string(status))
	span.SetAttributes(attribute.String("workflow.status", string(status)))

	finished := x.now()
	rec.Status = status
	rec.Context = ec
	rec.Logs = r.logs
	if rec.Logs == nil {
		rec.Logs = []models.NodeLog{}
	}
	rec.Error = errMsg
	rec.FinishedAt = &finished
	return rec, runErr
}

// run is the state of a single execution.
type run struct {
	x      *Executor
	graph  models.WorkflowGraph
	ec     *models.ExecutionContext
	next   map[string][]models.Edge
	onPath map[string]bool
	logs   []models.NodeLog
	logger *slog.Logger
}

func (r *run) start(ctx context.Context) error {
	trigger, ok := triggerNode(r.graph)
	if !ok {
		return ErrNoTrigger
	}
	return r.visit(ctx, trigger)
}

func (r *run) visit(ctx context.Context, n models.Node) error {
	started := r.x.now()
	var (
		result map[string]any
		err    error
	)
	if r.onPath[n.ID] {
		err = fmt.Errorf("%w: node %q reached again", ErrCycle, n.ID)
	} else {
		r.onPath[n.ID] = true
		defer delete(r.onPath, n.ID)
		result, err = r.runNode(ctx, n)
	}
	finished := r.x.now()
	r.x.metrics.ObserveNode(string(n.Type), finished.Sub(started))

	entry := models.NodeLog{
		NodeID:     n.ID,
		Type:       n.Type,
		StartTime:  started,
		EndTime:    finished,
		DurationMs: finished.Sub(started).Milliseconds(),
		Result:     result,
		Success:    err == nil,
	}
	if err != nil {
		msg := err.Error()
		entry.Error = &msg
		r.logger.Error("node failed", "node_id", n.ID, "type", n.Type, "error", err)
	}
	r.logs = append(r.logs, entry)
	if err != nil {
		return err
	}

	for _, child := range r.successors(n, result) {
		if err := r.visit(ctx, child); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) runNode(ctx context.Context, n models.Node) (map[string]any, error) {
	ctx, span := r.x.tracer.Start(ctx, "workflow.node", trace.WithAttributes(
		attribute.String("node.id", n.ID),
		attribute.String("node.type", string(n.Type)),
	))
	defer span.End()

	result, err := r.dispatch(ctx, n)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (r *run) dispatch(ctx context.Context, n models.Node) (map[string]any, error) {
	switch n.Type {
	case models.NodeTrigger:
		return map[string]any{"triggered": true, "data": r.ec.Trigger.Data}, nil
	case models.NodeCondition:
		ok, err := evaluateCondition(n.Config, r.ec)
		if err != nil {
			return nil, err
		}
		return map[string]any{"condition": ok}, nil
	case models.NodeAction:
		return r.runAction(ctx, n)
	case models.NodeDelay:
		secs, err := delayDuration(n.Config)
		if err != nil {
			return nil, err
		}
		r.logger.Info("delaying execution", "node_id", n.ID, "seconds", secs)
		if err := r.x.sleep(ctx, time.Duration(secs*float64(time.Second))); err != nil {
			return nil, fmt.Errorf("delay interrupted: %w", err)
		}
		return map[string]any{"delayed": true, "duration": secs}, nil
	default:
		return nil, fmt.Errorf("unknown node type: %s", n.Type)
	}
}

func (r *run) runAction(ctx context.Context, n models.Node) (map[string]any, error) {
	name, _ := n.Config["action"].(string)
	params, _ := n.Config["params"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	kind := actions.Kind(name)

	if kind.IsExternal() {
		res := r.x.gate.Decide(ctx, gatekeeper.Request{
			ActorID:  r.ec.ActorID,
			TenantID: r.ec.TenantID,
			Action:   "workflow_" + name,
			Context:  map[string]any{"workflowId": r.ec.WorkflowID, "params": params},
		})
		switch res.Decision {
		case models.AutonomyBlock:
			return nil, fmt.Errorf("action blocked by Gatekeeper: %s", res.Reason)
		case models.AutonomyLogOnly:
			r.logger.Info("action skipped by gatekeeper", "action", name, "reason", res.Reason)
			return map[string]any{"skipped": true, "reason": res.Reason}, nil
		case models.AutonomySuggest:
			r.logger.Info("action requires approval", "action", name)
			return map[string]any{"requiresApproval": true}, nil
		}
	}

	handler, ok := r.x.table.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	return handler(ctx, params, r.ec)
}

// successors picks the nodes to visit after n. A condition follows only the
// edge labelled with its outcome; every other node fans out in edge order.
// Edges to missing nodes are ignored.
func (r *run) successors(n models.Node, result map[string]any) []models.Node {
	edges := r.next[n.ID]
	if n.Type == models.NodeCondition {
		if outcome, ok := result["condition"].(bool); ok {
			label := "false"
			if outcome {
				label = "true"
			}
			for _, e := range edges {
				if e.Label == label {
					if node, ok := r.node(e.Target); ok {
						return []models.Node{node}
					}
					return nil
				}
			}
			return nil
		}
	}
	out := make([]models.Node, 0, len(edges))
	for _, e := range edges {
		if node, ok := r.node(e.Target); ok {
			out = append(out, node)
		}
	}
	return out
}

func (r *run) node(id string) (models.Node, bool) {
	for _, n := range r.graph.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return models.Node{}, false
}
