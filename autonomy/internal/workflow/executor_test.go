package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zettelhub/platform/autonomy/internal/actions"
	"github.com/zettelhub/platform/autonomy/internal/audit"
	"github.com/zettelhub/platform/autonomy/internal/gatekeeper"
	"github.com/zettelhub/platform/autonomy/internal/models"
	"github.com/zettelhub/platform/autonomy/internal/testutil"
)

type decideFunc func(ctx context.Context, req gatekeeper.Request) gatekeeper.Result

func (f decideFunc) Decide(ctx context.Context, req gatekeeper.Request) gatekeeper.Result {
	return f(ctx, req)
}

func allow(context.Context, gatekeeper.Request) gatekeeper.Result {
	return gatekeeper.Result{Decision: models.AutonomyExecute, Reason: gatekeeper.ReasonAllPassed}
}

// recorder is a dispatch table that remembers which actions ran.
type recorder struct {
	mu    sync.Mutex
	calls []actions.Kind
}

func (r *recorder) table(kinds ...actions.Kind) actions.Table {
	t := actions.Table{}
	for _, k := range kinds {
		t[k] = func(ctx context.Context, params map[string]any, ec *models.ExecutionContext) (map[string]any, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.calls = append(r.calls, k)
			return map[string]any{"ran": string(k)}, nil
		}
	}
	return t
}

func (r *recorder) ran() []actions.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]actions.Kind(nil), r.calls...)
}

func node(id string, typ models.NodeType, cfg map[string]any) models.Node {
	return models.Node{ID: id, Type: typ, Config: cfg}
}

func actionNode(id string, kind actions.Kind) models.Node {
	return node(id, models.NodeAction, map[string]any{"action": string(kind), "params": map[string]any{"title": "t"}})
}

func newWorkflow(nodes []models.Node, edges []models.Edge) models.Workflow {
	return models.Workflow{
		ID:         uuid.New(),
		TenantID:   "c1",
		Name:       "test",
		Status:     models.WorkflowActive,
		Definition: models.WorkflowGraph{Nodes: nodes, Edges: edges},
	}
}

func trigger(data map[string]any) models.ExecutionContext {
	return models.ExecutionContext{
		TenantID: "c1",
		ActorID:  "u1",
		Trigger:  models.TriggerInfo{Event: "deal.won", Data: data},
	}
}

func branchWorkflow() models.Workflow {
	return newWorkflow(
		[]models.Node{
			node("t", models.NodeTrigger, map[string]any{"event": "deal.won"}),
			node("c", models.NodeCondition, map[string]any{"condition": "{{trigger.data.value}}", "operator": "equals", "value": "yes"}),
			actionNode("a", actions.CreateZettel),
			actionNode("b", actions.CreateTask),
		},
		[]models.Edge{
			{Source: "t", Target: "c"},
			{Source: "c", Target: "a", Label: "true"},
			{Source: "c", Target: "b", Label: "false"},
		},
	)
}

func logIDs(logs []models.NodeLog) []string {
	ids := make([]string, 0, len(logs))
	for _, l := range logs {
		ids = append(ids, l.NodeID)
	}
	return ids
}

func TestExecuteFollowsMatchingBranchOnly(t *testing.T) {
	mem := testutil.NewMemoryStore()
	rec := &recorder{}
	x := NewExecutor(decideFunc(allow), mem, rec.table(actions.CreateZettel, actions.CreateTask), Options{})

	ex, err := x.Execute(context.Background(), branchWorkflow(), trigger(map[string]any{"value": "yes"}))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, ex.Status)
	assert.Equal(t, []actions.Kind{actions.CreateZettel}, rec.ran())
	assert.Equal(t, []string{"t", "c", "a"}, logIDs(ex.Logs))
	assert.Equal(t, map[string]any{"condition": true}, ex.Logs[1].Result)

	stored, err := mem.GetExecution(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, stored.Status)
	assert.Len(t, stored.Logs, 3)
	assert.NotNil(t, stored.FinishedAt)

	rec2 := &recorder{}
	x = NewExecutor(decideFunc(allow), mem, rec2.table(actions.CreateZettel, actions.CreateTask), Options{})
	ex, err = x.Execute(context.Background(), branchWorkflow(), trigger(map[string]any{"value": "no"}))
	require.NoError(t, err)
	assert.Equal(t, []actions.Kind{actions.CreateTask}, rec2.ran())
	assert.Equal(t, []string{"t", "c", "b"}, logIDs(ex.Logs))
}

func TestExecuteMissingBranchEndsQuietly(t *testing.T) {
	wf := branchWorkflow()
	wf.Definition.Edges = wf.Definition.Edges[:2]
	rec := &recorder{}
	x := NewExecutor(decideFunc(allow), testutil.NewMemoryStore(), rec.table(actions.CreateZettel, actions.CreateTask), Options{})

	ex, err := x.Execute(context.Background(), wf, trigger(map[string]any{"value": "no"}))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, ex.Status)
	assert.Empty(t, rec.ran())
	assert.Equal(t, []string{"t", "c"}, logIDs(ex.Logs))
}

func TestExecuteUnknownActionFailsRun(t *testing.T) {
	mem := testutil.NewMemoryStore()
	wf := newWorkflow(
		[]models.Node{
			node("t", models.NodeTrigger, map[string]any{"event": "deal.won"}),
			actionNode("x", actions.Kind("launch_rockets")),
		},
		[]models.Edge{{Source: "t", Target: "x"}},
	)
	x := NewExecutor(decideFunc(allow), mem, actions.Table{}, Options{})

	ex, err := x.Execute(context.Background(), wf, trigger(nil))
	require.ErrorIs(t, err, ErrUnknownAction)
	assert.EqualError(t, err, "unknown action: launch_rockets")
	assert.Equal(t, models.ExecutionFailed, ex.Status)
	require.NotNil(t, ex.Error)
	assert.Contains(t, *ex.Error, "launch_rockets")

	var failed []models.NodeLog
	for _, l := range ex.Logs {
		if !l.Success {
			failed = append(failed, l)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "x", failed[0].NodeID)
	require.NotNil(t, failed[0].Error)

	stored, _ := mem.GetExecution(context.Background(), ex.ID)
	assert.Equal(t, models.ExecutionFailed, stored.Status)
	assert.Len(t, stored.Logs, 2)
}

func TestExecuteGatekeeperOutcomes(t *testing.T) {
	cases := []struct {
		decision   models.AutonomyLevel
		wantStatus models.ExecutionStatus
		wantResult map[string]any
		wantRan    bool
	}{
		{models.AutonomyExecute, models.ExecutionCompleted, map[string]any{"ran": "send_webhook"}, true},
		{models.AutonomyLogOnly, models.ExecutionCompleted, map[string]any{"skipped": true, "reason": "quiet"}, false},
		{models.AutonomySuggest, models.ExecutionCompleted, map[string]any{"requiresApproval": true}, false},
		{models.AutonomyBlock, models.ExecutionFailed, nil, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.decision), func(t *testing.T) {
			var got gatekeeper.Request
			gate := decideFunc(func(ctx context.Context, req gatekeeper.Request) gatekeeper.Result {
				got = req
				return gatekeeper.Result{Decision: tc.decision, Reason: "quiet"}
			})
			rec := &recorder{}
			wf := newWorkflow(
				[]models.Node{
					node("t", models.NodeTrigger, nil),
					actionNode("w", actions.SendWebhook),
				},
				[]models.Edge{{Source: "t", Target: "w"}},
			)
			x := NewExecutor(gate, testutil.NewMemoryStore(), rec.table(actions.SendWebhook), Options{})

			ex, err := x.Execute(context.Background(), wf, trigger(nil))
			assert.Equal(t, tc.wantStatus, ex.Status)
			assert.Equal(t, tc.wantRan, len(rec.ran()) == 1)
			assert.Equal(t, "workflow_send_webhook", got.Action)
			assert.Equal(t, "u1", got.ActorID)
			assert.Equal(t, "c1", got.TenantID)
			assert.Equal(t, wf.ID.String(), got.Context["workflowId"])
			assert.Equal(t, map[string]any{"title": "t"}, got.Context["params"])

			if tc.decision == models.AutonomyBlock {
				require.EqualError(t, err, "action blocked by Gatekeeper: quiet")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantResult, ex.Logs[1].Result)
		})
	}
}

func TestExecuteInternalActionsSkipGatekeeper(t *testing.T) {
	gate := decideFunc(func(ctx context.Context, req gatekeeper.Request) gatekeeper.Result {
		t.Fatalf("gatekeeper consulted for %s", req.Action)
		return gatekeeper.Result{}
	})
	rec := &recorder{}
	wf := newWorkflow(
		[]models.Node{node("t", models.NodeTrigger, nil), actionNode("z", actions.CreateZettel)},
		[]models.Edge{{Source: "t", Target: "z"}},
	)
	x := NewExecutor(gate, testutil.NewMemoryStore(), rec.table(actions.CreateZettel), Options{})
	_, err := x.Execute(context.Background(), wf, trigger(nil))
	require.NoError(t, err)
	assert.Equal(t, []actions.Kind{actions.CreateZettel}, rec.ran())
}

func TestExecuteBlockedByForbiddenPolicy(t *testing.T) {
	mem := testutil.NewMemoryStore()
	mem.AddActor("u1", models.RoleAgent, "c1")
	mem.Policies["c1"] = models.Policy{TenantID: "c1", Forbidden: []string{"workflow_send_notification"}}
	engine := gatekeeper.New(mem, audit.NewStoreSink(mem), gatekeeper.Options{})

	rec := &recorder{}
	wf := newWorkflow(
		[]models.Node{node("t", models.NodeTrigger, nil), actionNode("n", actions.SendNotification)},
		[]models.Edge{{Source: "t", Target: "n"}},
	)
	x := NewExecutor(engine, mem, rec.table(actions.SendNotification), Options{})

	ex, err := x.Execute(context.Background(), wf, trigger(nil))
	require.Error(t, err)
	assert.Equal(t, "action blocked by Gatekeeper: "+gatekeeper.ReasonForbidden, err.Error())
	assert.Equal(t, models.ExecutionFailed, ex.Status)
	assert.Empty(t, rec.ran())
	assert.Equal(t, 1, mem.DecisionCount())
}

func TestExecuteDelayUsesSleeper(t *testing.T) {
	var slept time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		slept += d
		return nil
	}
	rec := &recorder{}
	wf := newWorkflow(
		[]models.Node{
			node("t", models.NodeTrigger, nil),
			node("d", models.NodeDelay, map[string]any{"duration": 1.5}),
			actionNode("z", actions.CreateZettel),
		},
		[]models.Edge{{Source: "t", Target: "d"}, {Source: "d", Target: "z"}},
	)
	x := NewExecutor(decideFunc(allow), testutil.NewMemoryStore(), rec.table(actions.CreateZettel), Options{Sleep: sleep})

	ex, err := x.Execute(context.Background(), wf, trigger(nil))
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, slept)
	assert.Equal(t, map[string]any{"delayed": true, "duration": 1.5}, ex.Logs[1].Result)
	assert.Len(t, rec.ran(), 1)
}

func TestExecuteDelayInterruptedByShutdown(t *testing.T) {
	wf := newWorkflow(
		[]models.Node{node("t", models.NodeTrigger, nil), node("d", models.NodeDelay, map[string]any{"duration": 60})},
		[]models.Edge{{Source: "t", Target: "d"}},
	)
	mem := testutil.NewMemoryStore()
	x := NewExecutor(decideFunc(allow), mem, actions.Table{}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	ex, err := x.Execute(ctx, wf, trigger(nil))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.ExecutionFailed, ex.Status)

	stored, err := mem.GetExecution(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, stored.Status)
}

func TestExecuteWithoutTriggerFails(t *testing.T) {
	mem := testutil.NewMemoryStore()
	wf := newWorkflow([]models.Node{actionNode("z", actions.CreateZettel)}, nil)
	x := NewExecutor(decideFunc(allow), mem, actions.Table{}, Options{})

	ex, err := x.Execute(context.Background(), wf, trigger(nil))
	require.ErrorIs(t, err, ErrNoTrigger)
	assert.Equal(t, models.ExecutionFailed, ex.Status)
	assert.Empty(t, ex.Logs)
	assert.Len(t, mem.ExecutionsByStatus(models.ExecutionFailed), 1)
}

func TestExecuteStopsOnRevisit(t *testing.T) {
	rec := &recorder{}
	wf := newWorkflow(
		[]models.Node{
			node("t", models.NodeTrigger, nil),
			actionNode("a", actions.CreateZettel),
			actionNode("b", actions.CreateTask),
		},
		[]models.Edge{{Source: "t", Target: "a"}, {Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
	)
	x := NewExecutor(decideFunc(allow), testutil.NewMemoryStore(), rec.table(actions.CreateZettel, actions.CreateTask), Options{})

	ex, err := x.Execute(context.Background(), wf, trigger(nil))
	require.ErrorIs(t, err, ErrCycle)
	assert.Equal(t, []string{"t", "a", "b", "a"}, logIDs(ex.Logs))
	assert.False(t, ex.Logs[3].Success)
	assert.Len(t, rec.ran(), 2)
}

func TestExecuteDiamondRunsJoinPerPath(t *testing.T) {
	rec := &recorder{}
	wf := newWorkflow(
		[]models.Node{
			node("t", models.NodeTrigger, nil),
			node("d1", models.NodeDelay, nil),
			node("d2", models.NodeDelay, nil),
			actionNode("z", actions.CreateZettel),
		},
		[]models.Edge{
			{Source: "t", Target: "d1"},
			{Source: "t", Target: "d2"},
			{Source: "d1", Target: "z"},
			{Source: "d2", Target: "z"},
		},
	)
	x := NewExecutor(decideFunc(allow), testutil.NewMemoryStore(), rec.table(actions.CreateZettel), Options{})

	ex, err := x.Execute(context.Background(), wf, trigger(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"t", "d1", "z", "d2", "z"}, logIDs(ex.Logs))
	assert.Len(t, rec.ran(), 2)
}

func TestExecuteUnknownNodeTypeAndOperator(t *testing.T) {
	for name, bad := range map[string]models.Node{
		"node type": node("x", models.NodeType("loop"), nil),
		"operator":  node("x", models.NodeCondition, map[string]any{"condition": "{{trigger.event}}", "operator": "matches", "value": "x"}),
	} {
		t.Run(name, func(t *testing.T) {
			wf := newWorkflow(
				[]models.Node{node("t", models.NodeTrigger, nil), bad},
				[]models.Edge{{Source: "t", Target: "x"}},
			)
			x := NewExecutor(decideFunc(allow), testutil.NewMemoryStore(), actions.Table{}, Options{})
			ex, err := x.Execute(context.Background(), wf, trigger(nil))
			require.Error(t, err)
			assert.Equal(t, models.ExecutionFailed, ex.Status)
			assert.Contains(t, err.Error(), "unknown")
		})
	}
}

func TestExecuteStoreFailure(t *testing.T) {
	mem := testutil.NewMemoryStore()
	mem.Fail = errors.New("db down")
	x := NewExecutor(decideFunc(allow), mem, actions.Table{}, Options{})
	_, err := x.Execute(context.Background(), branchWorkflow(), trigger(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create execution")
}
