package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openagents/conductor/expr"
	"github.com/openagents/conductor/internal/metrics"
	"github.com/openagents/conductor/types"
)

// parallelLimit bounds how many branches of a parallel node run at once.
const parallelLimit = 3

// TaskExecutor dispatches one agent task. agent.Manager satisfies this.
type TaskExecutor interface {
	ExecuteAgentTask(ctx context.Context, agentType string, task *types.AgentTask) *types.AgentResponse
}

// Predicate is a registered condition function.
type Predicate func(ec *ExecutionContext) bool

// Transformer is a registered data transformation.
type Transformer func(ec *ExecutionContext, params map[string]any) error

// Executor walks a chain from its start node. Node failures accumulate on
// the execution context; only structural problems (unknown nodes, broken
// expressions, unknown transformers) abort the run.
type Executor struct {
	tasks   TaskExecutor
	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer

	mu           sync.RWMutex
	predicates   map[string]Predicate
	transformers map[string]Transformer
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorMetrics attaches a metrics collector.
func WithExecutorMetrics(c *metrics.Collector) ExecutorOption {
	return func(e *Executor) { e.metrics = c }
}

// NewExecutor creates a chain executor with the built-in transformers
// registered.
func NewExecutor(tasks TaskExecutor, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		tasks:        tasks,
		logger:       logger.With(zap.String("component", "chain_executor")),
		tracer:       otel.Tracer("conductor/chain"),
		predicates:   make(map[string]Predicate),
		transformers: make(map[string]Transformer),
	}
	e.transformers["json_to_dict"] = transformJSONToDict
	e.transformers["extract_field"] = transformExtractField
	e.transformers["format_template"] = transformFormatTemplate
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterCondition registers a named predicate for condition nodes.
func (e *Executor) RegisterCondition(name string, p Predicate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.predicates[name] = p
}

// RegisterTransformer registers a named transformation for transformer nodes.
func (e *Executor) RegisterTransformer(name string, t Transformer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transformers[name] = t
}

// Execute runs the chain to completion and returns the final context state.
func (e *Executor) Execute(ctx context.Context, chain *AgentChain, input map[string]any) (*ExecutionContext, error) {
	if chain == nil {
		return nil, fmt.Errorf("chain cannot be nil")
	}
	ec := NewExecutionContext(input)

	ctx, span := e.tracer.Start(ctx, "chain.execute",
		trace.WithAttributes(
			attribute.String("chain.id", chain.ID),
			attribute.String("chain.run_id", ec.RunID()),
		))
	defer span.End()

	e.logger.Info("starting chain execution",
		zap.String("chain_id", chain.ID),
		zap.String("run_id", ec.RunID()),
		zap.String("start_node", chain.StartNode),
	)

	start := time.Now()
	err := e.executeFrom(ctx, chain, ec, chain.StartNode)

	status := "success"
	if err != nil {
		status = "failure"
		e.logger.Error("chain execution failed",
			zap.String("chain_id", chain.ID),
			zap.String("run_id", ec.RunID()),
			zap.Error(err),
		)
	} else {
		e.logger.Info("chain execution completed",
			zap.String("chain_id", chain.ID),
			zap.String("run_id", ec.RunID()),
			zap.Int("nodes_executed", len(ec.executedNodes())),
			zap.Int("errors", len(ec.Errors())),
		)
	}
	if e.metrics != nil {
		e.metrics.RecordChainRun(chain.ID, status, time.Since(start))
	}
	if err != nil {
		return nil, err
	}
	return ec, nil
}

// executeFrom walks one path starting at nodeID.
func (e *Executor) executeFrom(ctx context.Context, chain *AgentChain, ec *ExecutionContext, nodeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	node, ok := chain.Node(nodeID)
	if !ok {
		return fmt.Errorf("node %q not found in chain %q", nodeID, chain.ID)
	}

	// Each node runs at most once per pass; a back-edge ends the path.
	if !ec.markExecuted(nodeID) {
		e.logger.Warn("node already executed in this run, skipping",
			zap.String("run_id", ec.RunID()),
			zap.String("node_id", nodeID),
		)
		return nil
	}

	e.logger.Debug("executing node",
		zap.String("run_id", ec.RunID()),
		zap.String("node_id", nodeID),
		zap.String("node_type", string(node.Type)),
	)

	start := time.Now()
	next, err := e.dispatch(ctx, chain, ec, node)
	if e.metrics != nil {
		e.metrics.RecordChainNode(string(node.Type), time.Since(start))
	}
	if err != nil {
		return err
	}

	for _, out := range next {
		if err := e.executeFrom(ctx, chain, ec, out); err != nil {
			return err
		}
	}
	return nil
}

// dispatch runs one node and returns the IDs to visit next.
func (e *Executor) dispatch(ctx context.Context, chain *AgentChain, ec *ExecutionContext, node *ChainNode) ([]string, error) {
	switch cfg := node.Config.(type) {
	case AgentNodeConfig:
		e.runAgentNode(ctx, ec, node.ID, cfg)
		return node.Outputs, nil
	case ConditionNodeConfig:
		return e.runConditionNode(ec, node.ID, cfg)
	case TransformerNodeConfig:
		if err := e.runTransformerNode(ec, node.ID, cfg); err != nil {
			return nil, err
		}
		return node.Outputs, nil
	case AggregatorNodeConfig:
		if err := runAggregatorNode(ec, cfg); err != nil {
			return nil, err
		}
		return node.Outputs, nil
	case ParallelNodeConfig:
		if err := e.runParallelNode(ctx, chain, ec, cfg); err != nil {
			return nil, err
		}
		return node.Outputs, nil
	case LoopNodeConfig:
		if err := e.runLoopNode(ctx, chain, ec, node.ID, cfg); err != nil {
			return nil, err
		}
		return node.Outputs, nil
	default:
		return nil, fmt.Errorf("node %q has unsupported config %T", node.ID, node.Config)
	}
}

// runAgentNode dispatches one agent task. Failures are recorded on the
// context, not returned; the chain keeps walking.
func (e *Executor) runAgentNode(ctx context.Context, ec *ExecutionContext, nodeID string, cfg AgentNodeConfig) {
	task := &types.AgentTask{Description: cfg.Task}
	if task.Description == "" {
		if v, ok := ec.Get("task"); ok {
			task.Description, _ = v.(string)
		}
	}
	if cfg.ContextTemplate != "" {
		task.Context = formatTemplate(cfg.ContextTemplate, ec.Data())
	}

	if len(cfg.InputKeys) > 0 {
		task.InputData = make(map[string]any, len(cfg.InputKeys))
		for _, key := range cfg.InputKeys {
			if v, ok := ec.Get(key); ok {
				task.InputData[key] = v
			}
		}
	} else {
		task.InputData = ec.Data()
	}

	resp := e.tasks.ExecuteAgentTask(ctx, cfg.AgentType, task)
	if resp == nil {
		resp = types.FailedResponse(fmt.Sprintf("agent type %q not configured or enabled", cfg.AgentType))
	}
	ec.setResult(nodeID, resp)

	if !resp.Success {
		ec.addError(fmt.Sprintf("node %s (%s): %s", nodeID, cfg.AgentType, resp.Error))
		e.logger.Warn("agent node failed",
			zap.String("run_id", ec.RunID()),
			zap.String("node_id", nodeID),
			zap.String("agent_type", cfg.AgentType),
			zap.String("error", resp.Error),
		)
		return
	}
	if cfg.OutputKey != "" {
		ec.Set(cfg.OutputKey, resp.Result)
	}
}

// runConditionNode resolves the branch to take. A registered predicate wins
// over the expression.
func (e *Executor) runConditionNode(ec *ExecutionContext, nodeID string, cfg ConditionNodeConfig) ([]string, error) {
	var outcome bool
	if cfg.Predicate != "" {
		e.mu.RLock()
		p, ok := e.predicates[cfg.Predicate]
		e.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("node %q references unknown predicate %q", nodeID, cfg.Predicate)
		}
		outcome = p(ec)
	} else {
		v, err := expr.Evaluate(cfg.Expression, ec.Data())
		if err != nil {
			return nil, fmt.Errorf("node %q condition: %w", nodeID, err)
		}
		outcome = v
	}

	e.logger.Debug("condition resolved",
		zap.String("run_id", ec.RunID()),
		zap.String("node_id", nodeID),
		zap.Bool("outcome", outcome),
	)
	if outcome {
		return cfg.TrueOutputs, nil
	}
	return cfg.FalseOutputs, nil
}

func (e *Executor) runTransformerNode(ec *ExecutionContext, nodeID string, cfg TransformerNodeConfig) error {
	e.mu.RLock()
	t, ok := e.transformers[cfg.Transformer]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("node %q references unknown transformer %q", nodeID, cfg.Transformer)
	}
	if err := t(ec, cfg.Params); err != nil {
		return fmt.Errorf("node %q transformer %s: %w", nodeID, cfg.Transformer, err)
	}
	return nil
}

// runAggregatorNode collects the configured source keys into a single data
// entry. A key resolves from context data first, then from the matching
// node's successful result.
func runAggregatorNode(ec *ExecutionContext, cfg AggregatorNodeConfig) error {
	keys := cfg.SourceKeys
	if len(keys) == 0 {
		for id := range ec.Results() {
			keys = append(keys, id)
		}
		sort.Strings(keys)
	}

	collect := func(key string) (any, bool) {
		if v, ok := ec.Get(key); ok {
			return v, true
		}
		if r, ok := ec.Result(key); ok && r.Success {
			return r.Result, true
		}
		return nil, false
	}

	switch cfg.Mode {
	case "combine":
		var parts []string
		for _, key := range keys {
			if v, ok := collect(key); ok {
				parts = append(parts, fmt.Sprintf("%v", v))
			}
		}
		ec.Set(cfg.OutputKey, strings.Join(parts, "\n\n"))
	case "merge":
		// Shallow union: map values spread their entries, everything else
		// lands under its own key.
		merged := make(map[string]any)
		for _, key := range keys {
			v, ok := collect(key)
			if !ok {
				continue
			}
			if m, isMap := v.(map[string]any); isMap {
				maps.Copy(merged, m)
			} else {
				merged[key] = v
			}
		}
		ec.Set(cfg.OutputKey, merged)
	case "list":
		list := make([]any, 0, len(keys))
		for _, key := range keys {
			if v, ok := collect(key); ok {
				list = append(list, v)
			}
		}
		ec.Set(cfg.OutputKey, list)
	default:
		return fmt.Errorf("unknown aggregation mode %q", cfg.Mode)
	}
	return nil
}

// runParallelNode executes each branch on a cloned context, then joins.
// Branch results and errors always merge back; data only when configured.
func (e *Executor) runParallelNode(ctx context.Context, chain *AgentChain, ec *ExecutionContext, cfg ParallelNodeConfig) error {
	branches := make([]*ExecutionContext, len(cfg.Nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelLimit)
	for i, branchID := range cfg.Nodes {
		branch := ec.Clone()
		branches[i] = branch
		branchID := branchID
		g.Go(func() error {
			return e.executeFrom(gctx, chain, branch, branchID)
		})
	}
	err := g.Wait()

	// Join even on failure so completed branches are not lost.
	for _, branch := range branches {
		ec.merge(branch, cfg.MergeData)
	}
	return err
}

// runLoopNode repeats the body. Count loops run exactly Count passes;
// condition loops run while the expression holds, capped by MaxIterations.
// The body's executed marks are cleared between passes so the single-visit
// guard applies per pass, not per run.
func (e *Executor) runLoopNode(ctx context.Context, chain *AgentChain, ec *ExecutionContext, nodeID string, cfg LoopNodeConfig) error {
	limit := cfg.MaxIterations
	if limit <= 0 {
		limit = 100
	}
	if cfg.Count > 0 {
		limit = cfg.Count
		if cfg.MaxIterations > 0 && cfg.MaxIterations < limit {
			limit = cfg.MaxIterations
		}
	}

	for iteration := 0; iteration < limit; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cfg.Condition != "" {
			proceed, err := expr.Evaluate(cfg.Condition, ec.Data())
			if err != nil {
				return fmt.Errorf("node %q loop condition: %w", nodeID, err)
			}
			if !proceed {
				break
			}
		}

		ec.Set("loop_iteration", iteration)
		ec.unmarkExecuted(cfg.Nodes...)
		for _, bodyID := range cfg.Nodes {
			if err := e.executeFrom(ctx, chain, ec, bodyID); err != nil {
				return err
			}
		}
	}
	return nil
}

func transformJSONToDict(ec *ExecutionContext, params map[string]any) error {
	sourceKey, _ := params["source_key"].(string)
	if sourceKey == "" {
		sourceKey = "result"
	}
	targetKey, _ := params["target_key"].(string)
	if targetKey == "" {
		targetKey = sourceKey
	}

	raw, ok := ec.Get(sourceKey)
	if !ok {
		return fmt.Errorf("source key %q not present", sourceKey)
	}
	text, ok := raw.(string)
	if !ok {
		return fmt.Errorf("source key %q is %T, want string", sourceKey, raw)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return fmt.Errorf("parse %q as JSON object: %w", sourceKey, err)
	}
	ec.Set(targetKey, parsed)
	return nil
}

func transformExtractField(ec *ExecutionContext, params map[string]any) error {
	sourceKey, _ := params["source_key"].(string)
	field, _ := params["field"].(string)
	if sourceKey == "" || field == "" {
		return fmt.Errorf("extract_field needs source_key and field")
	}
	targetKey, _ := params["target_key"].(string)
	if targetKey == "" {
		targetKey = field
	}

	raw, ok := ec.Get(sourceKey)
	if !ok {
		return fmt.Errorf("source key %q not present", sourceKey)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("source key %q is %T, want map", sourceKey, raw)
	}
	value, ok := obj[field]
	if !ok {
		return fmt.Errorf("field %q not present in %q", field, sourceKey)
	}
	ec.Set(targetKey, value)
	return nil
}

// transformFormatTemplate substitutes {key} placeholders from context data.
func transformFormatTemplate(ec *ExecutionContext, params map[string]any) error {
	template, _ := params["template"].(string)
	if template == "" {
		return fmt.Errorf("format_template needs a template")
	}
	targetKey, _ := params["target_key"].(string)
	if targetKey == "" {
		targetKey = "formatted"
	}

	ec.Set(targetKey, formatTemplate(template, ec.Data()))
	return nil
}

// formatTemplate replaces {key} placeholders with the stringified data
// values. Unknown placeholders are left as written.
func formatTemplate(template string, data map[string]any) string {
	out := template
	for key, value := range data {
		out = strings.ReplaceAll(out, "{"+key+"}", fmt.Sprintf("%v", value))
	}
	return out
}
