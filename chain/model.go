// Package chain builds and executes agent chains: directed graphs of agent,
// condition, transformer, aggregator, parallel and loop nodes driven by a
// shared execution context.
package chain

import (
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/openagents/conductor/types"
)

// NodeType identifies the behavior of a chain node.
type NodeType string

const (
	NodeAgent       NodeType = "agent"
	NodeCondition   NodeType = "condition"
	NodeTransformer NodeType = "transformer"
	NodeAggregator  NodeType = "aggregator"
	NodeParallel    NodeType = "parallel"
	NodeLoop        NodeType = "loop"
)

// NodeConfig is the typed configuration of one node. Each node type carries
// its own config struct; Build rejects mismatches up front instead of
// discovering them mid-run.
type NodeConfig interface {
	nodeType() NodeType
	validate() error
}

// AgentNodeConfig runs one agent task.
type AgentNodeConfig struct {
	// AgentType selects the registered agent.
	AgentType string
	// Task is the task description. When empty the node reads the "task"
	// key from the execution context data.
	Task string
	// ContextTemplate builds the task context from context data, with
	// {key} placeholders substituted.
	ContextTemplate string
	// InputKeys selects context data keys copied into the task input.
	// Empty means all data is passed.
	InputKeys []string
	// OutputKey stores the response result into context data under this
	// key. Empty stores nothing beyond the per-node result entry.
	OutputKey string
}

func (AgentNodeConfig) nodeType() NodeType { return NodeAgent }

func (c AgentNodeConfig) validate() error {
	if c.AgentType == "" {
		return fmt.Errorf("agent node needs an agent_type")
	}
	return nil
}

// ConditionNodeConfig routes to one of two output sets. Predicate names a
// registered predicate function; Expression is evaluated against the
// context data when Predicate is empty.
type ConditionNodeConfig struct {
	Predicate    string
	Expression   string
	TrueOutputs  []string
	FalseOutputs []string
}

func (ConditionNodeConfig) nodeType() NodeType { return NodeCondition }

func (c ConditionNodeConfig) validate() error {
	if c.Predicate == "" && c.Expression == "" {
		return fmt.Errorf("condition node needs a predicate or an expression")
	}
	return nil
}

// TransformerNodeConfig applies a named data transformation to the context.
type TransformerNodeConfig struct {
	Transformer string
	Params      map[string]any
}

func (TransformerNodeConfig) nodeType() NodeType { return NodeTransformer }

func (c TransformerNodeConfig) validate() error {
	if c.Transformer == "" {
		return fmt.Errorf("transformer node needs a transformer name")
	}
	return nil
}

// AggregatorNodeConfig folds accumulated node results into one data entry.
// Mode is one of combine, merge or list.
type AggregatorNodeConfig struct {
	Mode       string
	SourceKeys []string
	OutputKey  string
}

func (AggregatorNodeConfig) nodeType() NodeType { return NodeAggregator }

func (c AggregatorNodeConfig) validate() error {
	switch c.Mode {
	case "combine", "merge", "list":
	default:
		return fmt.Errorf("unknown aggregation mode %q", c.Mode)
	}
	if c.OutputKey == "" {
		return fmt.Errorf("aggregator node needs an output key")
	}
	return nil
}

// ParallelNodeConfig runs a set of nodes concurrently, each on its own copy
// of the execution context.
type ParallelNodeConfig struct {
	// Nodes are the branch entry node IDs.
	Nodes []string
	// MergeData merges each branch's context data back after the join.
	// Results and errors are always merged.
	MergeData bool
}

func (ParallelNodeConfig) nodeType() NodeType { return NodeParallel }

func (c ParallelNodeConfig) validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("parallel node needs at least one branch")
	}
	return nil
}

// LoopNodeConfig repeats a node sequence a fixed number of times or while a
// condition expression holds. MaxIterations caps conditional loops.
type LoopNodeConfig struct {
	Nodes         []string
	Count         int
	Condition     string
	MaxIterations int
}

func (LoopNodeConfig) nodeType() NodeType { return NodeLoop }

func (c LoopNodeConfig) validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("loop node needs at least one body node")
	}
	if c.Count <= 0 && c.Condition == "" {
		return fmt.Errorf("loop node needs a count or a condition")
	}
	return nil
}

// ChainNode is one node of a chain. Name is a display label and defaults
// to the ID.
type ChainNode struct {
	ID      string
	Name    string
	Type    NodeType
	Config  NodeConfig
	Outputs []string
}

// AgentChain is a validated, executable chain definition.
type AgentChain struct {
	ID        string
	Name      string
	StartNode string
	Nodes     map[string]*ChainNode
}

// Node looks up a node by ID.
func (c *AgentChain) Node(id string) (*ChainNode, bool) {
	n, ok := c.Nodes[id]
	return n, ok
}

// ExecutionContext is the mutable state threaded through one chain run.
type ExecutionContext struct {
	mu sync.RWMutex

	runID    string
	data     map[string]any
	results  map[string]*types.AgentResponse
	errors   []string
	executed map[string]bool

	// baseErrors is the parent's error count at clone time, so merge can
	// pick out only the errors this branch added.
	baseErrors int
}

// NewExecutionContext creates a run context seeded with the given data.
func NewExecutionContext(data map[string]any) *ExecutionContext {
	ec := &ExecutionContext{
		runID:    uuid.NewString(),
		data:     make(map[string]any, len(data)),
		results:  make(map[string]*types.AgentResponse),
		executed: make(map[string]bool),
	}
	maps.Copy(ec.data, data)
	return ec
}

// RunID identifies this chain run.
func (ec *ExecutionContext) RunID() string { return ec.runID }

// Get reads one data entry.
func (ec *ExecutionContext) Get(key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.data[key]
	return v, ok
}

// Set writes one data entry.
func (ec *ExecutionContext) Set(key string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.data[key] = value
}

// Data returns a snapshot copy of the context data.
func (ec *ExecutionContext) Data() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]any, len(ec.data))
	maps.Copy(out, ec.data)
	return out
}

// Result reads the stored response of one executed node.
func (ec *ExecutionContext) Result(nodeID string) (*types.AgentResponse, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	r, ok := ec.results[nodeID]
	return r, ok
}

// Results returns a snapshot copy of the per-node responses.
func (ec *ExecutionContext) Results() map[string]*types.AgentResponse {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]*types.AgentResponse, len(ec.results))
	maps.Copy(out, ec.results)
	return out
}

// Errors returns the accumulated non-fatal error messages of this run.
func (ec *ExecutionContext) Errors() []string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make([]string, len(ec.errors))
	copy(out, ec.errors)
	return out
}

func (ec *ExecutionContext) setResult(nodeID string, resp *types.AgentResponse) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.results[nodeID] = resp
}

func (ec *ExecutionContext) addError(msg string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.errors = append(ec.errors, msg)
}

func (ec *ExecutionContext) markExecuted(nodeID string) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.executed[nodeID] {
		return false
	}
	ec.executed[nodeID] = true
	return true
}

func (ec *ExecutionContext) unmarkExecuted(nodeIDs ...string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for _, id := range nodeIDs {
		delete(ec.executed, id)
	}
}

func (ec *ExecutionContext) executedNodes() []string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make([]string, 0, len(ec.executed))
	for id := range ec.executed {
		out = append(out, id)
	}
	return out
}

// Clone copies the context for an isolated parallel branch. The clone keeps
// the parent's run ID; data, results, errors and the executed set are
// shallow-copied so branch writes stay local.
func (ec *ExecutionContext) Clone() *ExecutionContext {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	clone := &ExecutionContext{
		runID:      ec.runID,
		data:       make(map[string]any, len(ec.data)),
		results:    make(map[string]*types.AgentResponse, len(ec.results)),
		errors:     make([]string, len(ec.errors)),
		executed:   make(map[string]bool, len(ec.executed)),
		baseErrors: len(ec.errors),
	}
	maps.Copy(clone.data, ec.data)
	maps.Copy(clone.results, ec.results)
	copy(clone.errors, ec.errors)
	maps.Copy(clone.executed, ec.executed)
	return clone
}

// merge folds a finished branch context back into the receiver.
func (ec *ExecutionContext) merge(branch *ExecutionContext, mergeData bool) {
	branch.mu.RLock()
	defer branch.mu.RUnlock()
	ec.mu.Lock()
	defer ec.mu.Unlock()

	maps.Copy(ec.results, branch.results)
	if branch.baseErrors < len(branch.errors) {
		ec.errors = append(ec.errors, branch.errors[branch.baseErrors:]...)
	}
	maps.Copy(ec.executed, branch.executed)
	if mergeData {
		maps.Copy(ec.data, branch.data)
	}
}
