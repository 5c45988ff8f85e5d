package chain

import (
	"fmt"

	"github.com/google/uuid"
)

// Builder assembles an AgentChain with a fluent API. Each AddX call appends
// a node and, unless Connect was used, links the previous node to it.
// Build validates the whole graph and returns an immutable chain.
type Builder struct {
	id    string
	name  string
	start string

	nodes []*ChainNode
	index map[string]*ChainNode
	// nodes that got an explicit Connect, so auto-chaining skips them
	connected map[string]bool

	errs []error
}

// NewBuilder starts a chain definition.
func NewBuilder(name string) *Builder {
	return &Builder{
		id:        uuid.NewString(),
		name:      name,
		index:     make(map[string]*ChainNode),
		connected: make(map[string]bool),
	}
}

func (b *Builder) add(id string, cfg NodeConfig) *Builder {
	if id == "" {
		b.errs = append(b.errs, fmt.Errorf("node id cannot be empty"))
		return b
	}
	if _, dup := b.index[id]; dup {
		b.errs = append(b.errs, fmt.Errorf("duplicate node id %q", id))
		return b
	}
	node := &ChainNode{ID: id, Name: id, Type: cfg.nodeType(), Config: cfg}
	b.nodes = append(b.nodes, node)
	b.index[id] = node
	return b
}

// AddAgent appends an agent node.
func (b *Builder) AddAgent(id string, cfg AgentNodeConfig) *Builder {
	return b.add(id, cfg)
}

// AddCondition appends a condition node. Its routing lives in the config's
// TrueOutputs and FalseOutputs; auto-chaining never links past it.
func (b *Builder) AddCondition(id string, cfg ConditionNodeConfig) *Builder {
	return b.add(id, cfg)
}

// AddTransformer appends a transformer node.
func (b *Builder) AddTransformer(id string, cfg TransformerNodeConfig) *Builder {
	return b.add(id, cfg)
}

// AddAggregator appends an aggregator node.
func (b *Builder) AddAggregator(id string, cfg AggregatorNodeConfig) *Builder {
	return b.add(id, cfg)
}

// AddParallel appends a parallel node.
func (b *Builder) AddParallel(id string, cfg ParallelNodeConfig) *Builder {
	return b.add(id, cfg)
}

// AddLoop appends a loop node.
func (b *Builder) AddLoop(id string, cfg LoopNodeConfig) *Builder {
	return b.add(id, cfg)
}

// Label sets a node's display name. Names default to the node ID.
func (b *Builder) Label(id, name string) *Builder {
	node, ok := b.index[id]
	if !ok {
		b.errs = append(b.errs, fmt.Errorf("label: node %q not defined", id))
		return b
	}
	node.Name = name
	return b
}

// Connect adds an explicit edge and disables auto-chaining out of from.
func (b *Builder) Connect(from, to string) *Builder {
	node, ok := b.index[from]
	if !ok {
		b.errs = append(b.errs, fmt.Errorf("connect: node %q not defined", from))
		return b
	}
	node.Outputs = append(node.Outputs, to)
	b.connected[from] = true
	return b
}

// End marks a node as terminal so auto-chaining adds no edge out of it.
func (b *Builder) End(id string) *Builder {
	if _, ok := b.index[id]; !ok {
		b.errs = append(b.errs, fmt.Errorf("end: node %q not defined", id))
		return b
	}
	b.connected[id] = true
	return b
}

// StartAt overrides the start node. The default is the first node added.
func (b *Builder) StartAt(id string) *Builder {
	b.start = id
	return b
}

// Build validates the graph and returns the chain. All accumulated
// definition errors are reported together.
func (b *Builder) Build() (*AgentChain, error) {
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("chain %q has no nodes", b.name)
	}

	// Body nodes of parallel and loop containers are entered through their
	// container, never through the linear flow.
	bodies := make(map[string]bool)
	for _, node := range b.nodes {
		switch cfg := node.Config.(type) {
		case ParallelNodeConfig:
			for _, id := range cfg.Nodes {
				bodies[id] = true
			}
		case LoopNodeConfig:
			for _, id := range cfg.Nodes {
				bodies[id] = true
			}
		}
	}

	// Auto-chain: each node flows to the next added one unless it was
	// connected explicitly, routes through a condition config, or the next
	// node is a container body.
	for i := 0; i < len(b.nodes)-1; i++ {
		node := b.nodes[i]
		if b.connected[node.ID] || node.Type == NodeCondition {
			continue
		}
		if bodies[node.ID] || bodies[b.nodes[i+1].ID] {
			continue
		}
		node.Outputs = append(node.Outputs, b.nodes[i+1].ID)
	}

	errs := b.errs
	for _, node := range b.nodes {
		if err := node.Config.validate(); err != nil {
			errs = append(errs, fmt.Errorf("node %q: %w", node.ID, err))
		}
		for _, ref := range b.nodeRefs(node) {
			if _, ok := b.index[ref]; !ok {
				errs = append(errs, fmt.Errorf("node %q references unknown node %q", node.ID, ref))
			}
		}
	}

	start := b.start
	if start == "" {
		start = b.nodes[0].ID
	}
	if _, ok := b.index[start]; !ok {
		errs = append(errs, fmt.Errorf("start node %q not defined", start))
	}

	if len(errs) > 0 {
		msg := ""
		for i, err := range errs {
			if i > 0 {
				msg += "; "
			}
			msg += err.Error()
		}
		return nil, fmt.Errorf("invalid chain %q: %s", b.name, msg)
	}

	nodes := make(map[string]*ChainNode, len(b.nodes))
	for _, node := range b.nodes {
		nodes[node.ID] = node
	}
	return &AgentChain{
		ID:        b.id,
		Name:      b.name,
		StartNode: start,
		Nodes:     nodes,
	}, nil
}

// nodeRefs lists every node ID this node can reach directly.
func (b *Builder) nodeRefs(node *ChainNode) []string {
	refs := append([]string(nil), node.Outputs...)
	switch cfg := node.Config.(type) {
	case ConditionNodeConfig:
		refs = append(refs, cfg.TrueOutputs...)
		refs = append(refs, cfg.FalseOutputs...)
	case ParallelNodeConfig:
		refs = append(refs, cfg.Nodes...)
	case LoopNodeConfig:
		refs = append(refs, cfg.Nodes...)
	}
	return refs
}
