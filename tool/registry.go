package tool

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/openagents/conductor/mcp"
	"github.com/openagents/conductor/types"
)

// Tool is one invocable capability.
type Tool interface {
	Name() string
	Description() string
	Schema() types.ToolSchema
	Execute(ctx context.Context, args map[string]any) *types.ToolResult
}

// Registry holds tools grouped by category, so a whole source (for example
// every tool discovered from MCP servers) can be swapped out at once.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	categories map[string][]string

	logger *zap.Logger
}

// CategoryMCP is the category of tools discovered from MCP servers.
const CategoryMCP = "mcp"

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:      make(map[string]Tool),
		categories: make(map[string][]string),
		logger:     logger.With(zap.String("component", "tool_registry")),
	}
}

// Register adds or replaces a tool under a category.
func (r *Registry) Register(category string, t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.categories[category] = append(r.categories[category], name)
	}
	r.tools[name] = t
	r.logger.Debug("tool registered",
		zap.String("tool", name),
		zap.String("category", category),
	)
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClearCategory removes every tool of one category, typically before
// re-registering a fresh MCP discovery.
func (r *Registry) ClearCategory(category string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.categories[category] {
		delete(r.tools, name)
	}
	delete(r.categories, category)
}

// RegisterMCPTools wraps every tool the manager discovered and registers it
// under CategoryMCP, replacing the previous MCP registration.
func (r *Registry) RegisterMCPTools(manager *mcp.Manager, opts ...WrapperOption) int {
	r.ClearCategory(CategoryMCP)

	count := 0
	for server, schemas := range manager.AllTools() {
		for _, schema := range schemas {
			w := NewMCPToolWrapper(server, schema, manager, r.logger, opts...)
			r.Register(CategoryMCP, w)
			count++
		}
	}
	r.logger.Info("mcp tools registered", zap.Int("count", count))
	return count
}
