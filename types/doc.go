// Package types defines the shared data model of the orchestration core:
// agent tasks and responses, retry and sub-agent configuration, tool schemas
// and results, and the structured error taxonomy.
//
// The types package is the lowest-level package with no internal dependencies,
// so placing these contracts here avoids circular imports between the
// scheduler (agent), the chain interpreter (chain), and the MCP layer (mcp).
package types
