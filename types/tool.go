package types

// PropertySchema describes one input field of a tool.
type PropertySchema struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// InputSchema is the JSON-Schema-like input descriptor of a tool: the set of
// declared fields with primitive types and the list of required field names.
type InputSchema struct {
	Type       string                    `json:"type,omitempty"`
	Properties map[string]PropertySchema `json:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty"`
}

// ToolSchema describes one tool discovered on an MCP server.
type ToolSchema struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema InputSchema `json:"inputSchema"`
}

// ToolResult is the normalized outcome of a tool invocation.
type ToolResult struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FailedToolResult builds a failure result from an error message.
func FailedToolResult(msg string) *ToolResult {
	return &ToolResult{Success: false, Error: msg}
}
