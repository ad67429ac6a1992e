package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// DefaultMCPTool is the tool name invoked on MCP-served agents.
const DefaultMCPTool = "generate_transaction"

// MCPConfig configures an agent exposed as an MCP server over stdio.
type MCPConfig struct {
	// Command is the server executable (required)
	Command string

	// Args are the command-line arguments
	Args []string

	// Env entries are passed to the server process
	Env []string

	// Tool is the tool invoked per step (default "generate_transaction")
	Tool string

	// Timeout bounds each tool call (default 120s)
	Timeout time.Duration
}

// MCPAgent evaluates an agent that speaks the Model Context Protocol.
// The server process is started at construction and owned until Close.
type MCPAgent struct {
	config MCPConfig
	client *client.Client
	logger *slog.Logger
}

// NewMCP starts the MCP server process and performs the protocol
// handshake. The caller must Close the agent to stop the server.
func NewMCP(ctx context.Context, config MCPConfig, logger *slog.Logger) (*MCPAgent, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if config.Tool == "" {
		config.Tool = DefaultMCPTool
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	mcpClient, err := client.NewStdioMCPClient(config.Command, config.Env, config.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	a := &MCPAgent{config: config, client: mcpClient, logger: logger}

	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "flowbench",
				Version: "0.1.0",
			},
		},
	}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize MCP server: %w", err)
	}

	logger.Debug("mcp agent started", "command", config.Command, "tool", config.Tool)
	return a, nil
}

// GetAction implements Agent by calling the configured tool with the
// step prompt and on-chain context, then decoding the first text result.
func (a *MCPAgent) GetAction(ctx context.Context, req Request) ([]RawInstruction, error) {
	contextPrompt, err := BuildContext(req.Prompt, req.Observation)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	callReq := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name: a.config.Tool,
			Arguments: map[string]any{
				"prompt":  req.Prompt,
				"context": contextPrompt,
			},
		},
	}
	result, err := a.client.CallTool(ctx, callReq)
	if err != nil {
		return nil, fmt.Errorf("tool call failed: %w", err)
	}

	var texts []string
	for _, content := range result.Content {
		if textContent, ok := mcp.AsTextContent(content); ok {
			texts = append(texts, textContent.Text)
		}
	}
	if result.IsError {
		return nil, fmt.Errorf("agent tool reported an error: %s", strings.Join(texts, "; "))
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("agent tool returned no text content")
	}
	return ParseInstructions([]byte(texts[0]))
}

// Name implements Agent.
func (a *MCPAgent) Name() string {
	return "mcp"
}

// Close stops the MCP server process.
func (a *MCPAgent) Close() error {
	if a.client == nil {
		return nil
	}
	if err := a.client.Close(); err != nil {
		return fmt.Errorf("failed to close MCP client: %w", err)
	}
	return nil
}
