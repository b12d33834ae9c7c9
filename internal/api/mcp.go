package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/gardenq/internal/outbox"
	"github.com/kalambet/gardenq/internal/queue"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Outbox  *outbox.Outbox
	Sync    SyncControl
	Storage StorageManager
}

// NewMCPServer creates an MCP server exposing the outbox as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"gardenq",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("gardenq: offline outbox for garden work and approvals. Every job tool takes user_address and chain_id."),
		server.WithRecovery(),
	)

	scopeArgs := []mcp.ToolOption{
		mcp.WithString("user_address", mcp.Description("Account address owning the queue"), mcp.Required()),
		mcp.WithNumber("chain_id", mcp.Description("Network chain id"), mcp.Required()),
	}
	withScope := func(opts ...mcp.ToolOption) []mcp.ToolOption {
		return append(append([]mcp.ToolOption{}, scopeArgs...), opts...)
	}

	s.AddTool(
		mcp.NewTool("queue_stats", withScope(
			mcp.WithDescription("Count the scope's jobs by status."),
		)...),
		mcpQueueStats(deps),
	)

	s.AddTool(
		mcp.NewTool("list_jobs", withScope(
			mcp.WithDescription("List queued jobs, oldest first."),
			mcp.WithString("status", mcp.Description("Optional status filter (pending, in_flight, failed, synced, discarded, needs_review)")),
			mcp.WithString("kind", mcp.Description("Optional kind filter (work, approval)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of jobs (default 20)")),
		)...),
		mcpListJobs(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_work", withScope(
			mcp.WithDescription("Queue a work submission for a garden action."),
			mcp.WithString("garden_address", mcp.Required()),
			mcp.WithString("action_uid", mcp.Required()),
			mcp.WithString("feedback"),
			mcp.WithArray("plant_selection", mcp.Description("Plant names")),
			mcp.WithNumber("plant_count"),
		)...),
		mcpQueueWork(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_approval", withScope(
			mcp.WithDescription("Queue an approval or rejection of submitted work."),
			mcp.WithString("work_uid", mcp.Required()),
			mcp.WithString("action_uid", mcp.Required()),
			mcp.WithString("garden_address", mcp.Required()),
			mcp.WithString("gardener_address", mcp.Required()),
			mcp.WithBoolean("approved", mcp.Required()),
			mcp.WithString("feedback"),
		)...),
		mcpQueueApproval(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_job", withScope(
			mcp.WithDescription("Re-queue a failed or parked job."),
			mcp.WithString("id", mcp.Required()),
		)...),
		mcpRetryJob(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_now",
			mcp.WithDescription("Drain every scope's queue now."),
		),
		mcpSyncNow(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"gardenq://storage",
			"Storage Usage",
			mcp.WithResourceDescription("Local storage usage against the quota"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStorage(deps),
	)

	return s
}

func mcpScope(req mcp.CallToolRequest) (queue.Scope, error) {
	addr, err := req.RequireString("user_address")
	if err != nil {
		return queue.Scope{}, err
	}
	scope := queue.NewScope(addr, int64(req.GetInt("chain_id", 0)))
	return scope, scope.Validate()
}

func mcpQueueStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		scope, err := mcpScope(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		stats, err := deps.Outbox.Stats(ctx, scope)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get stats: %v", err)), nil
		}
		return mcpJSON(stats)
	}
}

func mcpListJobs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		scope, err := mcpScope(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		f := queue.JobFilter{Limit: limit}
		if st := req.GetString("status", ""); st != "" {
			f.Statuses = []queue.Status{queue.Status(st)}
		}
		if k := req.GetString("kind", ""); k != "" {
			kind, err := queue.ParseKind(k)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			f.Kinds = []queue.Kind{kind}
		}

		jobs, err := deps.Outbox.Jobs(ctx, scope, f)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list jobs: %v", err)), nil
		}
		return mcpJSON(toJobViews(jobs))
	}
}

func mcpQueueWork(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		scope, err := mcpScope(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		p := queue.WorkPayload{
			GardenAddress:  req.GetString("garden_address", ""),
			ActionUID:      req.GetString("action_uid", ""),
			Feedback:       req.GetString("feedback", ""),
			PlantSelection: req.GetStringSlice("plant_selection", nil),
			PlantCount:     req.GetInt("plant_count", 0),
		}
		job, dup, err := deps.Outbox.AddJob(ctx, scope, p, map[string]string{"source": "mcp"}, nil)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue work: %v", err)), nil
		}
		return mcpJSON(EnqueueResponse{Job: toJobView(job), Duplicate: dup})
	}
}

func mcpQueueApproval(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		scope, err := mcpScope(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		approved, err := req.RequireBool("approved")
		if err != nil {
			return mcpError("approved is required"), nil
		}
		p := queue.ApprovalPayload{
			WorkUID:         req.GetString("work_uid", ""),
			ActionUID:       req.GetString("action_uid", ""),
			GardenAddress:   req.GetString("garden_address", ""),
			GardenerAddress: req.GetString("gardener_address", ""),
			Approved:        approved,
			Feedback:        req.GetString("feedback", ""),
		}
		job, dup, err := deps.Outbox.AddJob(ctx, scope, p, map[string]string{"source": "mcp"}, nil)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue approval: %v", err)), nil
		}
		return mcpJSON(EnqueueResponse{Job: toJobView(job), Duplicate: dup})
	}
}

func mcpRetryJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		scope, err := mcpScope(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		job, err := deps.Outbox.Retry(ctx, scope, id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to retry job: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Job %s is %s", job.ID, job.Status)), nil
	}
}

func mcpSyncNow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := deps.Sync.Drain(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("synced %d, retrying %d, failed %d, conflicts %d",
			res.Synced, res.Retrying, res.Failed, res.Conflicts)), nil
	}
}

func mcpResourceStorage(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		a, err := deps.Storage.Analyze(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to analyze storage: %w", err)
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal analytics: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
