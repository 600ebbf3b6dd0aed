package checker

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/MikeSquared-Agency/aegis/internal/model"
)

const (
	ToolCheckTranscript = "check_transcript"
	defaultSessionID    = "mcp-check"
)

// NewMCPServer exposes the checker as an MCP tool server.
func NewMCPServer(c *Checker, version string) *server.MCPServer {
	s := server.NewMCPServer("aegis", version, server.WithToolCapabilities(false))
	s.AddTool(checkTranscriptTool(), c.handleCheckTranscript)
	return s
}

func checkTranscriptTool() mcp.Tool {
	return mcp.NewTool(ToolCheckTranscript,
		mcp.WithDescription("Run a call transcript through the compliance annotator and return the alerts it raises."),
		mcp.WithString("text",
			mcp.Description("Plain transcript. Each sentence becomes a segment and a blank line ends an utterance."),
		),
		mcp.WithString("segments",
			mcp.Description(`JSON array of segments: [{"id","start_sec","end_sec","text","speaker","end_of_utterance"}]. Takes precedence over text.`),
		),
		mcp.WithString("session_id",
			mcp.Description("Session id stamped on the alerts."),
		),
	)
}

func (c *Checker) handleCheckTranscript(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var segs []model.Segment
	if raw := req.GetString("segments", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &segs); err != nil {
			return mcp.NewToolResultError("invalid segments: " + err.Error()), nil
		}
	} else {
		segs = SegmentText(req.GetString("text", ""))
	}
	if len(segs) == 0 {
		return mcp.NewToolResultError("text or segments is required"), nil
	}

	res, err := c.Check(ctx, req.GetString("session_id", defaultSessionID), segs)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
