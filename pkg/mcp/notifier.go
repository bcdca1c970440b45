package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// ReviewNotifier pushes human-review notifications to connected reviewers.
type ReviewNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewReviewNotifier creates a notifier that pushes via the MCP session transport.
func NewReviewNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *ReviewNotifier {
	return &ReviewNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the reviewer's session.
// Best-effort: returns nil if the reviewer is not connected.
func (n *ReviewNotifier) Notify(_ context.Context, reviewer string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(reviewer)
	if !ok {
		return nil // reviewer not connected, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send — not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
