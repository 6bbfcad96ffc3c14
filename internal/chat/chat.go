// Package chat provides the chat-integration surface the supervisor drives.
// The supervisor only connects, sends, and disconnects; everything else about
// the messaging platform is behind the Client interface.
package chat

import "context"

// Client is one agent's connection to the chat platform. Implementations
// must tolerate Disconnect without a prior successful Connect.
type Client interface {
	// Connect establishes and verifies the connection.
	Connect(ctx context.Context) error

	// Send posts a message to the named channel. Callers treat failures as
	// best-effort: they log and continue.
	Send(ctx context.Context, channel, message string) error

	// Disconnect releases the connection. Safe to call more than once.
	Disconnect() error
}
