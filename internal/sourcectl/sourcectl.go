// Package sourcectl provides the source-control integration. The supervisor
// itself only needs Connect and Disconnect; the richer repository operations
// live on the concrete GitHub client and are used by agents directly.
package sourcectl

import "context"

// Client is one agent's connection to the source-control platform.
type Client interface {
	// Connect establishes and verifies the connection.
	Connect(ctx context.Context) error

	// Disconnect releases the connection. Safe to call more than once.
	Disconnect() error
}
