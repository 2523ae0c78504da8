package buildcoord

import "context"

// Logger is the structured logger accepted by every component.
// Keyvals alternate between string keys and arbitrary values.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}
