package logging

import "github.com/taskplane/taskplane/types"

// NopLogger is a no-op logger that discards all log messages.
//
// Components default to it when no logger option is supplied, so logging
// never has to be nil-checked on hot paths.
type NopLogger struct{}

// Compile-time assertion that NopLogger implements Logger.
var _ types.Logger = (*NopLogger)(nil)

// NewNop creates a new no-op logger that discards all messages.
func NewNop() *NopLogger {
	return &NopLogger{}
}

// Debug discards the message.
func (n *NopLogger) Debug(_ string, _ ...any) {}

// Info discards the message.
func (n *NopLogger) Info(_ string, _ ...any) {}

// Warn discards the message.
func (n *NopLogger) Warn(_ string, _ ...any) {}

// Error discards the message.
func (n *NopLogger) Error(_ string, _ ...any) {}

// Fatal discards the message (does NOT call os.Exit). Intentional for tests.
func (n *NopLogger) Fatal(_ string, _ ...any) {}
