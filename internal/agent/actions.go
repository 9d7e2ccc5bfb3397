// ABOUTME: Built-in diagnostic actions. The real action catalog lives elsewhere
// ABOUTME: and registers itself at startup; echo exists so the loop is testable end to end.

package agent

import "context"

// EchoAction returns its arguments unchanged. It is the connectivity
// probe every deployment keeps registered.
type EchoAction struct{}

// Name implements Action.
func (EchoAction) Name() string { return "echo" }

// Execute implements Action.
func (EchoAction) Execute(_ context.Context, args []byte) ([][]byte, error) {
	return [][]byte{args}, nil
}
