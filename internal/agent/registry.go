// ABOUTME: Action registry dispatching inbound task messages to handlers.
// ABOUTME: Handlers are resolved once at startup, never per message by string lookup.

package agent

import (
	"context"
	"fmt"

	"github.com/2389/fleetlink/internal/wire"
)

// ActionRequest is the payload of a coordinator-issued task message.
type ActionRequest struct {
	Name string `cbor:"1,keyasint"`
	Args []byte `cbor:"2,keyasint"`
}

// Action executes one kind of remote work unit. Implementations return
// zero or more response payloads; the processing loop turns them into
// ordered response messages followed by exactly one status message.
type Action interface {
	// Name is the registry key the coordinator addresses this action by.
	Name() string
	// Execute runs the action. Returned payloads become ordered responses.
	Execute(ctx context.Context, args []byte) ([][]byte, error)
}

// Registry maps action names to handlers. It is populated at startup and
// read-only afterwards, so no locking is needed.
type Registry struct {
	actions map[string]Action
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds an action. Registering two actions with the same name is
// a programming error and panics at startup.
func (r *Registry) Register(a Action) {
	if _, dup := r.actions[a.Name()]; dup {
		panic(fmt.Sprintf("action %q registered twice", a.Name()))
	}
	r.actions[a.Name()] = a
}

// Lookup resolves an action by name.
func (r *Registry) Lookup(name string) (Action, bool) {
	a, ok := r.actions[name]
	return a, ok
}

// ParseActionRequest unpacks the action request carried by a task message.
func ParseActionRequest(m *wire.Message) (*ActionRequest, error) {
	var req ActionRequest
	if err := wire.Unmarshal(m.Payload, &req); err != nil {
		return nil, fmt.Errorf("parsing action request: %w", err)
	}
	return &req, nil
}
