// Package actions registers the side-effecting actions the gate can execute
// locally, each paired with a verifier that independently confirms the
// claimed effect actually occurred.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// InvokerFunc executes the real side effect for an action.
type InvokerFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// VerifierFunc re-reads the affected resource and reports whether its state
// matches the intended effect. A bare success signal from the invoker is
// never trusted without this check.
type VerifierFunc func(ctx context.Context, args, result json.RawMessage) (bool, error)

// Action bundles an invoker with its verifier.
type Action struct {
	Invoke InvokerFunc
	Verify VerifierFunc
}

// Registry stores actions keyed by action name.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// Register adds a new action.
func (r *Registry) Register(actionName string, action Action) error {
	if actionName == "" {
		return fmt.Errorf("action name is required")
	}
	if action.Invoke == nil {
		return fmt.Errorf("invoker is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[actionName]; exists {
		return fmt.Errorf("action already registered for %s", actionName)
	}
	r.actions[actionName] = action
	return nil
}

// MustRegister adds an action or panics.
func (r *Registry) MustRegister(actionName string, action Action) {
	if err := r.Register(actionName, action); err != nil {
		panic(err)
	}
}

// Lookup returns the action for actionName.
func (r *Registry) Lookup(actionName string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	action, ok := r.actions[actionName]
	return action, ok
}

// Invoke runs the invoker for actionName.
func (r *Registry) Invoke(ctx context.Context, actionName string, args json.RawMessage) (json.RawMessage, error) {
	action, ok := r.Lookup(actionName)
	if !ok {
		return nil, fmt.Errorf("no action registered for %s", actionName)
	}
	return action.Invoke(ctx, args)
}

// Verify runs the verifier for actionName. Actions registered without a
// verifier fail verification: an unverifiable effect is treated as not
// having happened.
func (r *Registry) Verify(ctx context.Context, actionName string, args, result json.RawMessage) (bool, error) {
	action, ok := r.Lookup(actionName)
	if !ok || action.Verify == nil {
		return false, fmt.Errorf("no verifier registered for %s", actionName)
	}
	return action.Verify(ctx, args, result)
}
