// Package recovery restores runtime state after a restart. Components register a
// Recoverable and the manager runs them in registration order at startup.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable is a component that rebuilds its state at startup.
type Recoverable interface {
	// Name identifies the component in logs.
	Name() string
	// RecoverState is called once during startup.
	RecoverState(ctx context.Context) error
}

// RecoverableFunc adapts a function to Recoverable.
type RecoverableFunc struct {
	Label string
	Fn    func(ctx context.Context) error
}

func (f RecoverableFunc) Name() string { return f.Label }

func (f RecoverableFunc) RecoverState(ctx context.Context) error { return f.Fn(ctx) }

// RecoveryManager orchestrates recovery of all registered components.
type RecoveryManager struct {
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager.
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{recoverables: make([]Recoverable, 0)}
}

// RegisterRecoverable adds a component that can be recovered.
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll runs every registered component, continuing past failures. The
// returned error summarizes how many failed.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0
	for _, r := range rm.recoverables {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.RecoverState(ctx); err != nil {
			slog.Error("Component recovery failed", "component", r.Name(), "error", err)
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("Application recovery completed", "recovered", recoveredCount, "errors", errorCount)
	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}
	return nil
}
