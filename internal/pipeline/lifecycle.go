package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Lifecycle is implemented by every stage that holds resources.
type Lifecycle interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// InitializeAll starts components in order and stops at the first failure,
// shutting down whatever already started.
func InitializeAll(ctx context.Context, components ...Lifecycle) error {
	for i, component := range components {
		if component == nil {
			continue
		}
		if err := component.Initialize(ctx); err != nil {
			_ = ShutdownAll(ctx, components[:i]...)
			return fmt.Errorf("initialize component %d: %w", i, err)
		}
	}
	return nil
}

// ShutdownAll stops components in reverse order and joins their errors.
func ShutdownAll(ctx context.Context, components ...Lifecycle) error {
	var errs []error
	for i := len(components) - 1; i >= 0; i-- {
		if components[i] == nil {
			continue
		}
		if err := components[i].Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
