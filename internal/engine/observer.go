package engine

import "context"

// Observer is told about every outcome that changed a grant's state,
// touched enforcement, or failed.
type Observer interface {
	GrantChanged(ctx context.Context, out Outcome)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ctx context.Context, out Outcome)

func (f ObserverFunc) GrantChanged(ctx context.Context, out Outcome) { f(ctx, out) }

func (e *Engine) notify(ctx context.Context, out Outcome) {
	e.mu.RLock()
	observers := append([]Observer(nil), e.observers...)
	e.mu.RUnlock()

	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("Observer panicked", "grant_id", out.Record.Grant.ID, "panic", r)
				}
			}()
			o.GrantChanged(ctx, out)
		}()
	}
}
