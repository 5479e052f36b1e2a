package guard

import (
	"context"

	"github.com/flaggate/flaggate/internal/core"
)

// OperationGuard is the common surface of the repository and service guards:
// one check per unit of dispatch, identified by operation name and optional
// subtype discriminator.
type OperationGuard interface {
	Check(ctx context.Context, operation, subtype string, evalCtx core.EvaluationContext) error
}

// RepositoryGuard gates data-access operations.
type RepositoryGuard struct {
	checker *Checker
}

// NewRepositoryGuard wraps the shared checker for the repository layer.
func NewRepositoryGuard(checker *Checker) *RepositoryGuard {
	return &RepositoryGuard{checker: checker}
}

func (g *RepositoryGuard) Check(ctx context.Context, operation, subtype string, evalCtx core.EvaluationContext) error {
	return g.checker.Check(ctx, core.LayerRepository, operation, subtype, evalCtx)
}

// ServiceGuard gates business-logic operations. Service-layer requirements
// are keyed by operation-name pattern; subtype discriminators do not apply,
// but the argument is accepted so both guards share the generic wrappers.
type ServiceGuard struct {
	checker *Checker
}

// NewServiceGuard wraps the shared checker for the service layer.
func NewServiceGuard(checker *Checker) *ServiceGuard {
	return &ServiceGuard{checker: checker}
}

func (g *ServiceGuard) Check(ctx context.Context, operation, subtype string, evalCtx core.EvaluationContext) error {
	return g.checker.Check(ctx, core.LayerService, operation, subtype, evalCtx)
}

// Exec runs fn through the guard. When all gating flags pass, fn is invoked
// with the caller's context unchanged and its error returned untouched; when
// a flag is disabled, fn is never invoked and the [*FeatureDisabledError] is
// returned instead.
func Exec(ctx context.Context, g OperationGuard, operation, subtype string, evalCtx core.EvaluationContext, fn func(context.Context) error) error {
	if err := g.Check(ctx, operation, subtype, evalCtx); err != nil {
		return err
	}

	return fn(ctx)
}

// Call is [Exec] for operations that return a value. The wrapped result is
// returned unchanged on pass; on rejection the zero value accompanies the
// disabled-feature error.
func Call[T any](ctx context.Context, g OperationGuard, operation, subtype string, evalCtx core.EvaluationContext, fn func(context.Context) (T, error)) (T, error) {
	if err := g.Check(ctx, operation, subtype, evalCtx); err != nil {
		var zero T
		return zero, err
	}

	return fn(ctx)
}
