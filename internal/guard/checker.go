// Package guard enforces flag requirements at the three architectural
// boundaries: repository (data access), service (business logic), and api
// (request entry). All three adapters share one check-then-call sequence;
// they differ only in what they intercept. A failed check is a deterministic
// business-rule rejection, never retried, and the wrapped operation is never
// invoked.
package guard

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flaggate/flaggate/internal/core"
)

// FeatureDisabledError is the designed outcome of a failed gate check. It is
// always surfaced to the immediate caller and carries enough context for
// diagnosis without exposing the requirement mapping.
type FeatureDisabledError struct {
	Flag      string
	Layer     core.Layer
	Operation string
	Subtype   string
}

// Code is the machine-readable error code carried at transport boundaries.
func (e *FeatureDisabledError) Code() string { return "FEATURE_DISABLED" }

func (e *FeatureDisabledError) Error() string {
	if e.Subtype != "" {
		return fmt.Sprintf("feature %q is disabled for %s operation %q (%s)", e.Flag, e.Layer, e.Operation, e.Subtype)
	}
	return fmt.Sprintf("feature %q is disabled for %s operation %q", e.Flag, e.Layer, e.Operation)
}

// FlagResolver resolves the flags gating a call.
type FlagResolver interface {
	Resolve(ctx context.Context, layer core.Layer, operation, subtype string) []string
}

// FlagChecker evaluates flags and records check outcomes.
type FlagChecker interface {
	IsEnabled(ctx context.Context, name string, evalCtx core.EvaluationContext) bool
	RecordCheck(name string, layer core.Layer, allowed bool)
}

// CheckRecorder increments the per-layer Prometheus check counter; optional.
type CheckRecorder interface {
	RecordGuardCheck(layer core.Layer, allowed bool)
}

// Checker implements the shared check sequence: resolve applicable flags,
// evaluate each, short-circuit on the first disabled one.
type Checker struct {
	resolver FlagResolver
	flags    FlagChecker
	log      *slog.Logger
	recorder CheckRecorder
}

// NewChecker creates a [Checker]. recorder may be nil.
func NewChecker(resolver FlagResolver, flags FlagChecker, log *slog.Logger, recorder CheckRecorder) *Checker {
	if log == nil {
		log = slog.Default()
	}

	return &Checker{resolver: resolver, flags: flags, log: log, recorder: recorder}
}

// Check returns nil when every flag gating the call is enabled (or none
// apply), and a [*FeatureDisabledError] for the first disabled flag found.
func (c *Checker) Check(ctx context.Context, layer core.Layer, operation, subtype string, evalCtx core.EvaluationContext) error {
	for _, flag := range c.resolver.Resolve(ctx, layer, operation, subtype) {
		allowed := c.flags.IsEnabled(ctx, flag, evalCtx)
		c.flags.RecordCheck(flag, layer, allowed)
		if c.recorder != nil {
			c.recorder.RecordGuardCheck(layer, allowed)
		}

		if !allowed {
			c.log.Warn("gated operation rejected",
				"flag", flag,
				"layer", layer,
				"operation", operation,
				"subtype", subtype,
			)
			return &FeatureDisabledError{
				Flag:      flag,
				Layer:     layer,
				Operation: operation,
				Subtype:   subtype,
			}
		}

		c.log.Debug("gated operation allowed",
			"flag", flag,
			"layer", layer,
			"operation", operation,
			"subtype", subtype,
		)
	}

	return nil
}
