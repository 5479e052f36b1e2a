package guard

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/flaggate/flaggate/internal/core"
)

// Headers the default context extractor reads. The request pipeline in front
// of the guard is expected to have authenticated the caller and stamped
// these.
const (
	subjectHeader  = "X-Subject-Id"
	segmentsHeader = "X-Subject-Segments"
)

// RequestGuard gates HTTP requests by URL path. It is a standard middleware:
// requests whose path matches a gated pattern of a disabled flag are
// rejected with 403 and a FEATURE_DISABLED body; everything else passes
// through untouched.
type RequestGuard struct {
	checker   *Checker
	contextFn func(*http.Request) core.EvaluationContext
}

// RequestOption configures a [RequestGuard].
type RequestOption func(*RequestGuard)

// WithContextExtractor replaces how the evaluation context is derived from a
// request.
func WithContextExtractor(fn func(*http.Request) core.EvaluationContext) RequestOption {
	return func(g *RequestGuard) { g.contextFn = fn }
}

// NewRequestGuard wraps the shared checker for the api layer.
func NewRequestGuard(checker *Checker, opts ...RequestOption) *RequestGuard {
	g := &RequestGuard{
		checker:   checker,
		contextFn: contextFromHeaders,
	}
	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Middleware returns the check-then-call handler wrapper.
func (g *RequestGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := g.checker.Check(r.Context(), core.LayerAPI, r.URL.Path, "", g.contextFn(r))
		if err != nil {
			writeDisabled(w, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func contextFromHeaders(r *http.Request) core.EvaluationContext {
	evalCtx := core.EvaluationContext{
		SubjectID: strings.TrimSpace(r.Header.Get(subjectHeader)),
	}

	if raw := strings.TrimSpace(r.Header.Get(segmentsHeader)); raw != "" {
		for _, segment := range strings.Split(raw, ",") {
			if segment = strings.TrimSpace(segment); segment != "" {
				evalCtx.Segments = append(evalCtx.Segments, segment)
			}
		}
	}

	return evalCtx
}

func writeDisabled(w http.ResponseWriter, err error) {
	disabled, ok := err.(*FeatureDisabledError)
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	body := map[string]string{
		"code":      disabled.Code(),
		"flag":      disabled.Flag,
		"layer":     string(disabled.Layer),
		"operation": disabled.Operation,
		"message":   disabled.Error(),
	}
	if disabled.Subtype != "" {
		body["subtype"] = disabled.Subtype
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(body)
}
