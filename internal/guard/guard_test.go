package guard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flaggate/flaggate/internal/core"
	"github.com/flaggate/flaggate/internal/registry"
	"github.com/flaggate/flaggate/internal/require"
	"github.com/flaggate/flaggate/internal/service"
	"github.com/flaggate/flaggate/internal/store"
)

type fixture struct {
	store   *store.MemoryStore
	service *service.Service
	checker *Checker
	now     time.Time
}

// newFixture wires a full enforcement stack over an in-memory store:
// registry, service, requirement cache with same-process invalidation, and
// the shared checker.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store: store.NewMemoryStore(),
		now:   time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.store.SetClock(clock)

	reg := registry.New()
	registrations := []struct {
		name     string
		flagType core.FlagType
		value    core.Value
	}{
		{"BANKING_ACCOUNT_TYPES_ENABLED", core.TypeBoolean, core.BoolValue(true)},
		{"BILL_PAYMENTS_ENABLED", core.TypeBoolean, core.BoolValue(true)},
		{"WIDGETS_ENABLED", core.TypeBoolean, core.BoolValue(true)},
		{"BNPL_EARLY_ACCESS", core.TypeSegment, core.SegmentsValue("beta")},
	}
	for _, registration := range registrations {
		if err := reg.Register(registration.name, registration.flagType, registration.value, ""); err != nil {
			t.Fatalf("Register(%q): %v", registration.name, err)
		}
	}
	reg.Freeze()

	svc, err := service.New(f.store, reg, service.WithClock(clock))
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}
	if err := svc.Seed(ctx); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	f.service = svc

	cache := require.NewCache(f.store, require.WithClock(clock))
	svc.OnRequirementsChanged(cache.Invalidate)

	f.checker = NewChecker(require.NewResolver(cache), svc, slog.Default(), nil)

	return f
}

func (f *fixture) setRequirements(t *testing.T, flag string, requirements *core.Requirements) {
	t.Helper()
	if _, err := f.service.SetRequirements(context.Background(), flag, requirements, "test"); err != nil {
		t.Fatalf("SetRequirements(%q): %v", flag, err)
	}
}

func (f *fixture) setValue(t *testing.T, flag string, value core.Value) {
	t.Helper()
	if _, err := f.service.SetValue(context.Background(), flag, value, "test"); err != nil {
		t.Fatalf("SetValue(%q): %v", flag, err)
	}
}

func TestRepositoryGuardSubtypeGating(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setRequirements(t, "BANKING_ACCOUNT_TYPES_ENABLED", &core.Requirements{
		Repository: core.RepositoryBlock{
			"create_typed_account": core.GateSubtypes("ewa", "bnpl"),
		},
	})
	f.setValue(t, "BANKING_ACCOUNT_TYPES_ENABLED", core.BoolValue(false))

	repoGuard := NewRepositoryGuard(f.checker)

	// Gated subtype of a disabled flag: rejected, operation never runs.
	invoked := false
	err := Exec(ctx, repoGuard, "create_typed_account", "ewa", core.EvaluationContext{}, func(context.Context) error {
		invoked = true
		return nil
	})
	var disabled *FeatureDisabledError
	if !errors.As(err, &disabled) {
		t.Fatalf("Exec error = %v, want FeatureDisabledError", err)
	}
	if invoked {
		t.Fatal("wrapped operation ran despite a failed check")
	}
	if disabled.Flag != "BANKING_ACCOUNT_TYPES_ENABLED" || disabled.Layer != core.LayerRepository || disabled.Subtype != "ewa" {
		t.Fatalf("error = %+v, want flag/layer/subtype populated", disabled)
	}

	// Ungated subtype: not covered by the requirement, passes.
	if err := Exec(ctx, repoGuard, "create_typed_account", "checking", core.EvaluationContext{}, func(context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("Exec(checking) = %v, want nil", err)
	}

	// Subtype-less call on a subtype-keyed entry: never gated.
	if err := Exec(ctx, repoGuard, "create_typed_account", "", core.EvaluationContext{}, func(context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("Exec(no subtype) = %v, want nil", err)
	}
}

func TestServiceGuardPatternGating(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setRequirements(t, "BILL_PAYMENTS_ENABLED", &core.Requirements{
		Service: core.ServiceBlock{
			"pay_*": {"schedule_payment"},
		},
	})

	serviceGuard := NewServiceGuard(f.checker)

	// Flag enabled: gated call passes and the wrapped result comes back.
	amount, err := Call(ctx, serviceGuard, "pay_bill", "", core.EvaluationContext{}, func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || amount != 42 {
		t.Fatalf("Call = (%d, %v), want (42, nil)", amount, err)
	}

	f.setValue(t, "BILL_PAYMENTS_ENABLED", core.BoolValue(false))

	// Glob-matched and list-matched operations are both rejected now.
	for _, operation := range []string{"pay_bill", "schedule_payment"} {
		_, err := Call(ctx, serviceGuard, operation, "", core.EvaluationContext{}, func(context.Context) (int, error) {
			t.Fatalf("operation %q ran despite a failed check", operation)
			return 0, nil
		})
		var disabled *FeatureDisabledError
		if !errors.As(err, &disabled) {
			t.Fatalf("Call(%q) error = %v, want FeatureDisabledError", operation, err)
		}
		if disabled.Layer != core.LayerService {
			t.Fatalf("Call(%q) layer = %q, want service", operation, disabled.Layer)
		}
	}

	// Ungated operations are unaffected.
	if err := Exec(ctx, serviceGuard, "open_account", "", core.EvaluationContext{}, func(context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("Exec(open_account) = %v, want nil", err)
	}
}

func TestCallReturnsZeroValueOnRejection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setRequirements(t, "BILL_PAYMENTS_ENABLED", &core.Requirements{
		Service: core.ServiceBlock{"pay_*": nil},
	})
	f.setValue(t, "BILL_PAYMENTS_ENABLED", core.BoolValue(false))

	serviceGuard := NewServiceGuard(f.checker)
	result, err := Call(ctx, serviceGuard, "pay_bill", "", core.EvaluationContext{}, func(context.Context) (string, error) {
		return "receipt", nil
	})
	if err == nil {
		t.Fatal("Call should fail for a disabled flag")
	}
	if result != "" {
		t.Fatalf("Call result = %q, want zero value", result)
	}
}

func TestWrappedErrorPassesThroughUnwrapped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	serviceGuard := NewServiceGuard(f.checker)

	wantErr := errors.New("downstream failure")
	err := Exec(ctx, serviceGuard, "anything", "", core.EvaluationContext{}, func(context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Exec = %v, want the operation's own error", err)
	}
}

func TestCheckerRecordsOutcomes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setRequirements(t, "BILL_PAYMENTS_ENABLED", &core.Requirements{
		Service: core.ServiceBlock{"pay_*": nil},
	})

	serviceGuard := NewServiceGuard(f.checker)
	if err := serviceGuard.Check(ctx, "pay_bill", "", core.EvaluationContext{}); err != nil {
		t.Fatalf("Check: %v", err)
	}
	f.setValue(t, "BILL_PAYMENTS_ENABLED", core.BoolValue(false))
	if err := serviceGuard.Check(ctx, "pay_bill", "", core.EvaluationContext{}); err == nil {
		t.Fatal("Check should fail after disable")
	}

	metrics, err := f.service.GetMetrics(ctx, "BILL_PAYMENTS_ENABLED")
	if err != nil {
		t.Fatalf("GetMetrics: %v", err)
	}
	if metrics.Allowed != 1 || metrics.Blocked != 1 {
		t.Fatalf("allowed/blocked = %d/%d, want 1/1", metrics.Allowed, metrics.Blocked)
	}
	if metrics.ChecksByLayer["service"] != 2 {
		t.Fatalf("service checks = %d, want 2", metrics.ChecksByLayer["service"])
	}
}

func TestRequestGuardBlocksGatedPath(t *testing.T) {
	f := newFixture(t)
	f.setRequirements(t, "WIDGETS_ENABLED", &core.Requirements{
		API: core.APIBlock{"/widgets*": true},
	})

	requestGuard := NewRequestGuard(f.checker)
	served := 0
	handler := requestGuard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		served++
		w.WriteHeader(http.StatusOK)
	}))

	// Enabled: passes through.
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/widgets/42", nil))
	if recorder.Code != http.StatusOK || served != 1 {
		t.Fatalf("enabled path: status = %d, served = %d", recorder.Code, served)
	}

	f.setValue(t, "WIDGETS_ENABLED", core.BoolValue(false))

	// Disabled: rejected with the FEATURE_DISABLED body, handler not called.
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/widgets/42", nil))
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("disabled path: status = %d, want 403", recorder.Code)
	}
	if served != 1 {
		t.Fatal("handler ran despite a failed check")
	}
	var body map[string]string
	if err := json.NewDecoder(recorder.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["code"] != "FEATURE_DISABLED" {
		t.Fatalf("body code = %q, want FEATURE_DISABLED", body["code"])
	}
	if body["flag"] != "WIDGETS_ENABLED" || body["layer"] != "api" || body["operation"] != "/widgets/42" {
		t.Fatalf("body = %v, want flag/layer/operation populated", body)
	}

	// Ungated paths are untouched even while the flag is disabled.
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))
	if recorder.Code != http.StatusOK || served != 2 {
		t.Fatalf("ungated path: status = %d, served = %d", recorder.Code, served)
	}
}

func TestRequestGuardReadsSubjectHeaders(t *testing.T) {
	f := newFixture(t)
	f.setRequirements(t, "BNPL_EARLY_ACCESS", &core.Requirements{
		API: core.APIBlock{"/bnpl*": true},
	})

	requestGuard := NewRequestGuard(f.checker)
	handler := requestGuard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Subject in the beta segment passes the segment-typed gate.
	request := httptest.NewRequest(http.MethodGet, "/bnpl/apply", nil)
	request.Header.Set("X-Subject-Id", "user-1")
	request.Header.Set("X-Subject-Segments", "beta, internal")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("beta subject: status = %d, want 200", recorder.Code)
	}

	// A subject outside the segment is rejected.
	request = httptest.NewRequest(http.MethodGet, "/bnpl/apply", nil)
	request.Header.Set("X-Subject-Id", "user-2")
	request.Header.Set("X-Subject-Segments", "general")
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("non-beta subject: status = %d, want 403", recorder.Code)
	}

	// No headers at all: no segments, rejected.
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/bnpl/apply", nil))
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("anonymous subject: status = %d, want 403", recorder.Code)
	}
}

func TestCustomContextExtractor(t *testing.T) {
	f := newFixture(t)
	f.setRequirements(t, "BNPL_EARLY_ACCESS", &core.Requirements{
		API: core.APIBlock{"/bnpl*": true},
	})

	requestGuard := NewRequestGuard(f.checker, WithContextExtractor(func(*http.Request) core.EvaluationContext {
		return core.EvaluationContext{SubjectID: "fixed", Segments: []string{"beta"}}
	}))
	handler := requestGuard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/bnpl/apply", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
}
