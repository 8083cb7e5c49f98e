package endpoint_test

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/sneh-joshi/vsmbus/internal/endpoint"
	"github.com/sneh-joshi/vsmbus/internal/types"
)

func newRegistry(t *testing.T, declared ...endpoint.Endpoint) (*endpoint.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := endpoint.New(dir, declared...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, dir
}

// ─── Built-ins & resolution ──────────────────────────────────────────────────

func TestBuiltins_AreKnown(t *testing.T) {
	r, _ := newRegistry(t)
	for _, name := range []types.Endpoint{
		types.System1, types.System2, types.System3, types.System4, types.System5,
		types.OperationsTeam, types.ExecutiveTeam, types.OnCall,
	} {
		if !r.Known(name) {
			t.Errorf("expected %s to be known", name)
		}
	}
	if r.Known("System9") {
		t.Error("System9 must not be known")
	}
}

func TestCanonical_CaseInsensitive(t *testing.T) {
	r, _ := newRegistry(t)
	got, ok := r.Canonical("system1")
	if !ok || got != types.System1 {
		t.Fatalf("expected System1, got %q ok=%v", got, ok)
	}
	got, ok = r.Canonical("SYSTEM1.billing")
	if !ok || got != "System1.billing" {
		t.Fatalf("expected System1.billing, got %q ok=%v", got, ok)
	}
}

func TestResolve_ImplicitComponentInheritsFromRoot(t *testing.T) {
	r, _ := newRegistry(t)
	ep, err := r.Resolve("System1.billing.invoices")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.Class != endpoint.ClassOperational {
		t.Errorf("expected operational class, got %s", ep.Class)
	}
	if ep.Parent != types.System1 {
		t.Errorf("expected parent System1, got %s", ep.Parent)
	}
	if !ep.Can(endpoint.CapAlgedonic) {
		t.Error("component should inherit the algedonic capability")
	}
}

func TestResolve_RejectsBadNames(t *testing.T) {
	r, _ := newRegistry(t)
	cases := []struct {
		name string
		want error
	}{
		{"System1.", endpoint.ErrInvalidName},
		{"System1.Billing", endpoint.ErrInvalidName},
		{"System1..x", endpoint.ErrInvalidName},
		{"System1.-x", endpoint.ErrInvalidName},
		{"Nowhere.billing", endpoint.ErrNotFound},
		{"has space", endpoint.ErrInvalidName},
		{"Unregistered", endpoint.ErrNotFound},
	}
	for _, tc := range cases {
		_, err := r.Resolve(types.Endpoint(tc.name))
		if !errors.Is(err, tc.want) {
			t.Errorf("Resolve(%q): expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestCapabilities(t *testing.T) {
	r, _ := newRegistry(t)
	if !r.HasCapability(types.System3, endpoint.CapAudit) {
		t.Error("System3 must hold audit")
	}
	if r.HasCapability(types.System1, endpoint.CapAudit) {
		t.Error("System1 must not hold audit")
	}
	if r.HasCapability(types.OnCall, endpoint.CapAlgedonic) {
		t.Error("teams do not emit algedonic signals")
	}
}

// ─── Registration & persistence ──────────────────────────────────────────────

func TestRegister_PersistsAcrossRestart(t *testing.T) {
	r, dir := newRegistry(t)
	ep, err := r.Register(endpoint.Endpoint{Name: "system1.billing", WebhookURL: "http://x/hook"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ep.Name != "System1.billing" || ep.Parent != types.System1 {
		t.Fatalf("unexpected record %+v", ep)
	}

	if _, err := r.Register(endpoint.Endpoint{Name: "System1.billing"}); !errors.Is(err, endpoint.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "endpoints.json")); err != nil {
		t.Fatalf("expected endpoints.json: %v", err)
	}

	r2, err := endpoint.New(dir)
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	got, ok := r2.Lookup("System1.billing")
	if !ok || got.WebhookURL != "http://x/hook" {
		t.Fatalf("expected persisted endpoint, got %+v ok=%v", got, ok)
	}
}

func TestRegister_ParentSortingAfterChildSurvivesRestart(t *testing.T) {
	r, dir := newRegistry(t)
	for _, ep := range []endpoint.Endpoint{
		{Name: "Zeta", Parent: types.System3},
		{Name: "Alpha", Parent: "Zeta"},
		{Name: "Alpha.cache"},
	} {
		if _, err := r.Register(ep); err != nil {
			t.Fatalf("Register %s: %v", ep.Name, err)
		}
	}

	r2, err := endpoint.New(dir)
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	for name, parent := range map[types.Endpoint]types.Endpoint{
		"Zeta":        types.System3,
		"Alpha":       "Zeta",
		"Alpha.cache": "Alpha",
	} {
		got, ok := r2.Lookup(name)
		if !ok {
			t.Fatalf("%s lost on restart", name)
		}
		if got.Parent != parent {
			t.Errorf("%s: parent %s, want %s", name, got.Parent, parent)
		}
	}
}

func TestDeregister(t *testing.T) {
	r, _ := newRegistry(t)
	if _, err := r.Register(endpoint.Endpoint{Name: "System1.a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(endpoint.Endpoint{Name: "System1.a.b"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Deregister("System1.a"); err == nil {
		t.Error("expected error removing an endpoint that still has children")
	}
	if err := r.Deregister("System1.a.b"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if err := r.Deregister(types.System3); !errors.Is(err, endpoint.ErrBuiltin) {
		t.Fatalf("expected ErrBuiltin, got %v", err)
	}
	if err := r.Deregister("System1.zzz"); !errors.Is(err, endpoint.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeclared_OverridesAndAdds(t *testing.T) {
	r, _ := newRegistry(t,
		endpoint.Endpoint{Name: types.OnCall, WebhookURL: "http://pager/hook", Secret: "s"},
		endpoint.Endpoint{Name: "Auditor", Class: endpoint.ClassControl, Parent: types.System3, Capabilities: []string{endpoint.CapAudit}},
	)
	oc, _ := r.Lookup(types.OnCall)
	if oc.WebhookURL != "http://pager/hook" || oc.Class != endpoint.ClassTeam {
		t.Errorf("unexpected OnCall record %+v", oc)
	}
	if !r.HasCapability("auditor", endpoint.CapAudit) {
		t.Error("declared Auditor must hold audit")
	}
	if err := r.Deregister("Auditor"); !errors.Is(err, endpoint.ErrBuiltin) {
		t.Errorf("config endpoints are not removable, got %v", err)
	}
}

// ─── Hierarchy ───────────────────────────────────────────────────────────────

func TestPathDown(t *testing.T) {
	r, _ := newRegistry(t)
	if _, err := r.Register(endpoint.Endpoint{Name: "System1.billing"}); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		from, to types.Endpoint
		want     []types.Endpoint
		ok       bool
	}{
		{types.System5, types.System1, []types.Endpoint{types.System5, types.System3, types.System1}, true},
		{types.System3, "System1.billing", []types.Endpoint{types.System3, types.System1, "System1.billing"}, true},
		{types.System5, "System1.billing.eu", []types.Endpoint{types.System5, types.System3, types.System1, "System1.billing", "System1.billing.eu"}, true},
		{types.System1, "system1.payroll", []types.Endpoint{types.System1, "System1.payroll"}, true},
		{types.System1, types.System3, nil, false},
		{types.System4, types.System1, nil, false},
		{types.System3, types.System3, nil, false},
		{types.System5, types.OnCall, nil, false},
	}
	for _, tc := range cases {
		got, ok := r.PathDown(tc.from, tc.to)
		if ok != tc.ok || !slices.Equal(got, tc.want) {
			t.Errorf("PathDown(%s,%s) = %v,%v; want %v,%v", tc.from, tc.to, got, ok, tc.want, tc.ok)
		}
	}
}

func TestChildren(t *testing.T) {
	r, _ := newRegistry(t)
	got := r.Children(types.System3)
	want := []types.Endpoint{types.System1, types.System2}
	if !slices.Equal(got, want) {
		t.Errorf("Children(System3) = %v; want %v", got, want)
	}
}

func TestNew_InMemory(t *testing.T) {
	r, err := endpoint.New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Register(endpoint.Endpoint{Name: "System2.scheduler"}); err != nil {
		t.Fatalf("Register without persistence: %v", err)
	}
}
