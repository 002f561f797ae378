package route

import (
	"errors"
	"testing"
)

func TestStagesFor_Deterministic(t *testing.T) {
	for _, r := range All() {
		first, err := StagesFor(r)
		if err != nil {
			t.Fatalf("stages for %s: %v", r, err)
		}
		second, err := StagesFor(r)
		if err != nil {
			t.Fatalf("stages for %s (second call): %v", r, err)
		}
		if len(first) != len(second) {
			t.Fatalf("route %s: stage list length changed between calls", r)
		}
		for i := range first {
			if first[i] != second[i] {
				t.Fatalf("route %s: stage %d differs: %s vs %s", r, i, first[i], second[i])
			}
		}
	}
}

func TestStagesFor_UnknownRoute(t *testing.T) {
	_, err := StagesFor(Route("mars"))
	if err == nil {
		t.Fatal("expected configuration error for unknown route")
	}
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %T", err)
	}
	if cfgErr.Route != "mars" {
		t.Fatalf("expected offending route in error, got %q", cfgErr.Route)
	}
}

func TestStagesFor_RouteShapes(t *testing.T) {
	cases := []struct {
		route     Route
		wantQuote bool
		wantCOHF  bool
		wantWO    bool
	}{
		{RouteWPS, false, false, true},
		{RouteFreelancer, false, false, false},
		{RouteThirdParty, true, false, true},
		{RouteSaudi, true, false, true},
		{RouteOffshore, false, false, true},
		{RouteUAE, false, true, true},
	}
	for _, tc := range cases {
		if got := Includes(tc.route, StageThirdPartyQuote); got != tc.wantQuote {
			t.Errorf("route %s: quote stage = %v, want %v", tc.route, got, tc.wantQuote)
		}
		if got := Includes(tc.route, StageCOHF); got != tc.wantCOHF {
			t.Errorf("route %s: cohf stage = %v, want %v", tc.route, got, tc.wantCOHF)
		}
		if got := Includes(tc.route, StageWorkOrder); got != tc.wantWO {
			t.Errorf("route %s: work order stage = %v, want %v", tc.route, got, tc.wantWO)
		}
	}
}

func TestStagesFor_AlwaysStartsWithDocuments(t *testing.T) {
	for _, r := range All() {
		stages, err := StagesFor(r)
		if err != nil {
			t.Fatalf("stages for %s: %v", r, err)
		}
		if len(stages) == 0 || stages[0] != StageDocuments {
			t.Fatalf("route %s: expected documents first, got %v", r, stages)
		}
	}
}

func TestContractQuorum_EveryRouteHasInternalSigner(t *testing.T) {
	for _, r := range All() {
		quorum, err := ContractQuorum(r)
		if err != nil {
			t.Fatalf("quorum for %s: %v", r, err)
		}
		var hasInternal bool
		for _, role := range quorum {
			if role == RoleAventusPartyA || role == RoleAventusPartyB {
				hasInternal = true
			}
		}
		if !hasInternal {
			t.Fatalf("route %s: contract quorum %v has no internal signer", r, quorum)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
