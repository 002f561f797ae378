package signature

import (
	"errors"
	"testing"
	"time"

	"placementflow/route"
)

func TestCapture_RoleNotExpected(t *testing.T) {
	_, err := Capture(CaptureParams{
		CaseID:     "case-1",
		Stage:      route.StageContract,
		Required:   []route.SignerRole{route.RoleClient, route.RoleAventusPartyA},
		Accepting:  true,
		SignerRole: route.RoleThirdParty,
		Method:     MethodTyped,
	})
	if !errors.Is(err, ErrRoleNotExpected) {
		t.Fatalf("expected ErrRoleNotExpected, got %v", err)
	}
}

func TestCapture_StageNotAwaiting(t *testing.T) {
	_, err := Capture(CaptureParams{
		CaseID:     "case-1",
		Stage:      route.StageContract,
		Required:   []route.SignerRole{route.RoleClient},
		Accepting:  false,
		SignerRole: route.RoleClient,
		Method:     MethodDrawn,
	})
	if !errors.Is(err, ErrStageNotAwaitingSignature) {
		t.Fatalf("expected ErrStageNotAwaitingSignature, got %v", err)
	}
}

func TestCapture_InvalidMethod(t *testing.T) {
	_, err := Capture(CaptureParams{
		CaseID:     "case-1",
		Stage:      route.StageContract,
		Required:   []route.SignerRole{route.RoleClient},
		Accepting:  true,
		SignerRole: route.RoleClient,
		Method:     Method("stamped"),
	})
	if !errors.Is(err, ErrInvalidMethod) {
		t.Fatalf("expected ErrInvalidMethod, got %v", err)
	}
}

func TestCapture_Success(t *testing.T) {
	signedAt := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	ev, err := Capture(CaptureParams{
		CaseID:     "case-1",
		Stage:      route.StageContract,
		Required:   []route.SignerRole{route.RoleClient, route.RoleAventusPartyA},
		Accepting:  true,
		SignerRole: route.RoleClient,
		Method:     MethodTyped,
		PayloadRef: "doc-17",
		SignedAt:   signedAt,
	})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if ev.SignerRole != route.RoleClient || ev.Method != MethodTyped || ev.PayloadRef != "doc-17" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !ev.SignedAt.Equal(signedAt) {
		t.Fatalf("expected signed_at %v, got %v", signedAt, ev.SignedAt)
	}
}

func TestQuorumSatisfied(t *testing.T) {
	required := []route.SignerRole{route.RoleClient, route.RoleAventusPartyA, route.RoleAventusPartyB}

	events := []Event{
		{SignerRole: route.RoleClient},
		{SignerRole: route.RoleAventusPartyA},
	}
	if QuorumSatisfied(required, events) {
		t.Fatal("quorum satisfied with a role missing")
	}

	// Duplicate signatures for a satisfied role must not stand in for the
	// missing one.
	events = append(events, Event{SignerRole: route.RoleClient})
	if QuorumSatisfied(required, events) {
		t.Fatal("duplicate client signature satisfied party_b's slot")
	}

	events = append(events, Event{SignerRole: route.RoleAventusPartyB})
	if !QuorumSatisfied(required, events) {
		t.Fatal("quorum not satisfied with all roles present")
	}
}

func TestQuorumSatisfied_EmptyQuorumNeverSatisfied(t *testing.T) {
	if QuorumSatisfied(nil, []Event{{SignerRole: route.RoleClient}}) {
		t.Fatal("empty quorum must not be satisfiable")
	}
}

func TestMissingRoles(t *testing.T) {
	required := []route.SignerRole{route.RoleContractor, route.RoleAventusPartyA}
	missing := MissingRoles(required, []Event{{SignerRole: route.RoleAventusPartyA}})
	if len(missing) != 1 || missing[0] != route.RoleContractor {
		t.Fatalf("unexpected missing roles: %v", missing)
	}
}
