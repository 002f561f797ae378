package workflow

import (
	"fmt"

	"placementflow/route"
	"placementflow/signature"
	"placementflow/token"
)

// Decision is the outcome of applying one event to a case: the next status
// and the effects to run atomically with it.
type Decision struct {
	Next    Status
	Effects []Effect
}

type rule struct {
	// applies narrows the rule to routes that carry the relevant stage.
	// Nil means every route.
	applies func(route.Route) bool
	apply   func(Case, Event) (Decision, error)
}

// Decide resolves one (status, event) pair against the transition table.
// Pure: it reads only the case aggregate and the event. Unknown pairs return
// a TransitionError listing the events the state does accept.
func Decide(c Case, ev Event) (Decision, error) {
	if ev.Kind.External() {
		if ev.Claims == nil {
			return Decision{}, invalidToken(c, ev, "external event without token claims")
		}
		if ev.Claims.CaseID != c.ID {
			return Decision{}, invalidToken(c, ev, "token bound to a different case")
		}
	}
	r, ok := transitions[c.Status][ev.Kind]
	if !ok || (r.applies != nil && !r.applies(c.Route)) {
		return Decision{}, illegal(c, ev)
	}
	return r.apply(c, ev)
}

// LegalEvents lists the kinds the table accepts for (status, route), in a
// stable order.
func LegalEvents(s Status, rt route.Route) []EventKind {
	byKind := transitions[s]
	legal := make([]EventKind, 0, len(byKind))
	for _, kind := range kindOrder {
		r, ok := byKind[kind]
		if !ok {
			continue
		}
		if r.applies != nil && !r.applies(rt) {
			continue
		}
		legal = append(legal, kind)
	}
	return legal
}

var kindOrder = []EventKind{
	EventRequestDocuments,
	EventContractorUploaded,
	EventDocumentsUploaded,
	EventThirdPartySubmitted,
	EventCOHFCaptured,
	EventCostingCompleted,
	EventApprove,
	EventReject,
	EventRecall,
	EventReopen,
	EventSendContract,
	EventClientSigned,
	EventCountersign,
	EventIssueWorkOrder,
	EventSubmitWorkOrderApproval,
	EventActivate,
	EventSuspend,
	EventReactivate,
}

func hasStage(kind route.StageKind) func(route.Route) bool {
	return func(r route.Route) bool { return route.Includes(r, kind) }
}

func lacksStage(kind route.StageKind) func(route.Route) bool {
	return func(r route.Route) bool { return !route.Includes(r, kind) }
}

// transitions is the sparse table: absence of an entry is the only way an
// event is illegal for a state. Assigned in init rather than at declaration:
// the rule funcs reach LegalEvents (via error construction), which reads the
// table back, and a var initializer would make that an initialization cycle.
var transitions map[Status]map[EventKind]rule

func init() {
	transitions = map[Status]map[EventKind]rule{
		StatusDraft: {
			EventRequestDocuments:  {apply: requestDocuments},
			EventDocumentsUploaded: {apply: documentsUploadedInternal},
		},
		StatusPendingDocuments: {
			EventContractorUploaded: {apply: contractorUploadedDocuments},
			EventDocumentsUploaded:  {apply: documentsUploadedInternal},
		},
		StatusDocumentsUploaded: {
			EventApprove: {apply: approveDocuments},
			EventReject:  {apply: rejectCase},
		},
		StatusPendingThirdPartyResponse: {
			EventThirdPartySubmitted: {apply: thirdPartySubmitted},
		},
		StatusPendingCdsCs: {
			EventCOHFCaptured:     {applies: hasStage(route.StageCOHF), apply: cohfCaptured},
			EventCostingCompleted: {apply: costingCompleted},
		},
		StatusPendingReview: {
			EventApprove: {apply: approveReview},
			EventReject:  {apply: rejectCase},
			EventRecall:  {apply: recallReview},
		},
		StatusApproved: {
			EventSendContract: {apply: sendContract},
		},
		StatusPendingContractUpload: {
			EventContractorUploaded: {apply: contractorUploadedContract},
		},
		StatusContractUploaded: {
			EventApprove: {apply: approveUploadedContract},
			EventReject:  {apply: rejectCase},
		},
		StatusContractApproved: {
			EventSendContract: {apply: sendForCountersign},
		},
		StatusPendingSignature: {
			EventClientSigned: {apply: signContractExternal},
			EventCountersign:  {apply: countersignContract},
		},
		StatusPendingSuperadminSignature: {
			EventCountersign: {apply: countersignUploadedContract},
		},
		StatusSigned: {
			EventIssueWorkOrder: {applies: hasStage(route.StageWorkOrder), apply: issueWorkOrder},
			EventActivate:       {applies: lacksStage(route.StageWorkOrder), apply: activateCase},
		},
		StatusPendingClientWOSignature: {
			EventClientSigned: {apply: signWorkOrder},
		},
		StatusWorkOrderCompleted: {
			EventSubmitWorkOrderApproval: {applies: hasStage(route.StageWorkOrderApproval), apply: submitWorkOrderApproval},
			EventActivate:                {applies: lacksStage(route.StageWorkOrderApproval), apply: activateCase},
		},
		StatusAwaitingWorkOrderApproval: {
			EventApprove: {apply: approveWorkOrder},
			EventReject:  {apply: rejectCase},
		},
		StatusRejected: {
			EventReopen: {apply: reopenCase},
		},
		StatusActive: {
			EventSuspend: {apply: suspendCase},
		},
		StatusSuspended: {
			EventReactivate: {apply: reactivateCase},
		},
	}
}

func requestDocuments(c Case, ev Event) (Decision, error) {
	return Decision{
		Next: StatusPendingDocuments,
		Effects: []Effect{
			SetStageStateEffect{Stage: route.StageDocuments, State: StageAwaitingExternalResponse},
			IssueTokenEffect{Stage: route.StageDocuments, Scope: token.ScopeUploadDocuments},
			EmitEffect{Topic: "case.documents_requested", Payload: map[string]any{"case_id": c.ID}},
		},
	}, nil
}

// documentsUploadedInternal covers staff recording documents on the
// contractor's behalf, skipping the external link.
func documentsUploadedInternal(c Case, ev Event) (Decision, error) {
	effects := []Effect{
		SetStageStateEffect{Stage: route.StageDocuments, State: StageSubmitted},
	}
	if ev.PayloadRef != "" {
		effects = append(effects, StoreArtifactEffect{Stage: route.StageDocuments, Ref: ev.PayloadRef})
	}
	effects = append(effects, EmitEffect{Topic: "case.documents_uploaded", Payload: map[string]any{"case_id": c.ID}})
	return afterDocuments(c, effects)
}

func contractorUploadedDocuments(c Case, ev Event) (Decision, error) {
	if ev.Claims.Stage != route.StageDocuments {
		return Decision{}, invalidToken(c, ev, "token bound to a different stage")
	}
	return Decision{
		Next: StatusDocumentsUploaded,
		Effects: []Effect{
			StoreArtifactEffect{Stage: route.StageDocuments, Ref: ev.PayloadRef},
			SetStageStateEffect{Stage: route.StageDocuments, State: StageSubmitted},
			EmitEffect{Topic: "case.documents_uploaded", Payload: map[string]any{"case_id": c.ID}},
		},
	}, nil
}

func approveDocuments(c Case, ev Event) (Decision, error) {
	effects := []Effect{
		SetStageStateEffect{Stage: route.StageDocuments, State: StageApproved},
		EmitEffect{Topic: "case.documents_approved", Payload: map[string]any{"case_id": c.ID}},
	}
	return afterDocuments(c, effects)
}

// afterDocuments routes the case onward once its documents stage is done:
// quote routes go out to the third party first, the rest straight to costing.
func afterDocuments(c Case, effects []Effect) (Decision, error) {
	if route.Includes(c.Route, route.StageThirdPartyQuote) {
		effects = append(effects,
			SetStageStateEffect{Stage: route.StageThirdPartyQuote, State: StageAwaitingExternalResponse},
			IssueTokenEffect{Stage: route.StageThirdPartyQuote, Scope: token.ScopeSubmitQuote},
			EmitEffect{Topic: "quote.requested", Payload: map[string]any{"case_id": c.ID}},
		)
		return Decision{Next: StatusPendingThirdPartyResponse, Effects: effects}, nil
	}
	return Decision{Next: StatusPendingCdsCs, Effects: effects}, nil
}

func thirdPartySubmitted(c Case, ev Event) (Decision, error) {
	if ev.Claims.Stage != route.StageThirdPartyQuote {
		return Decision{}, invalidToken(c, ev, "token bound to a different stage")
	}
	effects := []Effect{
		StoreArtifactEffect{Stage: route.StageThirdPartyQuote, Ref: ev.PayloadRef},
		SetStageStateEffect{Stage: route.StageThirdPartyQuote, State: StageSubmitted},
		EmitEffect{Topic: "quote.submitted", Payload: map[string]any{"case_id": c.ID}},
	}
	if route.Includes(c.Route, route.StageCostingDealSheet) {
		return Decision{Next: StatusPendingCdsCs, Effects: effects}, nil
	}
	return Decision{Next: StatusPendingReview, Effects: effects}, nil
}

func cohfCaptured(c Case, ev Event) (Decision, error) {
	effects := []Effect{
		SetStageStateEffect{Stage: route.StageCOHF, State: StageSubmitted},
	}
	if ev.PayloadRef != "" {
		effects = append(effects, StoreArtifactEffect{Stage: route.StageCOHF, Ref: ev.PayloadRef})
	}
	effects = append(effects, EmitEffect{Topic: "cohf.captured", Payload: map[string]any{"case_id": c.ID}})
	// COHF capture does not advance the case; costing completion does.
	return Decision{Next: StatusPendingCdsCs, Effects: effects}, nil
}

func costingCompleted(c Case, ev Event) (Decision, error) {
	if route.Includes(c.Route, route.StageCOHF) {
		cohf := c.StageByKind(route.StageCOHF)
		if cohf == nil || cohf.State != StageSubmitted {
			return Decision{}, precondition(c, ev, "cohf not captured")
		}
	}
	return Decision{
		Next: StatusPendingReview,
		Effects: []Effect{
			SetStageStateEffect{Stage: route.StageCostingDealSheet, State: StageSubmitted},
			EmitEffect{Topic: "costing.completed", Payload: map[string]any{"case_id": c.ID}},
		},
	}, nil
}

func approveReview(c Case, ev Event) (Decision, error) {
	effects := []Effect{
		EmitEffect{Topic: "case.approved", Payload: map[string]any{"case_id": c.ID}},
	}
	if route.Includes(c.Route, route.StageCostingDealSheet) {
		effects = append([]Effect{SetStageStateEffect{Stage: route.StageCostingDealSheet, State: StageApproved}}, effects...)
	} else {
		effects = append([]Effect{SetStageStateEffect{Stage: route.StageThirdPartyQuote, State: StageApproved}}, effects...)
	}
	return Decision{Next: StatusApproved, Effects: effects}, nil
}

func rejectCase(c Case, ev Event) (Decision, error) {
	effects := []Effect{}
	if stage, ok := rejectedStage(c); ok {
		effects = append(effects, SetStageStateEffect{Stage: stage, State: StageRejected})
	}
	effects = append(effects, EmitEffect{Topic: "case.rejected", Payload: map[string]any{
		"case_id": c.ID,
		"from":    string(c.Status),
		"reason":  ev.Reason,
	}})
	return Decision{Next: StatusRejected, Effects: effects}, nil
}

// rejectedStage names the stage whose submission the rejection refuses.
func rejectedStage(c Case) (route.StageKind, bool) {
	switch c.Status {
	case StatusDocumentsUploaded:
		return route.StageDocuments, true
	case StatusPendingReview:
		if route.Includes(c.Route, route.StageCostingDealSheet) {
			return route.StageCostingDealSheet, true
		}
		return route.StageThirdPartyQuote, true
	case StatusContractUploaded:
		return route.StageContract, true
	case StatusAwaitingWorkOrderApproval:
		return route.StageWorkOrderApproval, true
	}
	return "", false
}

// recallReview pulls a case back from review so its inputs can be redone.
// Quote-only routes go back out to the third party with a fresh link; the
// consumed one stays dead.
func recallReview(c Case, ev Event) (Decision, error) {
	if route.Includes(c.Route, route.StageCostingDealSheet) {
		return Decision{
			Next: StatusPendingCdsCs,
			Effects: []Effect{
				SetStageStateEffect{Stage: route.StageCostingDealSheet, State: StagePending},
				EmitEffect{Topic: "case.recalled", Payload: map[string]any{"case_id": c.ID, "reason": ev.Reason}},
			},
		}, nil
	}
	return Decision{
		Next: StatusPendingThirdPartyResponse,
		Effects: []Effect{
			SetStageStateEffect{Stage: route.StageThirdPartyQuote, State: StageAwaitingExternalResponse},
			IssueTokenEffect{Stage: route.StageThirdPartyQuote, Scope: token.ScopeSubmitQuote},
			EmitEffect{Topic: "case.recalled", Payload: map[string]any{"case_id": c.ID, "reason": ev.Reason}},
		},
	}, nil
}

// sendContract branches on who produces the contract: quote routes receive a
// counterparty-drafted contract by upload, the rest send ours out for
// signing.
func sendContract(c Case, ev Event) (Decision, error) {
	if route.Includes(c.Route, route.StageThirdPartyQuote) {
		return Decision{
			Next: StatusPendingContractUpload,
			Effects: []Effect{
				SetStageStateEffect{Stage: route.StageContract, State: StageAwaitingExternalResponse},
				IssueTokenEffect{Stage: route.StageContract, Scope: token.ScopeUploadContract},
				EmitEffect{Topic: "contract.upload_requested", Payload: map[string]any{"case_id": c.ID}},
			},
		}, nil
	}
	return Decision{
		Next: StatusPendingSignature,
		Effects: []Effect{
			SetStageStateEffect{Stage: route.StageContract, State: StageSent},
			IssueTokenEffect{Stage: route.StageContract, Scope: token.ScopeSignContract},
			EmitEffect{Topic: "contract.sent", Payload: map[string]any{"case_id": c.ID}},
		},
	}, nil
}

func contractorUploadedContract(c Case, ev Event) (Decision, error) {
	if ev.Claims.Stage != route.StageContract {
		return Decision{}, invalidToken(c, ev, "token bound to a different stage")
	}
	return Decision{
		Next: StatusContractUploaded,
		Effects: []Effect{
			StoreArtifactEffect{Stage: route.StageContract, Ref: ev.PayloadRef},
			SetStageStateEffect{Stage: route.StageContract, State: StageSubmitted},
			EmitEffect{Topic: "contract.uploaded", Payload: map[string]any{"case_id": c.ID}},
		},
	}, nil
}

func approveUploadedContract(c Case, ev Event) (Decision, error) {
	return Decision{
		Next: StatusContractApproved,
		Effects: []Effect{
			EmitEffect{Topic: "contract.approved", Payload: map[string]any{"case_id": c.ID}},
		},
	}, nil
}

func sendForCountersign(c Case, ev Event) (Decision, error) {
	return Decision{
		Next: StatusPendingSuperadminSignature,
		Effects: []Effect{
			EmitEffect{Topic: "contract.countersign_requested", Payload: map[string]any{"case_id": c.ID}},
		},
	}, nil
}

func signContractExternal(c Case, ev Event) (Decision, error) {
	if ev.Claims.Stage != route.StageContract {
		return Decision{}, invalidToken(c, ev, "token bound to a different stage")
	}
	if internalRole(ev.Role) {
		return Decision{}, invalidToken(c, ev, "external token cannot sign an internal role")
	}
	return recordContractSignature(c, ev, contractQuorum(c))
}

func countersignContract(c Case, ev Event) (Decision, error) {
	role := ev.Role
	if role == "" {
		role = route.RoleAventusPartyA
	}
	if !internalRole(role) {
		return Decision{}, precondition(c, ev, "countersign requires an internal role")
	}
	ev.Role = role
	return recordContractSignature(c, ev, contractQuorum(c))
}

func countersignUploadedContract(c Case, ev Event) (Decision, error) {
	role := ev.Role
	if role == "" {
		role = route.RoleAventusPartyA
	}
	if !internalRole(role) {
		return Decision{}, precondition(c, ev, "countersign requires an internal role")
	}
	ev.Role = role
	return recordContractSignature(c, ev, append([]route.SignerRole(nil), route.CountersignQuorum...))
}

// recordContractSignature appends one signature and promotes the case to
// signed only once every quorum role has signed. Short of quorum, the status
// does not move.
func recordContractSignature(c Case, ev Event, required []route.SignerRole) (Decision, error) {
	sig, err := signature.Capture(signature.CaptureParams{
		CaseID:     c.ID,
		Stage:      route.StageContract,
		Required:   required,
		Accepting:  true,
		SignerRole: ev.Role,
		Method:     ev.Method,
		PayloadRef: ev.PayloadRef,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("workflow: capture signature: %w", err)
	}

	existing := []signature.Event(nil)
	if stage := c.StageByKind(route.StageContract); stage != nil {
		existing = stage.Signatures
	}
	all := append(append([]signature.Event(nil), existing...), sig)

	effects := []Effect{AppendSignatureEffect{Event: sig}}
	if !internalRole(ev.Role) && route.Includes(c.Route, route.StageClientSignature) {
		effects = append(effects, SetStageStateEffect{Stage: route.StageClientSignature, State: StageSubmitted})
	}
	if signature.QuorumSatisfied(required, all) {
		effects = append(effects,
			SetStageStateEffect{Stage: route.StageContract, State: StageApproved},
			EmitEffect{Topic: "contract.signed", Payload: map[string]any{"case_id": c.ID}},
		)
		if route.Includes(c.Route, route.StageClientSignature) {
			effects = append(effects, SetStageStateEffect{Stage: route.StageClientSignature, State: StageApproved})
		}
		return Decision{Next: StatusSigned, Effects: effects}, nil
	}
	effects = append(effects, EmitEffect{Topic: "contract.signature_recorded", Payload: map[string]any{
		"case_id": c.ID,
		"role":    string(ev.Role),
	}})
	return Decision{Next: c.Status, Effects: effects}, nil
}

func contractQuorum(c Case) []route.SignerRole {
	quorum, err := route.ContractQuorum(c.Route)
	if err != nil {
		// Routes are validated at case creation; an unknown route here means
		// corrupt data, and an empty quorum can never be satisfied.
		return nil
	}
	return quorum
}

func internalRole(role route.SignerRole) bool {
	return role == route.RoleAventusPartyA || role == route.RoleAventusPartyB
}

func issueWorkOrder(c Case, ev Event) (Decision, error) {
	return Decision{
		Next: StatusPendingClientWOSignature,
		Effects: []Effect{
			SetStageStateEffect{Stage: route.StageWorkOrder, State: StageAwaitingExternalResponse},
			IssueTokenEffect{Stage: route.StageWorkOrder, Scope: token.ScopeSignWorkOrder},
			EmitEffect{Topic: "work_order.sent", Payload: map[string]any{"case_id": c.ID}},
		},
	}, nil
}

func signWorkOrder(c Case, ev Event) (Decision, error) {
	if ev.Claims.Stage != route.StageWorkOrder {
		return Decision{}, invalidToken(c, ev, "token bound to a different stage")
	}
	role := ev.Role
	if role == "" {
		role = route.RoleClient
	}
	sig, err := signature.Capture(signature.CaptureParams{
		CaseID:     c.ID,
		Stage:      route.StageWorkOrder,
		Required:   []route.SignerRole{route.RoleClient},
		Accepting:  true,
		SignerRole: role,
		Method:     ev.Method,
		PayloadRef: ev.PayloadRef,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("workflow: capture signature: %w", err)
	}
	return Decision{
		Next: StatusWorkOrderCompleted,
		Effects: []Effect{
			AppendSignatureEffect{Event: sig},
			SetStageStateEffect{Stage: route.StageWorkOrder, State: StageSubmitted},
			EmitEffect{Topic: "work_order.signed", Payload: map[string]any{"case_id": c.ID}},
		},
	}, nil
}

func submitWorkOrderApproval(c Case, ev Event) (Decision, error) {
	return Decision{
		Next: StatusAwaitingWorkOrderApproval,
		Effects: []Effect{
			SetStageStateEffect{Stage: route.StageWorkOrderApproval, State: StageSubmitted},
			EmitEffect{Topic: "work_order.approval_requested", Payload: map[string]any{"case_id": c.ID}},
		},
	}, nil
}

func approveWorkOrder(c Case, ev Event) (Decision, error) {
	return Decision{
		Next: StatusActive,
		Effects: []Effect{
			SetStageStateEffect{Stage: route.StageWorkOrderApproval, State: StageApproved},
			EmitEffect{Topic: "work_order.approved", Payload: map[string]any{"case_id": c.ID}},
			EmitEffect{Topic: "case.activated", Payload: map[string]any{"case_id": c.ID}},
		},
	}, nil
}

func activateCase(c Case, ev Event) (Decision, error) {
	return Decision{
		Next: StatusActive,
		Effects: []Effect{
			EmitEffect{Topic: "case.activated", Payload: map[string]any{"case_id": c.ID}},
		},
	}, nil
}

// reopenCase returns a rejected case to the state the rejection interrupted.
// Stages the rejection marked go back to submitted so the review is redone
// against the same artifacts.
func reopenCase(c Case, ev Event) (Decision, error) {
	next := c.RejectedFrom
	if next == "" {
		next = StatusPendingReview
	}
	effects := []Effect{}
	for _, stage := range c.Stages {
		if stage.State == StageRejected {
			effects = append(effects, SetStageStateEffect{Stage: stage.Kind, State: StageSubmitted})
		}
	}
	effects = append(effects, EmitEffect{Topic: "case.reopened", Payload: map[string]any{
		"case_id": c.ID,
		"to":      string(next),
	}})
	return Decision{Next: next, Effects: effects}, nil
}

func suspendCase(c Case, ev Event) (Decision, error) {
	return Decision{
		Next: StatusSuspended,
		Effects: []Effect{
			EmitEffect{Topic: "case.suspended", Payload: map[string]any{"case_id": c.ID, "reason": ev.Reason}},
		},
	}, nil
}

func reactivateCase(c Case, ev Event) (Decision, error) {
	return Decision{
		Next: StatusActive,
		Effects: []Effect{
			EmitEffect{Topic: "case.reactivated", Payload: map[string]any{"case_id": c.ID}},
		},
	}, nil
}
