package workflow

import (
	"placementflow/route"
	"placementflow/signature"
	"placementflow/token"
)

// EventKind names a workflow event. Internal kinds arrive from authenticated
// staff, external kinds only through a consumed access token.
type EventKind string

const (
	EventRequestDocuments        EventKind = "request_documents"
	EventDocumentsUploaded       EventKind = "documents_uploaded"
	EventCOHFCaptured            EventKind = "cohf_captured"
	EventCostingCompleted        EventKind = "costing_completed"
	EventApprove                 EventKind = "approve"
	EventReject                  EventKind = "reject"
	EventRecall                  EventKind = "recall"
	EventReopen                  EventKind = "reopen"
	EventSendContract            EventKind = "send_contract"
	EventCountersign             EventKind = "countersign"
	EventIssueWorkOrder          EventKind = "issue_work_order"
	EventSubmitWorkOrderApproval EventKind = "submit_work_order_approval"
	EventActivate                EventKind = "activate"
	EventSuspend                 EventKind = "suspend"
	EventReactivate              EventKind = "reactivate"

	// External kinds, delivered by the gateway after token consumption.
	EventContractorUploaded  EventKind = "contractor_uploaded"
	EventThirdPartySubmitted EventKind = "third_party_submitted"
	EventClientSigned        EventKind = "client_signed"
)

// External reports whether the kind may only enter through the gateway.
func (k EventKind) External() bool {
	switch k {
	case EventContractorUploaded, EventThirdPartySubmitted, EventClientSigned:
		return true
	}
	return false
}

// Event is one command against a case. Exactly one of ActorID (internal) or
// Claims (external, from a consumed token) identifies the originator.
type Event struct {
	Kind   EventKind
	CaseID string

	// ActorID is the authenticated staff user for internal events.
	ActorID string
	// Claims carry the case and stage a consumed token was bound to.
	Claims *token.Claims

	// Role and Method apply to signing events.
	Role   route.SignerRole
	Method signature.Method

	// PayloadRef points at an artifact already written to the document store.
	PayloadRef string
	// Reason accompanies reject, recall, suspend.
	Reason string

	IdempotencyKey string
}
