package workflow

import (
	"time"

	"placementflow/route"
	"placementflow/signature"
)

// Status is the canonical case state. The set is closed: transitions exist
// only where the table in decide.go says so.
type Status string

const (
	StatusDraft                      Status = "draft"
	StatusPendingDocuments           Status = "pending_documents"
	StatusDocumentsUploaded          Status = "documents_uploaded"
	StatusPendingThirdPartyResponse  Status = "pending_third_party_response"
	StatusPendingCdsCs               Status = "pending_cds_cs"
	StatusPendingReview              Status = "pending_review"
	StatusApproved                   Status = "approved"
	StatusRejected                   Status = "rejected"
	StatusPendingSignature           Status = "pending_signature"
	StatusPendingSuperadminSignature Status = "pending_superadmin_signature"
	StatusSigned                     Status = "signed"
	StatusPendingClientWOSignature   Status = "pending_client_wo_signature"
	StatusWorkOrderCompleted         Status = "work_order_completed"
	StatusPendingContractUpload      Status = "pending_contract_upload"
	StatusContractUploaded           Status = "contract_uploaded"
	StatusContractApproved           Status = "contract_approved"
	StatusAwaitingWorkOrderApproval  Status = "awaiting_work_order_approval"
	StatusActive                     Status = "active"
	StatusSuspended                  Status = "suspended"
)

// StageState is the per-stage sub-state, independent of the case status.
type StageState string

const (
	StagePending                   StageState = "pending"
	StageSent                      StageState = "sent"
	StageAwaitingExternalResponse  StageState = "awaiting_external_response"
	StageSubmitted                 StageState = "submitted"
	StageApproved                  StageState = "approved"
	StageRejected                  StageState = "rejected"
)

// Stage mirrors one stage_records row plus its signature events.
type Stage struct {
	Kind          route.StageKind
	State         StageState
	ArtifactRef   string
	RequiredRoles []route.SignerRole
	TokenExpiry   *time.Time
	Signatures    []signature.Event
}

// Case is the aggregate the engine decides over: the row under FOR UPDATE
// plus every stage the route requires.
type Case struct {
	ID           string
	Route        route.Route
	Status       Status
	RejectedFrom Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Stages       []Stage
}

// StageByKind returns the case's stage record for kind, or nil.
func (c *Case) StageByKind(kind route.StageKind) *Stage {
	for i := range c.Stages {
		if c.Stages[i].Kind == kind {
			return &c.Stages[i]
		}
	}
	return nil
}

// Snapshot is the read model handed to callers after a transition or on
// request. PendingActions lists the event kinds the table accepts next.
type Snapshot struct {
	ID             string
	Route          route.Route
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Stages         []Stage
	PendingActions []EventKind
}

func snapshotOf(c Case) Snapshot {
	return Snapshot{
		ID:             c.ID,
		Route:          c.Route,
		Status:         c.Status,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		Stages:         c.Stages,
		PendingActions: LegalEvents(c.Status, c.Route),
	}
}

// IsTerminal reports whether the table accepts no event at all for the
// status. Every status currently has at least one exit, rejected and
// suspended included, so this guards against future table edits.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}
