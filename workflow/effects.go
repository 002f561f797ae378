package workflow

import (
	"placementflow/route"
	"placementflow/signature"
	"placementflow/token"
)

// Effect is a side effect a decision asks the engine to run inside the same
// transaction as the status update. Decisions stay pure by describing effects
// instead of performing them.
type Effect interface {
	isEffect()
}

// IssueTokenEffect mints a fresh capability link for a stage, superseding any
// active one.
type IssueTokenEffect struct {
	Stage route.StageKind
	Scope token.Scope
}

// StoreArtifactEffect records the document-store reference an actor submitted
// for a stage.
type StoreArtifactEffect struct {
	Stage route.StageKind
	Ref   string
}

// AppendSignatureEffect appends a validated signature event. SignedAt is
// stamped by the engine's clock at execution time.
type AppendSignatureEffect struct {
	Event signature.Event
}

// SetStageStateEffect moves a stage record to a new sub-state.
type SetStageStateEffect struct {
	Stage route.StageKind
	State StageState
}

// EmitEffect enqueues a notification on the outbox.
type EmitEffect struct {
	Topic   string
	Payload map[string]any
}

func (IssueTokenEffect) isEffect()      {}
func (StoreArtifactEffect) isEffect()   {}
func (AppendSignatureEffect) isEffect() {}
func (SetStageStateEffect) isEffect()   {}
func (EmitEffect) isEffect()            {}
