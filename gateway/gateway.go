// Package gateway is the only door for unauthenticated external actors.
// Everything they do rides on a capability token, and every failure looks
// the same from the outside.
package gateway

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"placementflow/route"
	"placementflow/signature"
	"placementflow/token"
	"placementflow/workflow"
)

// ErrLinkInvalid is the only error external actors ever see. The real cause
// goes to the log, never over the wire: a probing caller cannot distinguish
// an expired link from one that never existed.
var ErrLinkInvalid = errors.New("gateway: link invalid or expired")

// Applier runs workflow events. Satisfied by *workflow.Engine.
type Applier interface {
	Apply(ctx context.Context, ev workflow.Event) (workflow.Snapshot, error)
}

// Consumer burns capability tokens. Satisfied by *token.Service.
type Consumer interface {
	Consume(ctx context.Context, value string) (token.Claims, error)
}

// Submission is what an external actor sends along with their link.
type Submission struct {
	TokenValue string
	// PayloadRef points at the artifact already written to the document store.
	PayloadRef string
	// Role and Method apply to signing scopes.
	Role   route.SignerRole
	Method signature.Method
}

type Service struct {
	tokens Consumer
	engine Applier
	log    *zap.Logger
}

func NewService(tokens Consumer, engine Applier, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{tokens: tokens, engine: engine, log: log}
}

// Submit consumes the token and applies the event its scope stands for. The
// token is burned before the case is inspected, so a valid link against a
// case that moved on is spent either way.
func (s *Service) Submit(ctx context.Context, sub Submission) (workflow.Snapshot, error) {
	claims, err := s.tokens.Consume(ctx, sub.TokenValue)
	if err != nil {
		s.log.Warn("token consume refused", zap.Error(err))
		return workflow.Snapshot{}, ErrLinkInvalid
	}

	kind, ok := eventForScope(claims.Scope)
	if !ok {
		s.log.Error("token carries unknown scope",
			zap.String("case_id", claims.CaseID),
			zap.String("scope", string(claims.Scope)))
		return workflow.Snapshot{}, ErrLinkInvalid
	}

	snap, err := s.engine.Apply(ctx, workflow.Event{
		Kind:       kind,
		CaseID:     claims.CaseID,
		Claims:     &claims,
		Role:       sub.Role,
		Method:     sub.Method,
		PayloadRef: sub.PayloadRef,
	})
	if err != nil {
		s.log.Warn("external submission refused",
			zap.String("case_id", claims.CaseID),
			zap.String("stage", string(claims.Stage)),
			zap.String("event", string(kind)),
			zap.Error(err))
		return workflow.Snapshot{}, ErrLinkInvalid
	}

	s.log.Info("external submission applied",
		zap.String("case_id", claims.CaseID),
		zap.String("stage", string(claims.Stage)),
		zap.String("event", string(kind)),
		zap.String("status", string(snap.Status)))
	return snap, nil
}

// eventForScope maps what a token authorizes to the workflow event it raises.
// The token's stage binding does the rest: contractor_uploaded lands on
// documents or contract depending on which stage the token was minted for.
func eventForScope(scope token.Scope) (workflow.EventKind, bool) {
	switch scope {
	case token.ScopeUploadDocuments, token.ScopeUploadContract:
		return workflow.EventContractorUploaded, true
	case token.ScopeSubmitQuote:
		return workflow.EventThirdPartySubmitted, true
	case token.ScopeSignContract, token.ScopeSignWorkOrder:
		return workflow.EventClientSigned, true
	default:
		return "", false
	}
}
