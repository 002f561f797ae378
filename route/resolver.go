package route

import "fmt"

// Route identifies the onboarding path a contractor is placed through. The
// route decides which stages apply and which parties sign the contract.
type Route string

const (
	RouteWPS        Route = "wps"
	RouteFreelancer Route = "freelancer"
	RouteThirdParty Route = "third_party"
	RouteSaudi      Route = "saudi"
	RouteOffshore   Route = "offshore"
	RouteUAE        Route = "uae"
)

// StageKind names a discrete sub-workflow of a contractor case.
type StageKind string

const (
	StageDocuments         StageKind = "documents"
	StageThirdPartyQuote   StageKind = "third_party_quote"
	StageCostingDealSheet  StageKind = "costing_deal_sheet"
	StageCOHF              StageKind = "cohf"
	StageContract          StageKind = "contract"
	StageClientSignature   StageKind = "client_signature"
	StageWorkOrder         StageKind = "work_order"
	StageWorkOrderApproval StageKind = "work_order_approval"
)

// SignerRole identifies a party whose signature can be required on a stage.
type SignerRole string

const (
	RoleContractor    SignerRole = "contractor"
	RoleClient        SignerRole = "client"
	RoleAventusPartyA SignerRole = "aventus_party_a"
	RoleAventusPartyB SignerRole = "aventus_party_b"
	RoleThirdParty    SignerRole = "third_party"
)

// ConfigurationError reports a route value the resolver does not know. It is
// a deployment bug, not a runtime condition, so callers fail fast on it.
type ConfigurationError struct {
	Route Route
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("route: unknown onboarding route %q", e.Route)
}

var stageLists = map[Route][]StageKind{
	RouteWPS: {
		StageDocuments, StageCostingDealSheet, StageContract,
		StageClientSignature, StageWorkOrder, StageWorkOrderApproval,
	},
	RouteFreelancer: {
		StageDocuments, StageCostingDealSheet, StageContract,
		StageClientSignature,
	},
	RouteThirdParty: {
		StageDocuments, StageThirdPartyQuote, StageContract,
		StageClientSignature, StageWorkOrder, StageWorkOrderApproval,
	},
	RouteSaudi: {
		StageDocuments, StageThirdPartyQuote, StageCostingDealSheet,
		StageContract, StageClientSignature, StageWorkOrder,
		StageWorkOrderApproval,
	},
	RouteOffshore: {
		StageDocuments, StageCostingDealSheet, StageContract,
		StageClientSignature, StageWorkOrder,
	},
	RouteUAE: {
		StageDocuments, StageCostingDealSheet, StageCOHF, StageContract,
		StageClientSignature, StageWorkOrder, StageWorkOrderApproval,
	},
}

// Contract quorums per route. Uploaded-contract routes countersign separately
// via the superadmin quorum below.
var contractQuorums = map[Route][]SignerRole{
	RouteWPS:        {RoleContractor, RoleAventusPartyA},
	RouteFreelancer: {RoleContractor, RoleAventusPartyA},
	RouteOffshore:   {RoleContractor, RoleClient, RoleAventusPartyA},
	RouteThirdParty: {RoleThirdParty, RoleAventusPartyA, RoleAventusPartyB},
	RouteSaudi:      {RoleClient, RoleAventusPartyA, RoleAventusPartyB},
	RouteUAE:        {RoleClient, RoleAventusPartyA, RoleAventusPartyB},
}

// CountersignQuorum is the quorum applied when an uploaded third-party
// contract awaits the internal countersignature.
var CountersignQuorum = []SignerRole{RoleAventusPartyA}

// StagesFor returns the ordered stage list for a route. Pure, no I/O; the
// same route always yields the same list.
func StagesFor(r Route) ([]StageKind, error) {
	stages, ok := stageLists[r]
	if !ok {
		return nil, &ConfigurationError{Route: r}
	}
	out := make([]StageKind, len(stages))
	copy(out, stages)
	return out, nil
}

// ContractQuorum returns the signer roles that must each sign the contract
// stage before it counts as signed.
func ContractQuorum(r Route) ([]SignerRole, error) {
	quorum, ok := contractQuorums[r]
	if !ok {
		return nil, &ConfigurationError{Route: r}
	}
	out := make([]SignerRole, len(quorum))
	copy(out, quorum)
	return out, nil
}

// Includes reports whether the route's stage list contains kind.
func Includes(r Route, kind StageKind) bool {
	for _, s := range stageLists[r] {
		if s == kind {
			return true
		}
	}
	return false
}

// All returns every known route. Used by startup validation so an enum drift
// between code and schema surfaces before the first request.
func All() []Route {
	return []Route{
		RouteWPS, RouteFreelancer, RouteThirdParty,
		RouteSaudi, RouteOffshore, RouteUAE,
	}
}

// Validate resolves every declared route once, failing fast on any gap in the
// stage or quorum tables.
func Validate() error {
	for _, r := range All() {
		if _, err := StagesFor(r); err != nil {
			return err
		}
		if _, err := ContractQuorum(r); err != nil {
			return err
		}
	}
	return nil
}
