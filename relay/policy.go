package relay

import (
	"golang.org/x/exp/slices"
)

type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

func ParseRole(roleStr string) (Role, bool) {
	switch Role(roleStr) {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return Role(roleStr), true
	default:
		return "", false
	}
}

type RelationKind string

const (
	// the principal is listed in the target's membership (e.g. class roster)
	RelationMember RelationKind = "member"
	// the principal is the target's designated controller (e.g. assigned teacher)
	RelationController RelationKind = "controller"
)

type Relation struct {
	Kind     RelationKind `json:"kind"`
	TargetId string       `json:"target_id"`
}

// Principal is the authenticated viewer a feed is filtered for.
// Resolved once per connection and immutable for the session's lifetime.
// Role or relation changes require a new session (see RevocationSignal).
type Principal struct {
	Id        string     `json:"id"`
	Role      Role       `json:"role"`
	Relations []Relation `json:"relations,omitempty"`
}

func (self *Principal) HasRelation(kind RelationKind, targetId string) bool {
	if targetId == "" {
		return false
	}
	for _, relation := range self.Relations {
		if relation.Kind == kind && relation.TargetId == targetId {
			return true
		}
	}
	return false
}

type DocType string

const (
	DocTypeNote       DocType = "note"
	DocTypeAssignment DocType = "assignment"
	DocTypeRoster     DocType = "roster"
	DocTypeGroup      DocType = "group"
)

// Document is the minimal projection of a stored document needed to decide
// visibility. Lookup resolves it at a specific revision.
type Document struct {
	Id      string  `json:"id"`
	DocType DocType `json:"type"`
	OwnerId string  `json:"owner_id,omitempty"`
	// owning group (e.g. class), if any
	GroupId string `json:"group_id,omitempty"`
	// member principal ids encoded in the document body
	Members []string `json:"members,omitempty"`
	// designated controller of the document's relation (e.g. assigned teacher)
	ControllerId string `json:"controller_id,omitempty"`
}

type Decision int

const (
	// the zero value denies. fail-closed.
	Deny Decision = iota
	Allow
)

func (self Decision) String() string {
	if self == Allow {
		return "allow"
	}
	return "deny"
}

// Policy is the ordered visibility rule set. Pure and total: `Decide`
// returns a decision for every input, denying unknown document types.
//
// Rule order is load-bearing. Broader grants (admin, owner, role blanket
// grants) are checked before narrower relational ones so the common
// shortcuts avoid relation traversal.
type Policy struct {
	// document types the policy knows about. anything else denies.
	KnownTypes []DocType
	// blanket grants: role -> document types visible to that role
	RoleGrants map[Role][]DocType
}

// DefaultPolicy grants teachers blanket visibility over roster documents.
// Everything else flows through ownership and relation rules.
func DefaultPolicy() *Policy {
	return &Policy{
		KnownTypes: []DocType{
			DocTypeNote,
			DocTypeAssignment,
			DocTypeRoster,
			DocTypeGroup,
		},
		RoleGrants: map[Role][]DocType{
			RoleTeacher: {DocTypeRoster},
		},
	}
}

func (self *Policy) Decide(principal *Principal, document *Document) Decision {
	if principal == nil || document == nil {
		return Deny
	}
	if !slices.Contains(self.KnownTypes, document.DocType) {
		return Deny
	}

	// 1. administrative role
	if principal.Role == RoleAdmin {
		return Allow
	}

	// 2. ownership
	if document.OwnerId != "" && document.OwnerId == principal.Id {
		return Allow
	}

	// 3. role blanket grant over the document type
	if slices.Contains(self.RoleGrants[principal.Role], document.DocType) {
		return Allow
	}

	// 4. membership or designated controller
	if slices.Contains(document.Members, principal.Id) {
		return Allow
	}
	if document.ControllerId != "" && document.ControllerId == principal.Id {
		return Allow
	}
	if principal.HasRelation(RelationMember, document.GroupId) {
		return Allow
	}
	if principal.HasRelation(RelationController, document.GroupId) {
		return Allow
	}

	// 5. default
	return Deny
}
