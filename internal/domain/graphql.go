package domain

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

type OperationKind string

const (
	OperationQuery        OperationKind = "query"
	OperationMutation     OperationKind = "mutation"
	OperationSubscription OperationKind = "subscription"
)

// GraphQLRequest is the wire payload of a GraphQL-over-HTTP request.
type GraphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Violation records one field path that the caller's authorization context
// does not cover, with a machine-readable reason.
type Violation struct {
	FieldPath string `json:"field_path"`
	Reason    string `json:"reason"`
}

const (
	ViolationOperationKind   = "OPERATION_KIND_NOT_ALLOWED"
	ViolationSubscription    = "SUBSCRIPTIONS_DISABLED"
	ViolationFieldNotAllowed = "FIELD_NOT_ALLOWED"
	ViolationScopeMismatch   = "WORKSPACE_SCOPE_MISMATCH"
	ViolationAmbiguousScope  = "AMBIGUOUS_WORKSPACE_SCOPE"
	ViolationOwnership       = "ENTITY_NOT_IN_WORKSPACE"
	ViolationPolicyDeny      = "POLICY_DENY"
)

// InspectionError carries every violation found in a document. Violations
// are reported in full, sorted by field path, so clients can fix their
// scope requests in one round trip. It unwraps to ErrForbidden.
type InspectionError struct {
	Violations []Violation
}

func (e *InspectionError) Error() string {
	if e == nil || len(e.Violations) == 0 {
		return "forbidden"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s: %s", v.FieldPath, v.Reason))
	}
	return "forbidden: " + strings.Join(parts, "; ")
}

func (e *InspectionError) Unwrap() error { return ErrForbidden }

func NewInspectionError(violations []Violation) *InspectionError {
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].FieldPath == violations[j].FieldPath {
			return violations[i].Reason < violations[j].Reason
		}
		return violations[i].FieldPath < violations[j].FieldPath
	})
	return &InspectionError{Violations: violations}
}

// UpstreamResponse is the upstream server's reply, relayed to the client
// verbatim. Status may be an error status; GraphQL-level errors travel in
// the body and are not a transport failure.
type UpstreamResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// Forwarder issues an approved request to the upstream GraphQL endpoint.
type Forwarder interface {
	Forward(ctx context.Context, req GraphQLRequest, kind OperationKind) (*UpstreamResponse, error)
}
