package usecase

import (
	"bytes"
	"context"
	"fmt"

	"flowgate/internal/domain"
	"flowgate/internal/infra/policyopa"
	"flowgate/internal/policy"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
	"go.uber.org/zap"
)

// Inspector parses an incoming document, checks every field path against
// the active rule table for the caller's role, and enforces workspace
// scoping: scoped selections must carry an in-scope workspace argument
// (injected when the caller's scope is a singleton), list selections get a
// workspace filter merged into their where argument, and id-addressed
// selections are verified against the upstream's ownership records. All
// violations are collected before rejecting, so a client sees everything it
// would need to fix at once.
type Inspector struct {
	Policy    *policy.Handle
	Ownership *OwnershipChecker
	Engine    *policyopa.Engine
	Logger    *zap.Logger
}

// InspectionResult is an approved, possibly rewritten request ready to
// forward.
type InspectionResult struct {
	Request   domain.GraphQLRequest
	Kind      domain.OperationKind
	Rewritten bool
}

func (i *Inspector) Inspect(ctx context.Context, req domain.GraphQLRequest, auth domain.AuthContext) (*InspectionResult, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("%w: empty query", domain.ErrInvalidOperation)
	}
	doc, parseErr := parser.ParseQuery(&ast.Source{Input: req.Query})
	if parseErr != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidOperation, parseErr)
	}
	if len(doc.Operations) == 0 {
		return nil, fmt.Errorf("%w: no operations", domain.ErrInvalidOperation)
	}
	if len(doc.Operations) > 1 && req.OperationName == "" {
		return nil, fmt.Errorf("%w: operation name required for multi-operation documents", domain.ErrInvalidOperation)
	}
	executed := doc.Operations.ForName(req.OperationName)
	if executed == nil {
		return nil, fmt.Errorf("%w: operation %q not found", domain.ErrInvalidOperation, req.OperationName)
	}

	rules := i.Policy.Current()
	walk := &documentWalk{
		rules:     rules,
		doc:       doc,
		auth:      auth,
		variables: req.Variables,
		inspector: i,
	}

	// Every operation in the document is inspected, not just the one named
	// for execution: nothing uninspected may travel upstream.
	for _, op := range doc.Operations {
		walk.operation(ctx, op)
	}

	if i.Engine != nil {
		i.evaluateBundle(ctx, walk, auth)
	}

	if len(walk.violations) > 0 {
		i.logger().Warn("operation rejected",
			zap.String("principal", auth.Username),
			zap.Int("violations", len(walk.violations)),
		)
		return nil, domain.NewInspectionError(walk.violations)
	}

	result := &InspectionResult{
		Request:   req,
		Kind:      domain.OperationKind(executed.Operation),
		Rewritten: walk.rewritten,
	}
	result.Request.Variables = walk.variables
	if walk.rewritten {
		var buf bytes.Buffer
		formatter.NewFormatter(&buf).FormatQueryDocument(doc)
		result.Request.Query = buf.String()
	}
	return result, nil
}

func (i *Inspector) evaluateBundle(ctx context.Context, walk *documentWalk, auth domain.AuthContext) {
	result, err := i.Engine.Evaluate(ctx, policyopa.Input{
		Role:       string(auth.Role),
		Operation:  walk.primaryKind,
		Fields:     walk.fieldPaths,
		Workspaces: auth.Workspaces,
	})
	if err != nil {
		// Fail closed: an unevaluable bundle denies the operation.
		i.logger().Error("policy bundle evaluation failed", zap.Error(err))
		walk.violations = append(walk.violations, domain.Violation{
			FieldPath: "(policy)",
			Reason:    domain.ViolationPolicyDeny,
		})
		return
	}
	if result.Allow && len(result.Deny) == 0 {
		return
	}
	for _, deny := range result.Deny {
		walk.violations = append(walk.violations, domain.Violation{
			FieldPath: deny.Message,
			Reason:    domain.ViolationPolicyDeny,
		})
	}
	if len(result.Deny) == 0 {
		walk.violations = append(walk.violations, domain.Violation{
			FieldPath: "(policy)",
			Reason:    domain.ViolationPolicyDeny,
		})
	}
}

func (i *Inspector) logger() *zap.Logger {
	if i.Logger != nil {
		return i.Logger
	}
	return zap.NewNop()
}

// documentWalk accumulates state across one document's operations.
type documentWalk struct {
	rules       *policy.Rules
	doc         *ast.QueryDocument
	auth        domain.AuthContext
	variables   map[string]any
	inspector   *Inspector
	violations  []domain.Violation
	fieldPaths  []string
	primaryKind string
	rewritten   bool
}

func (w *documentWalk) operation(ctx context.Context, op *ast.OperationDefinition) {
	kind := domain.OperationKind(op.Operation)
	if w.primaryKind == "" {
		w.primaryKind = string(kind)
	}
	opLabel := op.Name
	if opLabel == "" {
		opLabel = "(" + string(kind) + ")"
	}

	if kind == domain.OperationSubscription && !w.rules.SubscriptionsAllowed() {
		w.violate(opLabel, domain.ViolationSubscription)
		return
	}
	if !w.rules.RoleAllowsOperation(w.auth.Role, kind) {
		w.violate(opLabel, domain.ViolationOperationKind)
		return
	}

	for _, field := range topLevelFields(op.SelectionSet, w.doc, nil) {
		w.topLevelField(ctx, field)
	}
}

func (w *documentWalk) topLevelField(ctx context.Context, field *ast.Field) {
	root := field.Name
	if root == "__typename" {
		return
	}
	paths := collectFieldPaths(field, "", w.doc, make(map[string]bool))
	w.fieldPaths = append(w.fieldPaths, paths...)

	if w.rules.IsPublic(root) {
		return
	}
	allowed := true
	for _, path := range paths {
		if !w.rules.FieldAllowed(w.auth.Role, path) {
			w.violate(path, domain.ViolationFieldNotAllowed)
			allowed = false
		}
	}
	if !allowed {
		return
	}

	switch {
	case w.rules.IsWorkspaceScoped(root):
		w.enforceWorkspaceArgument(field)
	case w.rules.NeedsOwnershipCheck(root):
		w.enforceOwnership(ctx, field)
	case w.rules.NeedsWorkspaceFilter(root):
		w.enforceWorkspaceFilter(field)
	}
}

// enforceWorkspaceArgument handles selections that address a workspace
// directly: the workspace argument must resolve to a value in scope, and is
// injected when absent and the scope is unambiguous.
func (w *documentWalk) enforceWorkspaceArgument(field *ast.Field) {
	argName := w.rules.WorkspaceArgument()
	arg := field.Arguments.ForName(argName)
	if arg == nil {
		if len(w.auth.Workspaces) == 1 {
			field.Arguments = append(field.Arguments, &ast.Argument{
				Name:  argName,
				Value: &ast.Value{Kind: ast.StringValue, Raw: w.auth.Workspaces[0]},
			})
			w.rewritten = true
			return
		}
		w.violate(field.Name, domain.ViolationAmbiguousScope)
		return
	}
	value, ok := w.resolveString(arg.Value)
	if !ok {
		w.violate(field.Name, domain.ViolationAmbiguousScope)
		return
	}
	if !w.auth.InScope(value) {
		w.violate(field.Name, domain.ViolationScopeMismatch)
	}
}

// enforceOwnership handles id-addressed selections (the *_by_pk family):
// the referenced entity must live in one of the caller's workspaces.
func (w *documentWalk) enforceOwnership(ctx context.Context, field *ast.Field) {
	if w.inspector.Ownership == nil {
		w.violate(field.Name, domain.ViolationOwnership)
		return
	}
	id, ok := w.entityID(field)
	if !ok {
		w.violate(field.Name, domain.ViolationOwnership)
		return
	}
	owned, err := w.inspector.Ownership.EntityInWorkspaces(ctx, field.Name, id, w.auth.Workspaces)
	if err != nil {
		// Fail closed on probe failure.
		w.inspector.logger().Error("ownership probe failed",
			zap.String("field", field.Name), zap.Error(err))
		w.violate(field.Name, domain.ViolationOwnership)
		return
	}
	if !owned {
		w.violate(field.Name, domain.ViolationOwnership)
	}
}

// enforceWorkspaceFilter merges a workspace_id equality filter into a list
// selection's where argument, covering the inline-object, variable, and
// missing-argument forms.
func (w *documentWalk) enforceWorkspaceFilter(field *ast.Field) {
	pinned, ok := w.pinnedWorkspace(field)
	if ok {
		if !w.auth.InScope(pinned) {
			w.violate(field.Name, domain.ViolationScopeMismatch)
		}
		return
	}
	if len(w.auth.Workspaces) != 1 {
		w.violate(field.Name, domain.ViolationAmbiguousScope)
		return
	}
	workspaceID := w.auth.Workspaces[0]

	arg := field.Arguments.ForName("where")
	if arg == nil {
		field.Arguments = append(field.Arguments, &ast.Argument{
			Name:  "where",
			Value: workspaceFilterValue(workspaceID),
		})
		w.rewritten = true
		return
	}
	switch arg.Value.Kind {
	case ast.ObjectValue:
		mergeWorkspaceFilter(arg.Value, workspaceID)
		w.rewritten = true
	case ast.Variable:
		w.mergeWorkspaceFilterVariable(arg.Value.Raw, workspaceID)
	default:
		w.violate(field.Name, domain.ViolationAmbiguousScope)
	}
}

// pinnedWorkspace extracts an already-present workspace_id equality from
// the where argument, inline or via variable.
func (w *documentWalk) pinnedWorkspace(field *ast.Field) (string, bool) {
	arg := field.Arguments.ForName("where")
	if arg == nil {
		return "", false
	}
	switch arg.Value.Kind {
	case ast.ObjectValue:
		wsChild := arg.Value.Children.ForName("workspace_id")
		if wsChild == nil || wsChild.Kind != ast.ObjectValue {
			return "", false
		}
		eq := wsChild.Children.ForName("_eq")
		if eq == nil {
			return "", false
		}
		return w.resolveString(eq)
	case ast.Variable:
		where, ok := w.variables[arg.Value.Raw].(map[string]any)
		if !ok {
			return "", false
		}
		wsFilter, ok := where["workspace_id"].(map[string]any)
		if !ok {
			return "", false
		}
		eq, ok := wsFilter["_eq"].(string)
		return eq, ok
	}
	return "", false
}

func (w *documentWalk) mergeWorkspaceFilterVariable(varName, workspaceID string) {
	if w.variables == nil {
		w.variables = make(map[string]any)
	}
	where, ok := w.variables[varName].(map[string]any)
	if !ok {
		where = make(map[string]any)
	}
	if wsFilter, ok := where["workspace_id"].(map[string]any); ok {
		wsFilter["_eq"] = workspaceID
	} else {
		where["workspace_id"] = map[string]any{"_eq": workspaceID}
	}
	w.variables[varName] = where
	w.rewritten = true
}

// entityID finds the primary-key argument of an id-addressed selection,
// inline or via variable.
func (w *documentWalk) entityID(field *ast.Field) (string, bool) {
	for _, name := range []string{"id", field.Name + "_id"} {
		if arg := field.Arguments.ForName(name); arg != nil {
			return w.resolveString(arg.Value)
		}
	}
	return "", false
}

func (w *documentWalk) resolveString(value *ast.Value) (string, bool) {
	if value == nil {
		return "", false
	}
	switch value.Kind {
	case ast.StringValue:
		return value.Raw, true
	case ast.Variable:
		raw, ok := w.variables[value.Raw].(string)
		return raw, ok
	}
	return "", false
}

func (w *documentWalk) violate(path, reason string) {
	w.violations = append(w.violations, domain.Violation{FieldPath: path, Reason: reason})
}

func workspaceFilterValue(workspaceID string) *ast.Value {
	return &ast.Value{
		Kind: ast.ObjectValue,
		Children: ast.ChildValueList{
			{
				Name: "workspace_id",
				Value: &ast.Value{
					Kind: ast.ObjectValue,
					Children: ast.ChildValueList{
						{Name: "_eq", Value: &ast.Value{Kind: ast.StringValue, Raw: workspaceID}},
					},
				},
			},
		},
	}
}

func mergeWorkspaceFilter(where *ast.Value, workspaceID string) {
	wsChild := where.Children.ForName("workspace_id")
	if wsChild == nil {
		where.Children = append(where.Children, &ast.ChildValue{
			Name: "workspace_id",
			Value: &ast.Value{
				Kind: ast.ObjectValue,
				Children: ast.ChildValueList{
					{Name: "_eq", Value: &ast.Value{Kind: ast.StringValue, Raw: workspaceID}},
				},
			},
		})
		return
	}
	if wsChild.Kind != ast.ObjectValue {
		wsChild.Kind = ast.ObjectValue
		wsChild.Children = nil
	}
	if eq := wsChild.Children.ForName("_eq"); eq != nil {
		eq.Kind = ast.StringValue
		eq.Raw = workspaceID
		eq.Children = nil
		return
	}
	wsChild.Children = append(wsChild.Children, &ast.ChildValue{
		Name:  "_eq",
		Value: &ast.Value{Kind: ast.StringValue, Raw: workspaceID},
	})
}

// topLevelFields resolves fragments so the walk always sees concrete
// fields. expanding holds the spreads on the current expansion path: a
// fragment cycle terminates, while the same fragment spread under several
// sibling selections still expands at every site.
func topLevelFields(set ast.SelectionSet, doc *ast.QueryDocument, expanding map[string]bool) []*ast.Field {
	if expanding == nil {
		expanding = make(map[string]bool)
	}
	var fields []*ast.Field
	for _, selection := range set {
		switch sel := selection.(type) {
		case *ast.Field:
			fields = append(fields, sel)
		case *ast.FragmentSpread:
			if expanding[sel.Name] {
				continue
			}
			if fragment := doc.Fragments.ForName(sel.Name); fragment != nil {
				expanding[sel.Name] = true
				fields = append(fields, topLevelFields(fragment.SelectionSet, doc, expanding)...)
				delete(expanding, sel.Name)
			}
		case *ast.InlineFragment:
			fields = append(fields, topLevelFields(sel.SelectionSet, doc, expanding)...)
		}
	}
	return fields
}

// collectFieldPaths flattens a field and its selection set into dotted
// paths, e.g. workspace, workspace.flows, workspace.flows.name.
func collectFieldPaths(field *ast.Field, prefix string, doc *ast.QueryDocument, expanding map[string]bool) []string {
	if field.Name == "__typename" {
		return nil
	}
	path := field.Name
	if prefix != "" {
		path = prefix + "." + field.Name
	}
	return append([]string{path}, collectSetPaths(field.SelectionSet, path, doc, expanding)...)
}

// collectSetPaths walks one selection set, keeping fragments on the
// expanding stack for the whole descent so that a cycle routed through a
// nested field still terminates.
func collectSetPaths(set ast.SelectionSet, prefix string, doc *ast.QueryDocument, expanding map[string]bool) []string {
	var paths []string
	for _, selection := range set {
		switch sel := selection.(type) {
		case *ast.Field:
			paths = append(paths, collectFieldPaths(sel, prefix, doc, expanding)...)
		case *ast.FragmentSpread:
			if expanding[sel.Name] {
				continue
			}
			if fragment := doc.Fragments.ForName(sel.Name); fragment != nil {
				expanding[sel.Name] = true
				paths = append(paths, collectSetPaths(fragment.SelectionSet, prefix, doc, expanding)...)
				delete(expanding, sel.Name)
			}
		case *ast.InlineFragment:
			paths = append(paths, collectSetPaths(sel.SelectionSet, prefix, doc, expanding)...)
		}
	}
	return paths
}
