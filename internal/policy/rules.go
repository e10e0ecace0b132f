package policy

import (
	"fmt"
	"os"
	"sync/atomic"

	"flowgate/internal/domain"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// Document is the on-disk rule table. Field patterns are globs over dotted
// field paths with '.' as the separator, so "flow*" matches "flow_run" but
// not "flow.runs"; "flow**" matches both.
type Document struct {
	Subscriptions string             `yaml:"subscriptions"`
	Public        []string           `yaml:"public"`
	Roles         map[string]RoleDoc `yaml:"roles"`
	Workspace     WorkspaceDoc       `yaml:"workspace"`
}

type RoleDoc struct {
	Operations []string `yaml:"operations"`
	Allow      []string `yaml:"allow"`
}

type WorkspaceDoc struct {
	Argument  string   `yaml:"argument"`
	Scoped    []string `yaml:"scoped"`
	Filter    []string `yaml:"filter"`
	Ownership []string `yaml:"ownership"`
}

// Rules is the compiled, immutable form consulted on every request.
type Rules struct {
	subscriptionsAllowed bool
	public               []glob.Glob
	roles                map[domain.Role]roleRules
	workspaceArgument    string
	scoped               []glob.Glob
	filter               []glob.Glob
	ownership            []glob.Glob
}

type roleRules struct {
	operations map[domain.OperationKind]bool
	allow      []glob.Glob
}

func Compile(doc Document) (*Rules, error) {
	r := &Rules{
		subscriptionsAllowed: doc.Subscriptions == "allow",
		roles:                make(map[domain.Role]roleRules, len(doc.Roles)),
		workspaceArgument:    doc.Workspace.Argument,
	}
	if r.workspaceArgument == "" {
		r.workspaceArgument = "id"
	}
	var err error
	if r.public, err = compilePatterns(doc.Public); err != nil {
		return nil, fmt.Errorf("public: %w", err)
	}
	if r.scoped, err = compilePatterns(doc.Workspace.Scoped); err != nil {
		return nil, fmt.Errorf("workspace.scoped: %w", err)
	}
	if r.filter, err = compilePatterns(doc.Workspace.Filter); err != nil {
		return nil, fmt.Errorf("workspace.filter: %w", err)
	}
	if r.ownership, err = compilePatterns(doc.Workspace.Ownership); err != nil {
		return nil, fmt.Errorf("workspace.ownership: %w", err)
	}
	for name, rd := range doc.Roles {
		role := domain.Role(name)
		if !role.Valid() {
			return nil, fmt.Errorf("unknown role %q", name)
		}
		ops := make(map[domain.OperationKind]bool, len(rd.Operations))
		for _, op := range rd.Operations {
			kind := domain.OperationKind(op)
			switch kind {
			case domain.OperationQuery, domain.OperationMutation, domain.OperationSubscription:
				ops[kind] = true
			default:
				return nil, fmt.Errorf("role %q: unknown operation kind %q", name, op)
			}
		}
		allow, err := compilePatterns(rd.Allow)
		if err != nil {
			return nil, fmt.Errorf("role %q: %w", name, err)
		}
		r.roles[role] = roleRules{operations: ops, allow: allow}
	}
	return r, nil
}

func Parse(data []byte) (*Rules, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return Compile(doc)
}

func Load(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return Parse(data)
}

// Default returns the rule table used when no POLICY_PATH is configured:
// admins see everything, operators read and write within their workspaces,
// read-only principals query only. Workspace selections are scoped by their
// "id" argument and list selections are filtered by workspace_id.
func Default() *Rules {
	rules, err := Compile(Document{
		Subscriptions: "deny",
		Public:        []string{"hello", "api", "reference_data", "__schema*", "__type*"},
		Roles: map[string]RoleDoc{
			string(domain.RoleAdmin): {
				Operations: []string{"query", "mutation"},
				Allow:      []string{"**"},
			},
			string(domain.RoleOperator): {
				Operations: []string{"query", "mutation"},
				Allow:      []string{"workspace**", "flow**", "task_run**", "agent**", "log**", "project**"},
			},
			string(domain.RoleReadOnly): {
				Operations: []string{"query"},
				Allow:      []string{"workspace**", "flow**", "task_run**", "log**", "project**"},
			},
		},
		Workspace: WorkspaceDoc{
			Argument:  "id",
			Scoped:    []string{"workspace"},
			Filter:    []string{"flow", "flow_run", "task_run", "project", "log", "agent"},
			Ownership: []string{"*_by_pk", "get_task_run_info", "mapped_children"},
		},
	})
	if err != nil {
		panic(err)
	}
	return rules
}

func compilePatterns(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

func matchAny(globs []glob.Glob, path string) bool {
	for _, g := range globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

func (r *Rules) SubscriptionsAllowed() bool { return r.subscriptionsAllowed }

func (r *Rules) WorkspaceArgument() string { return r.workspaceArgument }

func (r *Rules) RoleAllowsOperation(role domain.Role, kind domain.OperationKind) bool {
	// Read-only principals never reach mutations or subscriptions, whatever
	// the rule table says.
	if role == domain.RoleReadOnly && kind != domain.OperationQuery {
		return false
	}
	rr, ok := r.roles[role]
	if !ok {
		return false
	}
	return rr.operations[kind]
}

func (r *Rules) FieldAllowed(role domain.Role, path string) bool {
	rr, ok := r.roles[role]
	if !ok {
		return false
	}
	return matchAny(rr.allow, path)
}

func (r *Rules) IsPublic(path string) bool { return matchAny(r.public, path) }

func (r *Rules) IsWorkspaceScoped(path string) bool { return matchAny(r.scoped, path) }

func (r *Rules) NeedsWorkspaceFilter(path string) bool { return matchAny(r.filter, path) }

func (r *Rules) NeedsOwnershipCheck(path string) bool { return matchAny(r.ownership, path) }

// Handle is an atomically swappable pointer to the active rule table.
// Reload replaces the table wholesale; readers never observe a partial
// update.
type Handle struct {
	current atomic.Pointer[Rules]
}

func NewHandle(rules *Rules) *Handle {
	h := &Handle{}
	h.current.Store(rules)
	return h
}

func (h *Handle) Current() *Rules { return h.current.Load() }

func (h *Handle) Swap(rules *Rules) { h.current.Store(rules) }
