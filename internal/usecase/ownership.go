package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"flowgate/internal/domain"
	"flowgate/internal/infra/cache"

	"go.uber.org/zap"
)

// ownershipMiss marks a cached negative probe, so repeated requests for a
// missing or foreign entity do not keep hitting the upstream.
const ownershipMiss = "!"

// OwnershipChecker answers "which workspace does this entity live in" by
// probing the upstream with a primary-key lookup selecting workspace_id,
// and caches the answer. A probe failure is reported as an error so the
// inspector can fail closed.
type OwnershipChecker struct {
	Forwarder domain.Forwarder
	Cache     cache.KV
	TTL       time.Duration
	Logger    *zap.Logger
}

// EntityInWorkspaces reports whether the entity addressed by field(id) is
// owned by one of the given workspaces.
func (o *OwnershipChecker) EntityInWorkspaces(ctx context.Context, field, id string, workspaces []string) (bool, error) {
	workspaceID, err := o.entityWorkspace(ctx, field, id)
	if err != nil {
		return false, err
	}
	if workspaceID == ownershipMiss {
		return false, nil
	}
	for _, ws := range workspaces {
		if ws == workspaceID {
			return true, nil
		}
	}
	return false, nil
}

func (o *OwnershipChecker) entityWorkspace(ctx context.Context, field, id string) (string, error) {
	key := "own:" + field + ":" + id
	if o.Cache != nil {
		if value, ok, err := o.Cache.Get(ctx, key); err == nil && ok {
			return value, nil
		}
	}

	workspaceID, err := o.probe(ctx, field, id)
	if err != nil {
		return "", err
	}
	if o.Cache != nil {
		if err := o.Cache.Set(ctx, key, workspaceID, o.TTL); err != nil {
			o.logger().Warn("ownership cache write failed", zap.Error(err))
		}
	}
	return workspaceID, nil
}

func (o *OwnershipChecker) probe(ctx context.Context, field, id string) (string, error) {
	// The id travels as a variable so user input never becomes query syntax.
	req := domain.GraphQLRequest{
		Query:     fmt.Sprintf("query OwnershipProbe($id: uuid!) { %s(id: $id) { workspace_id } }", field),
		Variables: map[string]any{"id": id},
	}

	resp, err := o.Forwarder.Forward(ctx, req, domain.OperationQuery)
	if err != nil {
		return "", fmt.Errorf("ownership probe: %w", err)
	}
	if resp.Status != http.StatusOK {
		return ownershipMiss, nil
	}
	var envelope struct {
		Data   map[string]json.RawMessage `json:"data"`
		Errors []json.RawMessage          `json:"errors"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return "", fmt.Errorf("ownership probe: decode: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return ownershipMiss, nil
	}
	raw, ok := envelope.Data[field]
	if !ok {
		return ownershipMiss, nil
	}
	var entity struct {
		WorkspaceID string `json:"workspace_id"`
	}
	if err := json.Unmarshal(raw, &entity); err != nil || entity.WorkspaceID == "" {
		return ownershipMiss, nil
	}
	return entity.WorkspaceID, nil
}

func (o *OwnershipChecker) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}
