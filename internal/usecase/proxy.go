package usecase

import (
	"context"

	"flowgate/internal/domain"

	"go.uber.org/zap"
)

// Proxy runs the request pipeline: authenticate, inspect, forward. Each
// stage either produces input for the next or rejects; a rejected request
// never reaches a later stage.
type Proxy struct {
	Auth      *Authenticator
	Inspector *Inspector
	Forwarder domain.Forwarder
	Logger    *zap.Logger
}

func (p *Proxy) Execute(ctx context.Context, token string, req domain.GraphQLRequest) (*domain.UpstreamResponse, error) {
	result, err := p.Auth.Authenticate(ctx, domain.TokenCredential{Token: token})
	if err != nil {
		return nil, err
	}
	auth := result.Context

	inspected, err := p.Inspector.Inspect(ctx, req, auth)
	if err != nil {
		return nil, err
	}
	if inspected.Rewritten {
		p.logger().Debug("operation rewritten",
			zap.String("principal", auth.Username),
			zap.String("kind", string(inspected.Kind)),
		)
	}

	resp, err := p.Forwarder.Forward(ctx, inspected.Request, inspected.Kind)
	if err != nil {
		return nil, err
	}
	p.logger().Info("forwarded",
		zap.String("principal", auth.Username),
		zap.String("kind", string(inspected.Kind)),
		zap.Int("upstream_status", resp.Status),
	)
	return resp, nil
}

func (p *Proxy) logger() *zap.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return zap.NewNop()
}
