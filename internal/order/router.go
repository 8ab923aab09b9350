package order

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"signal-core/internal/gateway"
	exchange "signal-core/pkg/exchanges/common"
)

// CredentialResolver yields a user's exchange capability.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID, exchangeName string) (exchange.Gateway, error)
}

// HealthReporter receives the outcome of each order sent through a resolved
// gateway. Resolvers that implement it get their circuit fed by the router.
type HealthReporter interface {
	RecordSuccess(userID, exchangeName string)
	RecordFailure(userID, exchangeName string)
}

// Router picks the executor for a user: the shared paper simulator, or a live
// executor bound to the user's resolved gateway.
type Router struct {
	paper    *PaperExecutor
	resolver CredentialResolver
	log      *zap.Logger
}

// NewRouter creates a Router. A nil resolver disables live trading.
func NewRouter(paper *PaperExecutor, resolver CredentialResolver, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{paper: paper, resolver: resolver, log: log}
}

// For returns the executor to use. Only a missing or unusable credential is
// ErrNoCredentials; store failures and an open circuit pass through as-is.
func (r *Router) For(ctx context.Context, userID, exchangeName string, paper bool) (Executor, error) {
	if paper {
		if r.paper == nil {
			return nil, fmt.Errorf("paper trading is not enabled")
		}
		return r.paper, nil
	}
	if r.resolver == nil {
		return nil, fmt.Errorf("%w: live trading disabled", ErrNoCredentials)
	}
	gw, err := r.resolver.Resolve(ctx, userID, exchangeName)
	switch {
	case errors.Is(err, gateway.ErrNotConfigured):
		return nil, fmt.Errorf("%w: %w", ErrNoCredentials, err)
	case err != nil:
		return nil, fmt.Errorf("resolve %s gateway: %w", exchangeName, err)
	}
	if h, ok := r.resolver.(HealthReporter); ok {
		gw = &reportingGateway{Gateway: gw, health: h, userID: userID, venue: exchangeName}
	}
	return NewLiveExecutor(gw, exchangeName, r.log.With(zap.String("user_id", userID))), nil
}

// Paper returns the shared paper executor.
func (r *Router) Paper() *PaperExecutor { return r.paper }

// reportingGateway feeds each submit outcome back to the resolver's circuit.
type reportingGateway struct {
	exchange.Gateway
	health HealthReporter
	userID string
	venue  string
}

func (g *reportingGateway) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	res, err := g.Gateway.SubmitOrder(ctx, req)
	switch {
	case err == nil:
		g.health.RecordSuccess(g.userID, g.venue)
	case countsAgainstGateway(err):
		g.health.RecordFailure(g.userID, g.venue)
	}
	return res, err
}

// countsAgainstGateway reports whether err says the venue or the link is
// unhealthy, as opposed to the order itself being refused.
func countsAgainstGateway(err error) bool {
	return !errors.Is(err, exchange.ErrRejected) &&
		!errors.Is(err, exchange.ErrInsufficient) &&
		!errors.Is(err, exchange.ErrUnknownSymbol) &&
		!errors.Is(err, context.Canceled)
}
