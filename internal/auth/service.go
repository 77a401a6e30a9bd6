package auth

import (
	"context"

	"go.uber.org/zap"

	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/logging"
	"github.com/samfms/core/internal/metrics"
)

// Service is the auth gate: a token cache in front of a verifier, plus the
// permission checks handlers call once they hold a principal.
type Service struct {
	cache    TokenCache
	verifier Verifier
	log      *zap.Logger
	mc       *metrics.Collector
}

func NewService(cache TokenCache, verifier Verifier, log *zap.Logger, mc *metrics.Collector) *Service {
	if log == nil {
		log = logging.Global()
	}
	return &Service{cache: cache, verifier: verifier, log: log, mc: mc}
}

// Authenticate resolves a raw bearer token, consulting the cache first.
// Verified principals are cached under the token hash; failures are not.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, errs.Authentication("missing token")
	}
	hash := HashToken(token)
	if p, ok := s.cache.Get(ctx, hash); ok {
		if s.mc != nil {
			s.mc.RecordTokenCache(true)
		}
		return p, nil
	}
	if s.mc != nil {
		s.mc.RecordTokenCache(false)
	}

	p, err := s.verifier.Verify(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	s.cache.Set(ctx, hash, p)
	return p, nil
}

// Invalidate drops a token from the cache, forcing re-verification.
func (s *Service) Invalidate(ctx context.Context, token string) {
	s.cache.Delete(ctx, HashToken(token))
}

// RequirePermission fails with an authorization error unless the principal
// holds a permission covering action on resource at the given scope.
func (s *Service) RequirePermission(p Principal, action, resource, scope string) error {
	if p.Satisfies(Permission{Action: action, Resource: resource, Scope: scope}) {
		return nil
	}
	return errs.Authorization("role %s may not %s %s at %s scope", p.Role, action, resource, scope)
}

// RequireRole fails with an authorization error unless the principal's role
// is at least minRole.
func (s *Service) RequireRole(p Principal, minRole string) error {
	if p.HasRole(minRole) {
		return nil
	}
	return errs.Authorization("requires at least %s role", minRole)
}

// SweepTask returns a scheduler task that evicts expired cache entries.
func (s *Service) SweepTask() func(context.Context) error {
	return func(ctx context.Context) error {
		if removed := s.cache.Sweep(ctx); removed > 0 {
			s.log.Debug("token cache swept", zap.Int("removed", removed))
		}
		return nil
	}
}
