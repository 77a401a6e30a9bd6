package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/samfms/core/internal/breaker"
	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/registry"
)

// Verifier resolves a raw bearer token to a principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// RemoteVerifier asks the security service to verify tokens. Transport
// failures and 5xx answers count against the circuit breaker; 401 and 403
// are answers, not failures, so a flood of bad tokens cannot trip it.
type RemoteVerifier struct {
	client  *registry.Client
	brk     *breaker.Breaker
	service string
}

// NewRemoteVerifier builds a verifier calling the named registry service.
func NewRemoteVerifier(client *registry.Client, brk *breaker.Breaker, service string) *RemoteVerifier {
	if service == "" {
		service = "security"
	}
	return &RemoteVerifier{client: client, brk: brk, service: service}
}

type verifyAnswer struct {
	status int
	body   []byte
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (Principal, error) {
	req := map[string]string{"token": token}
	answer, err := breaker.Do(ctx, v.brk, func(ctx context.Context) (verifyAnswer, error) {
		status, body, err := v.client.Do(ctx, v.service, http.MethodPost, "/auth/verify", req)
		if err != nil {
			return verifyAnswer{}, err
		}
		if status >= http.StatusInternalServerError {
			return verifyAnswer{}, errs.ServiceUnavailable("security service returned status %d", status)
		}
		return verifyAnswer{status: status, body: body}, nil
	})
	if err != nil {
		return Principal{}, err
	}

	switch answer.status {
	case http.StatusOK:
		var p Principal
		if err := json.Unmarshal(answer.body, &p); err != nil {
			return Principal{}, errs.Wrap(err, errs.KindUpstream, "security service sent a malformed principal")
		}
		if p.UserID == "" {
			return Principal{}, errs.Upstream("security service sent a principal without user_id")
		}
		return p, nil
	case http.StatusUnauthorized:
		return Principal{}, errs.Authentication("token rejected")
	case http.StatusForbidden:
		return Principal{}, errs.Authorization("token lacks access")
	default:
		return Principal{}, errs.Upstream("security service returned status %d", answer.status)
	}
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Email       string       `json:"email,omitempty"`
	Role        string       `json:"role"`
	Permissions []Permission `json:"permissions,omitempty"`
	OrgID       string       `json:"org_id,omitempty"`
	FleetIDs    []string     `json:"fleet_ids,omitempty"`
}

// LocalVerifier validates HS256 tokens with a shared secret. Used when the
// deployment runs without a security service.
type LocalVerifier struct {
	secret []byte
}

func NewLocalVerifier(secret string) (*LocalVerifier, error) {
	if secret == "" {
		return nil, errs.Validation("local token verification needs a signing secret")
	}
	return &LocalVerifier{secret: []byte(secret)}, nil
}

func (v *LocalVerifier) Verify(ctx context.Context, token string) (Principal, error) {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Principal{}, errs.Wrap(err, errs.KindAuthentication, "token rejected")
	}
	if !parsed.Valid {
		return Principal{}, errs.Authentication("token rejected")
	}
	if claims.Subject == "" {
		return Principal{}, errs.Authentication("token has no subject")
	}
	return Principal{
		UserID:      claims.Subject,
		Email:       claims.Email,
		Role:        claims.Role,
		Permissions: claims.Permissions,
		OrgID:       claims.OrgID,
		FleetIDs:    claims.FleetIDs,
	}, nil
}
