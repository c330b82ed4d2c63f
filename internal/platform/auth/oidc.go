package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Verifier turns a raw bearer token into an identity.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (Identity, error)
}

type OIDCVerifier struct {
	verifier   *oidc.IDTokenVerifier
	rolesClaim string
	emailClaim string
}

// NewOIDCVerifier discovers the issuer's signing keys.
func NewOIDCVerifier(ctx context.Context, cfg Config) (*OIDCVerifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	return newOIDCVerifier(provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}), cfg), nil
}

// NewOIDCVerifierWithKeySet verifies against a fixed key set without discovery.
func NewOIDCVerifierWithKeySet(cfg Config, keys oidc.KeySet) *OIDCVerifier {
	v := oidc.NewVerifier(cfg.OIDCIssuerURL, keys, &oidc.Config{ClientID: cfg.OIDCClientID})
	return newOIDCVerifier(v, cfg)
}

func newOIDCVerifier(v *oidc.IDTokenVerifier, cfg Config) *OIDCVerifier {
	return &OIDCVerifier{verifier: v, rolesClaim: cfg.RolesClaim, emailClaim: cfg.EmailClaim}
}

func (o *OIDCVerifier) Verify(ctx context.Context, rawToken string) (Identity, error) {
	idToken, err := o.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Identity{}, err
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, err
	}
	email, _ := claims[o.emailClaim].(string)
	return Identity{
		Subject: idToken.Subject,
		Email:   email,
		Roles:   extractRolesClaim(claims, o.rolesClaim),
	}, nil
}

func tokenFromHeader(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func extractRolesClaim(claims map[string]any, key string) []string {
	switch typed := claims[key].(type) {
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	case string:
		return parseCSV(typed)
	default:
		return nil
	}
}
