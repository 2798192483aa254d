package authx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
)

const (
	KindDevice    = "device"
	KindOperator  = "operator"
	KindDashboard = "dashboard"
)

type AuthContext struct {
	Kind     string
	Subject  string
	DeviceID string
	Email    string
	Name     string
	Roles    []string
	Claims   map[string]any
}

type contextKey struct{}

func WithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if a, ok := v.(AuthContext); ok {
			return a, true
		}
	}
	return AuthContext{}, false
}

// DeviceIDFromContext returns the authenticated device, or "" for operators
// and anonymous requests.
func DeviceIDFromContext(ctx context.Context) string {
	if a, ok := FromContext(ctx); ok {
		return a.DeviceID
	}
	return ""
}

// JWTVerifier checks operator tokens issued by an OIDC provider.
type JWTVerifier struct {
	jwksURL string
	cache   *jwk.Cache
	parser  *jwt.Parser
}

func NewJWTVerifier(ctx context.Context, issuer string, audience string, jwksURL string, ttlSeconds int, clockSkewSeconds int) (*JWTVerifier, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: missing issuer or audience", ErrInvalidToken)
	}
	if jwksURL == "" {
		jwksURL = strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 300
	}
	if clockSkewSeconds < 0 {
		clockSkewSeconds = 0
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(time.Duration(ttlSeconds)*time.Second)); err != nil {
		return nil, fmt.Errorf("register jwks: %w", err)
	}

	return &JWTVerifier{
		jwksURL: jwksURL,
		cache:   cache,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithAudience(audience),
			jwt.WithIssuer(issuer),
			jwt.WithLeeway(time.Duration(clockSkewSeconds)*time.Second),
		),
	}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) (AuthContext, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return AuthContext{}, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.key(ctx, strings.TrimSpace(kid))
	})
	if err != nil {
		return AuthContext{}, ErrInvalidToken
	}

	if claims["exp"] == nil || claims["iss"] == nil || claims["aud"] == nil {
		return AuthContext{}, ErrInvalidToken
	}

	subject := claimString(claims, "sub")
	if subject == "" {
		return AuthContext{}, ErrInvalidToken
	}
	name := claimString(claims, "name")
	if name == "" {
		name = claimString(claims, "preferred_username")
	}

	return AuthContext{
		Kind:    KindOperator,
		Subject: subject,
		Email:   claimString(claims, "email"),
		Name:    name,
		Roles:   parseRoles(claims),
		Claims:  map[string]any(claims),
	}, nil
}

func (v *JWTVerifier) key(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKID
	}
	set, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, err
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		// Provider may have rotated keys since the last fetch.
		set, err = v.cache.Refresh(ctx, v.jwksURL)
		if err != nil {
			return nil, err
		}
		if key, ok = set.LookupKeyID(kid); !ok {
			return nil, ErrUnknownKID
		}
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func claimString(claims jwt.MapClaims, name string) string {
	v, ok := claims[name]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func parseRoles(claims map[string]any) []string {
	var roles []string
	add := func(role string) {
		role = strings.TrimSpace(role)
		if role == "" {
			return
		}
		for _, existing := range roles {
			if existing == role {
				return
			}
		}
		roles = append(roles, role)
	}

	for _, key := range []string{"roles", "role"} {
		switch t := claims[key].(type) {
		case nil:
		case []string:
			for _, role := range t {
				add(role)
			}
		case []any:
			for _, role := range t {
				add(fmt.Sprint(role))
			}
		case string:
			for _, role := range strings.Fields(t) {
				add(role)
			}
		default:
			add(fmt.Sprint(t))
		}
	}
	if s, ok := claims["scp"].(string); ok {
		for _, scope := range strings.Fields(s) {
			add(scope)
		}
	}
	return roles
}
