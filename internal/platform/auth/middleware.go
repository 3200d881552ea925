package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
	ProfileIDKey contextKey = "profile_id"
)

const (
	RolePatient  = "patient"
	RoleProvider = "provider"
	RoleAdmin    = "admin"
)

// Development impersonation headers, honoured only by DevAuthMiddleware.
const (
	DevRoleHeader      = "X-Dev-Role"
	DevProfileIDHeader = "X-Dev-Profile-ID"
)

// Claims are the bearer token claims issued by the identity service.
// ProfileID is the patient or provider profile the subject acts as.
type Claims struct {
	jwt.RegisteredClaims
	TenantID  string   `json:"tenant_id"`
	Roles     []string `json:"roles"`
	ProfileID int64    `json:"profile_id"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 validation instead of JWKS.
	SigningKey []byte
	Skipper    func(echo.Context) bool
}

func (cfg JWTConfig) keyFunc() jwt.Keyfunc {
	if len(cfg.SigningKey) > 0 {
		key := cfg.SigningKey
		return func(t *jwt.Token) (interface{}, error) { return key, nil }
	}
	return jwksKeyFunc(cfg.JWKSURL)
}

func (cfg JWTConfig) parserOptions() []jwt.ParserOption {
	methods := []string{"RS256"}
	if len(cfg.SigningKey) > 0 {
		methods = []string{"HS256"}
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return opts
}

func bearerToken(r *http.Request) (string, *echo.HTTPError) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return strings.TrimSpace(token), nil
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	keyFunc := cfg.keyFunc()
	opts := cfg.parserOptions()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			tokenStr, herr := bearerToken(c.Request())
			if herr != nil {
				return herr
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			// Read by the tenant middleware.
			c.Set("jwt_tenant_id", claims.TenantID)

			ctx := WithIdentity(c.Request().Context(), claims.Subject, claims.Roles, claims.ProfileID)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// DevAuthMiddleware lets unauthenticated requests through as the identity
// named by the X-Dev-Role and X-Dev-Profile-ID headers (admin by default).
// Requests that carry a bearer token are still validated by verify.
func DevAuthMiddleware(verify echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		verified := verify(next)
		return func(c echo.Context) error {
			req := c.Request()
			if req.Header.Get("Authorization") != "" {
				return verified(c)
			}

			role := req.Header.Get(DevRoleHeader)
			if role == "" {
				role = RoleAdmin
			}
			var profileID int64
			if raw := req.Header.Get(DevProfileIDHeader); raw != "" {
				id, err := strconv.ParseInt(raw, 10, 64)
				if err != nil || id <= 0 {
					return echo.NewHTTPError(http.StatusBadRequest, "invalid "+DevProfileIDHeader)
				}
				profileID = id
			}

			ctx := WithIdentity(req.Context(), "dev-"+role, []string{role}, profileID)
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

// WithIdentity stores the caller identity in ctx.
func WithIdentity(ctx context.Context, userID string, roles []string, profileID int64) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	return context.WithValue(ctx, ProfileIDKey, profileID)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// ProfileIDFromContext returns the caller's patient or provider profile id,
// or 0 when the caller has none.
func ProfileIDFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(ProfileIDKey).(int64)
	return id
}

func HasRole(ctx context.Context, role string) bool {
	for _, r := range RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}
