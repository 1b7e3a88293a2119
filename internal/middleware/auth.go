package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fieldline/coordinator/internal/apperrors"
	"github.com/fieldline/coordinator/internal/model"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Authenticator verifies bearer tokens and attaches the resulting caller
// context to the request. Tokens are HS256 JWTs carrying the caller id in
// "sub" plus tenant and role claims.
type Authenticator struct {
	secret []byte
	errs   *apperrors.Handler
	logger *zap.Logger
}

// NewAuthenticator creates an authenticator with the given signing secret.
func NewAuthenticator(secret []byte, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		secret: secret,
		errs:   apperrors.NewHandler(logger),
		logger: logger,
	}
}

// Authenticate rejects requests without a valid bearer token.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			a.errs.HandleError(w, r, fmt.Errorf("%w: missing bearer token", apperrors.ErrUnauthenticated))
			return
		}

		caller, err := a.verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			a.logger.Debug("Token verification failed",
				zap.String("request_id", r.Header.Get("X-Request-ID")),
				zap.Error(err))
			a.errs.HandleError(w, r, fmt.Errorf("%w: %v", apperrors.ErrUnauthenticated, err))
			return
		}

		ctx := context.WithValue(r.Context(), CallerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) verify(tokenString string) (model.CallerContext, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return model.CallerContext{}, errors.New("token expired")
		}
		return model.CallerContext{}, err
	}
	if !token.Valid {
		return model.CallerContext{}, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return model.CallerContext{}, errors.New("invalid claims")
	}

	sub, _ := claims["sub"].(string)
	tenantID, _ := claims["tenant"].(string)
	role, _ := claims["role"].(string)
	if sub == "" || tenantID == "" {
		return model.CallerContext{}, errors.New("missing sub or tenant claim")
	}

	caller := model.CallerContext{
		TenantID: tenantID,
		CallerID: sub,
		Role:     model.Role(role),
	}
	if caller.Role != model.RoleMember && caller.Role != model.RoleOwner {
		return model.CallerContext{}, fmt.Errorf("unknown role %q", role)
	}
	return caller, nil
}

// GenerateToken mints an HS256 token for a caller. Used by tests and the
// local development setup.
func (a *Authenticator) GenerateToken(caller model.CallerContext, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":    caller.CallerID,
		"tenant": caller.TenantID,
		"role":   string(caller.Role),
		"iat":    now.Unix(),
		"exp":    now.Add(expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// CallerFrom extracts the authenticated caller from a request context.
func CallerFrom(ctx context.Context) (model.CallerContext, bool) {
	caller, ok := ctx.Value(CallerKey).(model.CallerContext)
	return caller, ok
}
