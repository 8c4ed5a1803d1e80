package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/digkill/restyle/internal/models"
)

const deviceHeader = "X-Device-ID"

type ctxKey int

const (
	identityKey ctxKey = iota
	deviceKey
)

var errUnauthorized = errors.New("unauthorized")

// Claims is the signed-in user token; the subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// IssueToken signs a user token. The service only verifies tokens; this helper
// exists for tooling and tests.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(secret, raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// identityMiddleware resolves the caller to User{sub} from a bearer token or
// Guest{deviceId} from the device header, and makes sure the account exists.
func (s *Server) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := strings.TrimSpace(r.Header.Get(deviceHeader))

		var id models.Identity
		if auth := r.Header.Get("Authorization"); auth != "" {
			raw, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok {
				s.writeError(w, r, errUnauthorized)
				return
			}
			claims, err := parseToken(s.opts.JWTSecret, strings.TrimSpace(raw))
			if err != nil {
				s.log.Debug("reject token", "err", err)
				s.writeError(w, r, errUnauthorized)
				return
			}
			id = models.UserIdentity(claims.Subject)
		} else if deviceID != "" {
			id = models.GuestIdentity(deviceID)
		} else {
			s.writeError(w, r, errUnauthorized)
			return
		}
		if err := id.Validate(); err != nil {
			s.writeError(w, r, err)
			return
		}

		if _, err := s.ledger.EnsureAccount(r.Context(), id, deviceID); err != nil {
			s.writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, id)
		ctx = context.WithValue(ctx, deviceKey, deviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(ctx context.Context) models.Identity {
	id, _ := ctx.Value(identityKey).(models.Identity)
	return id
}

func deviceFrom(ctx context.Context) string {
	d, _ := ctx.Value(deviceKey).(string)
	return d
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || !equal(user, s.opts.AdminUsername) || !equal(pass, s.opts.AdminPassword) {
				w.Header().Set("WWW-Authenticate", `Basic realm="restyle"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
