package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	subjectContextKey contextKey = "authenticatedSubject"
	subjectGinKey                = "subject"
)

// ContextWithSubject stores the authenticated token subject in ctx.
func ContextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectContextKey, subject)
}

// SubjectFromContext returns the authenticated token subject if present.
func SubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(subjectContextKey).(string)
	return subject, ok
}

// ExtractToken returns the bearer token from the Authorization header.
func ExtractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

// tokenVerifier validates HS256 bearer tokens.
type tokenVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func newTokenVerifier(secret string) *tokenVerifier {
	return &tokenVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithLeeway(30*time.Second),
		),
	}
}

// Verify parses token and returns its subject. Tokens without a subject are
// accepted and reported as "anonymous".
func (v *tokenVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	claims := jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid bearer token: %w", err)
	}
	if claims.Subject == "" {
		return "anonymous", nil
	}
	return claims.Subject, nil
}

// requireBearer rejects requests without a valid token signed with secret.
func requireBearer(secret string) gin.HandlerFunc {
	verifier := newTokenVerifier(secret)
	return func(c *gin.Context) {
		subject, err := verifier.Verify(ExtractToken(c.Request))
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="relaycast"`)
			abortWithError(c, http.StatusUnauthorized, err)
			return
		}
		c.Set(subjectGinKey, subject)
		c.Request = c.Request.WithContext(ContextWithSubject(c.Request.Context(), subject))
		c.Next()
	}
}

// IssueToken signs an HS256 token for subject. Tools use it to mint operator
// credentials; ttl of zero omits the expiry.
func IssueToken(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is required")
	}
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		Issuer:   "relaycast",
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
