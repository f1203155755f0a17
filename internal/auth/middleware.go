package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const userIDKey contextKey = "authUserID"

var errNoToken = errors.New("authorization header required")

// GetUserID retrieves the authenticated subject from context.
func GetUserID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(userIDKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// WithUserID returns a copy of ctx carrying subject.
func WithUserID(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, userIDKey, subject)
}

// Verifier validates HS256-family bearer tokens.
type Verifier struct {
	secret   []byte
	audience string
}

// NewVerifier returns nil when secret is blank, meaning auth is disabled.
func NewVerifier(secret, audience string) *Verifier {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret), audience: strings.TrimSpace(audience)}
}

// Subject parses the Authorization header value and returns the token subject.
func (v *Verifier) Subject(header string) (string, error) {
	tokenString, err := extractBearerToken(header)
	if err != nil {
		return "", err
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}
	if v.audience != "" && !containsAudience(claims.Audience, v.audience) {
		return "", errors.New("invalid audience")
	}
	if claims.Subject == "" {
		return "", errors.New("missing subject")
	}
	return claims.Subject, nil
}

// Required rejects requests without a valid bearer token.
func (v *Verifier) Required() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject, err := v.Subject(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}
		setSubject(c, subject)
		c.Next()
	}
}

// Optional identifies the caller when a token is present and lets anonymous
// requests through. A malformed or invalid token is still rejected.
func (v *Verifier) Optional() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject, err := v.Subject(c.Request.Header.Get("Authorization"))
		switch {
		case errors.Is(err, errNoToken):
		case err != nil:
			unauthorized(c, err.Error())
			return
		default:
			setSubject(c, subject)
		}
		c.Next()
	}
}

func setSubject(c *gin.Context, subject string) {
	c.Request = c.Request.WithContext(WithUserID(c.Request.Context(), subject))
	c.Set(string(userIDKey), subject)
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errNoToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}

func containsAudience(claims jwt.ClaimStrings, expected string) bool {
	for _, aud := range claims {
		if aud == expected {
			return true
		}
	}
	return false
}
