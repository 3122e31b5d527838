package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/domain"
)

const actorKey = "actor"

// Claims is the bearer token payload: sub is the user id, roles the granted roles.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Authenticator resolves the caller from an HS256 bearer token.
type Authenticator struct {
	secret []byte
	logger *zap.Logger
}

// NewAuthenticator returns an Authenticator verifying tokens with secret.
func NewAuthenticator(secret string, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{secret: []byte(secret), logger: logger}
}

// Middleware stores the caller's domain.Actor in the context. Requests without a token continue as an
// anonymous actor; a present but invalid token is rejected with 401.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Set(actorKey, domain.Actor{})
			c.Next()
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}
		actor, err := a.Parse(strings.TrimSpace(raw))
		if err != nil {
			a.logger.Info("bearer token rejected", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

// Parse verifies the token and maps its claims onto an Actor. The gateway role is never granted by
// a token.
func (a *Authenticator) Parse(token string) (domain.Actor, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return domain.Actor{}, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return domain.Actor{}, errors.New("token has no subject")
	}

	roles := make([]domain.Role, 0, len(claims.Roles))
	for _, r := range domain.ParseRoles(claims.Roles) {
		if r != domain.RoleGateway {
			roles = append(roles, r)
		}
	}
	return domain.Actor{ID: claims.Subject, Roles: roles}, nil
}

// RequireActor rejects anonymous callers with 401.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !actorFrom(c).Authenticated() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication_required"})
			return
		}
		c.Next()
	}
}

func actorFrom(c *gin.Context) domain.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(domain.Actor); ok {
			return actor
		}
	}
	return domain.Actor{}
}
