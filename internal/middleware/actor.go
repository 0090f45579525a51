package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/sma-conduct-api/internal/models"
)

// ContextActorKey is the gin context key storing the acting identity.
const ContextActorKey = "currentActor"

// actorHeader is the fallback header trusted when no bearer token is present.
// Authorization itself happens upstream; the actor id is attribution only.
const actorHeader = "X-Actor-ID"

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Actor extracts the reporting actor from a bearer token or the fallback
// header and attaches it to the request context. Requests without an
// identity pass through; services reject mutations missing created_by.
func Actor(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims := parseBearer(c.GetHeader("Authorization"), secret); claims != nil {
			c.Set(ContextActorKey, claims)
			c.Next()
			return
		}
		if id := c.GetHeader(actorHeader); id != "" {
			c.Set(ContextActorKey, &models.ActorClaims{ActorID: id})
		}
		c.Next()
	}
}

// ActorID returns the acting identity attached to the request, if any.
func ActorID(c *gin.Context) string {
	if v, ok := c.Get(ContextActorKey); ok {
		if claims, ok := v.(*models.ActorClaims); ok {
			return claims.ActorID
		}
	}
	return ""
}

func parseBearer(header, secret string) *models.ActorClaims {
	if header == "" || secret == "" {
		return nil
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil
	}

	var claims tokenClaims
	token, err := jwt.ParseWithClaims(parts[1], &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return nil
	}
	return &models.ActorClaims{ActorID: claims.Subject, Role: claims.Role}
}
