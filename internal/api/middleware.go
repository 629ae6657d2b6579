package api

import (
	"errors"
	"net/http"
	"strings"

	"appointment-service/internal/identity"

	"github.com/gin-gonic/gin"
)

const principalKey = "principal"

// authMiddleware requires a valid bearer credential and stores its principal
func authMiddleware(v identity.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			return
		}

		p, err := v.ValidateCredential(token)
		if err != nil {
			msg := "Invalid credential"
			if errors.Is(err, identity.ErrCredentialExpired) {
				msg = "Credential expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		c.Set(principalKey, p)
		c.Next()
	}
}

func requireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := principal(c)
		for _, r := range roles {
			if p.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Not allowed for this role"})
	}
}

func principal(c *gin.Context) identity.Principal {
	p, _ := c.Get(principalKey)
	v, _ := p.(identity.Principal)
	return v
}
