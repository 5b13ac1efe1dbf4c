package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Roles recognized by the chat core. They arrive from the session provider;
// the core trusts them and never re-validates credentials.
const (
	RoleAgent = "agent"
	RoleAdmin = "admin"
)

// Identity is what the session provider supplies for every request.
type Identity struct {
	UserID string
	Roles  []string
}

// HasRole reports whether the identity carries the role.
func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

const (
	identityContextKey = "auth_identity"

	userIDHeader = "X-User-Id"
	rolesHeader  = "X-User-Roles"
)

// Middleware extracts the identity the fronting session service attached to
// the request. Requests without an identity are rejected.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identityFromHeaders(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		c.Set(identityContextKey, id)
		c.Next()
	}
}

// GuestMiddleware is the live-chat variant: an anonymous visitor gets a
// minted guest identity instead of a rejection.
func GuestMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identityFromHeaders(c)
		if !ok {
			id = Identity{UserID: "guest_" + uuid.NewString()}
		}
		c.Set(identityContextKey, id)
		c.Next()
	}
}

// RequireRole aborts with 403 unless the authenticated identity has the role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFromContext(c)
		if !ok || !id.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}
		c.Next()
	}
}

// IdentityFromContext retrieves the identity stored by the middleware.
func IdentityFromContext(c *gin.Context) (Identity, bool) {
	val, ok := c.Get(identityContextKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := val.(Identity)
	return id, ok
}

func identityFromHeaders(c *gin.Context) (Identity, bool) {
	userID := strings.TrimSpace(c.GetHeader(userIDHeader))
	if userID == "" {
		return Identity{}, false
	}
	var roles []string
	for _, r := range strings.Split(c.GetHeader(rolesHeader), ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return Identity{UserID: userID, Roles: roles}, true
}
