package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/crisisline/backend/internal/services/auth"
)

// PrincipalClaims represents the authenticated bearer identity for a
// request: a patient device, a dispatcher device, or a facility.
type PrincipalClaims struct {
	SubjectID  string          `json:"subject_id"`
	Kind       auth.SubjectKind `json:"kind"`
	FacilityID string          `json:"facility_id,omitempty"`
}

// jwtServiceKey is the key used to store JWT service in context
const jwtServiceKey = "jwt_service"

// SetJWTService stores the JWT service in the Gin context for use by middlewares
func SetJWTService(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(jwtServiceKey, jwtService)
		c.Next()
	}
}

// GetJWTService retrieves the JWT service from context
func GetJWTService(c *gin.Context) (*auth.JWTService, bool) {
	service, exists := c.Get(jwtServiceKey)
	if !exists {
		return nil, false
	}
	jwtService, ok := service.(*auth.JWTService)
	return jwtService, ok
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthRequired is a middleware that requires a valid JWT bearer token from
// any principal kind.
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		jwtService, ok := GetJWTService(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "authentication service not configured",
			})
			return
		}

		tokenString, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authorization header required",
			})
			return
		}

		claims, err := jwtService.ValidateAccessToken(tokenString)
		if err != nil {
			switch err {
			case auth.ErrExpiredToken:
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "token has expired",
					"code":  "TOKEN_EXPIRED",
				})
			case auth.ErrInvalidToken, auth.ErrInvalidClaims:
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "invalid token",
					"code":  "INVALID_TOKEN",
				})
			default:
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "authentication failed",
				})
			}
			return
		}

		c.Set("principal", &PrincipalClaims{
			SubjectID:  claims.SubjectID,
			Kind:       claims.Kind,
			FacilityID: claims.FacilityID,
		})

		c.Next()
	}
}

// RequireKind is a middleware that requires the authenticated principal to
// be one of the given subject kinds (e.g. RequireKind(auth.SubjectFacility)
// for acknowledgement endpoints).
func RequireKind(kinds ...auth.SubjectKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, exists := GetPrincipal(c)
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}

		allowed := false
		for _, k := range kinds {
			if principal.Kind == k {
				allowed = true
				break
			}
		}

		if !allowed {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":        "insufficient permissions",
				"required_kind": kinds,
				"kind":          principal.Kind,
			})
			return
		}

		c.Next()
	}
}

// GetPrincipal extracts the authenticated principal from context
func GetPrincipal(c *gin.Context) (*PrincipalClaims, bool) {
	claims, exists := c.Get("principal")
	if !exists {
		return nil, false
	}

	principal, ok := claims.(*PrincipalClaims)
	return principal, ok
}

// OptionalAuth is a middleware that optionally validates a JWT bearer token.
// It doesn't block the request if no token is provided, which is used on
// the API SOS intake route where anonymous reports are allowed.
func OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		jwtService, ok := GetJWTService(c)
		if !ok {
			c.Next()
			return
		}

		tokenString, ok := bearerToken(c)
		if !ok {
			c.Next()
			return
		}

		claims, err := jwtService.ValidateAccessToken(tokenString)
		if err != nil {
			c.Next()
			return
		}

		c.Set("principal", &PrincipalClaims{
			SubjectID:  claims.SubjectID,
			Kind:       claims.Kind,
			FacilityID: claims.FacilityID,
		})

		c.Next()
	}
}
