package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const (
	RoleAdmin    = "admin"
	RoleMerchant = "merchant"

	claimsKey = "claims"
)

// Claims is what the identity service puts in its bearer tokens. The engine trusts them
// as issued.
type Claims struct {
	MerchantID string `json:"merchant_id"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// Identity validates HS256 bearer tokens and stores the claims on the context. An empty
// secret disables authentication for local runs.
func Identity(secret string) gin.HandlerFunc {
	key := []byte(secret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "missing bearer token"})
			return
		}

		claims := &Claims{}
		if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		}); err != nil {
			log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("rejected bearer token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid token"})
			return
		}
		if claims.Role != RoleAdmin && claims.MerchantID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "token carries no merchant"})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRole rejects callers whose token does not carry role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if ok && claims.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Error: "insufficient permissions"})
			return
		}
		c.Next()
	}
}

func ClaimsFrom(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// CanAccessMerchant reports whether the caller may act on merchantID. Admins may act on
// any merchant; unauthenticated requests only reach here when authentication is off.
func CanAccessMerchant(c *gin.Context, merchantID string) bool {
	claims, ok := ClaimsFrom(c)
	if !ok {
		return true
	}
	return claims.Role == RoleAdmin || claims.MerchantID == merchantID
}

// Issue signs a token for the given identity. settlectl and tests use it.
func Issue(secret, merchantID, role string, claims jwt.RegisteredClaims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{MerchantID: merchantID, Role: role, RegisteredClaims: claims})
	return t.SignedString([]byte(secret))
}
