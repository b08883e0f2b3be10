package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/c50bossio/hybrid-payments/internal/dto"
	"github.com/c50bossio/hybrid-payments/internal/middleware"
)

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, dto.ErrorListResponse{
		Error: "validation failed: " + err.Error(),
	})
}

func forbidden(c *gin.Context) {
	c.JSON(http.StatusForbidden, middleware.ErrorResponse{Error: "merchant not accessible with this token"})
}

// merchantScope resolves the merchant a request acts on: the merchant_id query
// parameter, or the token's merchant when the parameter is absent.
func merchantScope(c *gin.Context) (string, bool) {
	merchantID := c.Query("merchant_id")
	if merchantID == "" {
		if claims, ok := middleware.ClaimsFrom(c); ok {
			merchantID = claims.MerchantID
		}
	}
	if merchantID == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorListResponse{Error: "merchant_id is required"})
		return "", false
	}
	if !middleware.CanAccessMerchant(c, merchantID) {
		forbidden(c)
		return "", false
	}
	return merchantID, true
}

func queryTime(c *gin.Context, key string) (*time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
