package handler

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

//go:embed openapi.json
var openAPIDoc []byte

var openAPIETag = func() string {
	sum := sha256.Sum256(openAPIDoc)
	return `"` + hex.EncodeToString(sum[:8]) + `"`
}()

// SetupSwagger mounts the API reference: /swagger/doc.json is the embedded OpenAPI
// document and any other path under /swagger renders the UI for it.
func SetupSwagger(router *gin.Engine) {
	router.GET("/swagger/*any", func(c *gin.Context) {
		if strings.TrimPrefix(c.Param("any"), "/") != "doc.json" {
			c.Data(http.StatusOK, "text/html; charset=utf-8", swaggerPage)
			return
		}
		c.Header("ETag", openAPIETag)
		c.Header("Cache-Control", "public, max-age=300")
		if c.GetHeader("If-None-Match") == openAPIETag {
			c.Status(http.StatusNotModified)
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", openAPIDoc)
	})
}

var swaggerPage = []byte(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>Hybrid Payments API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5.11.0/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5.11.0/swagger-ui-bundle.js"></script>
  <script>
    window.ui = SwaggerUIBundle({
      url: '/swagger/doc.json',
      dom_id: '#swagger-ui',
      deepLinking: true,
      persistAuthorization: true,
      tryItOutEnabled: false
    });
  </script>
</body>
</html>`)
