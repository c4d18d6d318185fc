package server

import (
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ncol/publisher-service/internal/models"
)

// Platforms whose app review requires OAuth, deauthorisation and data deletion callback pages
var compliancePlatforms = models.NewPlatformSet(
	models.PlatformFacebook,
	models.PlatformInstagram,
	models.PlatformThreads,
)

var complianceMessages = map[string]string{
	"callback":      "Authorization completed. You can close this window.",
	"deauthorize":   "The application has been removed from your account.",
	"data-deletion": "Your data deletion request has been received. This site does not keep personal data from your account.",
}

var complianceTemplate = template.Must(template.New("compliance").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Platform}}</title></head>
<body>
<h1>{{.Platform}}</h1>
<p>{{.Message}}</p>
</body>
</html>
`))

func (s *Server) handleCompliance(c *gin.Context) {
	platform, ok := models.ParsePlatform(c.Param("platform"))
	if !ok || !compliancePlatforms.Has(platform) {
		c.Status(http.StatusNotFound)
		return
	}
	message, ok := complianceMessages[c.Param("page")]
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}

	c.HTML(http.StatusOK, "compliance", gin.H{
		"Platform": platform.Label(),
		"Message":  message,
	})
}
