package handlers

import (
	"net/http"
	"strings"

	"github.com/wudi/restgate/internal/config"
)

// Static serves files from the descriptor's staticPath under its route
// prefix. Responses bypass the envelope; these are raw assets.
func Static(ep *config.Endpoint) http.Handler {
	prefix := strings.TrimSuffix(ep.Route, "/")
	return http.StripPrefix(prefix, http.FileServer(http.Dir(ep.StaticPath)))
}
