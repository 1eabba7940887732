package bridge

import "net/http"

// CORS policy attached to every response produced by this server.
const (
	AllowOrigin   = "*"
	AllowMethods  = "GET, POST, DELETE, OPTIONS"
	AllowHeaders  = "Content-Type, Accept, Mcp-Session-Id, Mcp-Protocol-Version, Last-Event-ID"
	ExposeHeaders = "Mcp-Session-Id, Mcp-Protocol-Version"
	MaxAge        = "86400"
)

// ApplyCORS sets the fixed CORS headers on h, replacing any existing values.
func ApplyCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", AllowOrigin)
	h.Set("Access-Control-Allow-Methods", AllowMethods)
	h.Set("Access-Control-Allow-Headers", AllowHeaders)
	h.Set("Access-Control-Expose-Headers", ExposeHeaders)
}
