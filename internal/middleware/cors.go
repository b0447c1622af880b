package middleware

import (
	"net/http"

	"github.com/gorilla/handlers"
)

// CORS allows browser calls from origin only.
func CORS(origin string) func(http.Handler) http.Handler {
	return handlers.CORS(
		handlers.AllowedOrigins([]string{origin}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)
}
