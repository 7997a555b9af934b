// Package middleware holds the chi middleware shared by the HTTP server.
package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// Cors allows browser clients served from origins. An empty list falls back
// to the local frontend dev server.
func Cors(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"http://localhost:4321"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "If-None-Match"},
		ExposedHeaders:   []string{"ETag"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
