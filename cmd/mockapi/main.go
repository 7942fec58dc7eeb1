// cmd/mockapi runs the in-process mock upstream on a local port, for demoing
// the sync layer without a real backend.
package main

import (
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/syncline/syncline/internal/mockapi"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	addr := os.Getenv("MOCKAPI_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := mockapi.New()
	srv.SetListLag(5 * time.Second)
	srv.Seed("animals", []map[string]any{
		{"name": "Rex", "species": "dog"},
		{"name": "Whiskers", "species": "cat"},
		{"name": "Bubbles", "species": "fish"},
	})

	logger.Info().Str("addr", addr).Msg("mock upstream listening")
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}
