package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ServiceLogger derives a logger tagged with app from the configured global
// logger.
func ServiceLogger(app string) zerolog.Logger {
	return log.Logger.With().Str("app", app).Logger()
}
