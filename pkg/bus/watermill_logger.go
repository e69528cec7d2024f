package bus

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// zerologAdapter lets Watermill publishers and subscribers log through zerolog.
type zerologAdapter struct {
	logger zerolog.Logger
}

var _ watermill.LoggerAdapter = zerologAdapter{}

// NewWatermillLogger wraps l as a watermill.LoggerAdapter. Watermill's info
// chatter is demoted to debug.
func NewWatermillLogger(l zerolog.Logger) watermill.LoggerAdapter {
	return zerologAdapter{logger: l.With().Str("component", "watermill").Logger()}
}

func (z zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	z.logger.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (z zerologAdapter) Info(msg string, fields watermill.LogFields) {
	z.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (z zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	z.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (z zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	z.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (z zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zerologAdapter{logger: z.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}
