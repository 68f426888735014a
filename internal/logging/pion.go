package logging

import (
	"fmt"

	plogging "github.com/pion/logging"
	"github.com/rs/zerolog"
)

// PionLoggerFactory routes pion's internal logging into the zerolog sink so
// the media engine shares the process log stream.
func PionLoggerFactory() plogging.LoggerFactory {
	return pionFactory{}
}

type pionFactory struct{}

func (pionFactory) NewLogger(scope string) plogging.LeveledLogger {
	return pionLogger{log: Logger("pion:" + scope)}
}

type pionLogger struct {
	log zerolog.Logger
}

func (l pionLogger) Trace(msg string) { l.log.Trace().Msg(msg) }
func (l pionLogger) Tracef(format string, args ...interface{}) {
	l.log.Trace().Msg(fmt.Sprintf(format, args...))
}

func (l pionLogger) Debug(msg string) { l.log.Debug().Msg(msg) }
func (l pionLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug().Msg(fmt.Sprintf(format, args...))
}

func (l pionLogger) Info(msg string) { l.log.Info().Msg(msg) }
func (l pionLogger) Infof(format string, args ...interface{}) {
	l.log.Info().Msg(fmt.Sprintf(format, args...))
}

func (l pionLogger) Warn(msg string) { l.log.Warn().Msg(msg) }
func (l pionLogger) Warnf(format string, args ...interface{}) {
	l.log.Warn().Msg(fmt.Sprintf(format, args...))
}

func (l pionLogger) Error(msg string) { l.log.Error().Msg(msg) }
func (l pionLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msg(fmt.Sprintf(format, args...))
}
