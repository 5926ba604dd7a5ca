package logging

import (
	"time"

	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

type (
	zerologEvent struct {
		z   *zerolog.Event
		msg string
		lvl logiface.Level
		//lint:ignore U1000 embedded for it's methods
		unimplementedEvent
	}

	zerologLogger struct {
		z zerolog.Logger
	}

	//lint:ignore U1000 used to embed without exporting
	unimplementedEvent = logiface.UnimplementedEvent
)

func withZerolog(z zerolog.Logger) logiface.Option[*zerologEvent] {
	l := &zerologLogger{z: z}
	return logiface.WithOptions[*zerologEvent](
		logiface.WithWriter[*zerologEvent](l),
		logiface.WithEventFactory[*zerologEvent](l),
	)
}

func (x *zerologEvent) Level() logiface.Level {
	if x != nil {
		return x.lvl
	}
	return logiface.LevelDisabled
}

// zerolog events are nil when disabled, and nil-safe

func (x *zerologEvent) AddField(key string, val any) { x.z.Interface(key, val) }

func (x *zerologEvent) AddMessage(msg string) bool {
	x.msg = msg
	return true
}

func (x *zerologEvent) AddError(err error) bool {
	x.z.AnErr(zerolog.ErrorFieldName, err)
	return true
}

func (x *zerologEvent) AddString(key string, val string) bool {
	x.z.Str(key, val)
	return true
}

func (x *zerologEvent) AddInt(key string, val int) bool {
	x.z.Int(key, val)
	return true
}

func (x *zerologEvent) AddInt64(key string, val int64) bool {
	x.z.Int64(key, val)
	return true
}

func (x *zerologEvent) AddUint64(key string, val uint64) bool {
	x.z.Uint64(key, val)
	return true
}

func (x *zerologEvent) AddFloat64(key string, val float64) bool {
	x.z.Float64(key, val)
	return true
}

func (x *zerologEvent) AddBool(key string, val bool) bool {
	x.z.Bool(key, val)
	return true
}

func (x *zerologEvent) AddTime(key string, val time.Time) bool {
	x.z.Time(key, val)
	return true
}

func (x *zerologEvent) AddDuration(key string, val time.Duration) bool {
	x.z.Dur(key, val)
	return true
}

func (x *zerologLogger) NewEvent(level logiface.Level) *zerologEvent {
	return &zerologEvent{
		z:   x.z.WithLevel(toZerologLevel(level)),
		lvl: level,
	}
}

func (x *zerologLogger) Write(event *zerologEvent) error {
	if event.z == nil {
		return logiface.ErrDisabled
	}
	event.z.Msg(event.msg)
	return nil
}

// toZerologLevel maps logiface.Level to zerolog.Level. WithLevel does not
// exit or panic, for the fatal and panic levels.
func toZerologLevel(level logiface.Level) zerolog.Level {
	switch level {
	case logiface.LevelTrace:
		return zerolog.TraceLevel
	case logiface.LevelDebug:
		return zerolog.DebugLevel
	case logiface.LevelInformational:
		return zerolog.InfoLevel
	case logiface.LevelNotice, logiface.LevelWarning:
		return zerolog.WarnLevel
	case logiface.LevelError, logiface.LevelCritical:
		return zerolog.ErrorLevel
	case logiface.LevelAlert:
		return zerolog.FatalLevel
	case logiface.LevelEmergency:
		return zerolog.PanicLevel
	default:
		return zerolog.NoLevel
	}
}
