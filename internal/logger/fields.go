package logger

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// HTTP

func RequestID(v string) zap.Field {
	return zap.String("request_id", v)
}

func Method(v string) zap.Field {
	return zap.String("method", v)
}

func Path(v string) zap.Field {
	return zap.String("path", v)
}

func Status(v int) zap.Field {
	return zap.Int("status", v)
}

func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

func Bytes(v int) zap.Field {
	return zap.Int("bytes", v)
}

func ClientIP(v string) zap.Field {
	return zap.String("client_ip", v)
}

// Keys

// KeyID tags an entry with a key identifier.
func KeyID(v string) zap.Field {
	return zap.String("kid", v)
}

func KeyIDs(v []string) zap.Field {
	return zap.Strings("kids", v)
}

// System

// Component tags an entry with the emitting subsystem.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

func Op(v string) zap.Field {
	return zap.String("op", v)
}

func Err(err error) zap.Field {
	return zap.Error(err)
}

func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// EventKind tags an entry with a scheduler event kind.
func EventKind(v fmt.Stringer) zap.Field {
	return zap.Stringer("event", v)
}
