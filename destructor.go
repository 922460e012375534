package confine

import (
	"fmt"
	"io"

	"github.com/kolkov/confine/internal/confine/registry"
	"github.com/kolkov/confine/internal/observability"
)

// Dropper is implemented by values that release resources in Drop.
type Dropper interface {
	Drop()
}

// destructorFor returns the default destructor of v, or nil when v has none.
func destructorFor[T any](v T) func(T) {
	switch any(v).(type) {
	case Dropper:
		return func(x T) { any(x).(Dropper).Drop() }
	case io.Closer:
		return func(x T) {
			if err := any(x).(io.Closer).Close(); err != nil {
				observability.Logger().Warn().Err(err).
					Str("type", typeName[T]()).
					Msg("close failed during destruction")
			}
		}
	default:
		return nil
	}
}

// erase adapts a typed destructor to a registry entry.
func erase[T any](destroy func(T)) func(any) {
	if destroy == nil {
		return nil
	}
	return func(v any) {
		x, _ := v.(T)
		destroy(x)
	}
}

func typeName[T any]() string {
	var p *T
	return fmt.Sprintf("%T", p)[1:]
}

func entryFor[T any](v T, destroy func(T), origin GoroutineID, created uint64) registry.Entry {
	return registry.Entry{
		Value:   v,
		Destroy: erase(destroy),
		Origin:  origin,
		Stack:   created,
	}
}
