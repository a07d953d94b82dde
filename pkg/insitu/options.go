// pkg/insitu/options.go
package insitu

import (
	"insitu/pkg/catalog"
	"insitu/pkg/config"
	"insitu/pkg/logger"

	"go.uber.org/zap"
)

type options struct {
	codec   catalog.Codec
	lenient bool
}

// Option configures a Reader or Writer.
type Option func(*options)

// WithCodec replaces the gob metadata codec. Writers and readers of one
// stream must agree on it.
func WithCodec(c catalog.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithLenientParams accepts malformed or out-of-range engine parameters,
// falling back to defaults instead of failing Open.
func WithLenientParams() Option {
	return func(o *options) { o.lenient = true }
}

func buildOptions(opts []Option) options {
	o := options{codec: catalog.GobCodec{}}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func engineLogger(base *zap.Logger, p config.EngineParams, role string, rank int) *zap.Logger {
	return logger.ForVerbosity(base, p.Verbose).Named(role).With(zap.Int("rank", rank))
}
