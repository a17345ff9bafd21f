package log

import "go.uber.org/zap"

// Production returns a JSON logger at info level and installs it as the zap
// global logger.
func Production(opts ...zap.Option) *zap.Logger {
	l, err := zap.NewProduction(opts...)
	if err != nil {
		panic(err)
	}

	zap.ReplaceGlobals(l)

	return zap.L()
}

func Development(opts ...zap.Option) *zap.Logger {
	opts = append(opts, zap.WithCaller(true))
	l, err := zap.NewDevelopment(
		opts...,
	)

	if err != nil {
		panic(err)
	}

	zap.ReplaceGlobals(l)

	return zap.L()
}

// Nop returns a logger discarding everything, used as the default by every
// component that accepts a logger.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// Or returns l, or a no-op logger if l is nil.
func Or(l *zap.Logger) *zap.Logger {
	if l == nil {
		return Nop()
	}

	return l
}
