// Package uotel sets up OpenTelemetry export for the mobilesync binary.
package uotel

import (
	"context"
)

// InitOtel installs the providers configured by opts. The returned function flushes and shuts them down.
func InitOtel(ctx context.Context, opts ...Option) (context.Context, func(context.Context) error, error) {
	config := newConfig(opts...)

	initCtx, err := config.init(ctx)
	if err != nil {
		_ = config.Close(context.WithoutCancel(ctx))
		return nil, nil, err
	}

	return initCtx, config.Close, nil
}
