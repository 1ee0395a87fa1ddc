package closers

import (
	"context"
	"io"

	"github.com/sunupay/sunupay/utils/logging"
)

// Panic calls Close on the specified closer, panicing on error
func Panic(c io.Closer) {
	if err := c.Close(); err != nil {
		panic(err)
	}
}

// Log calls Close on the specified closer, logging any error
func Log(ctx context.Context, c io.Closer) {
	if err := c.Close(); err != nil {
		logging.FromContext(ctx).Error().Err(err).Msg("failed to close")
	}
}
