package main

import (
	"context"
	"os"

	"pixelcanvas-api/internal/logging"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		logging.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
