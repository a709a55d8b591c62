package app

import (
	"fmt"

	"github.com/askiada/go-actions-cache/pkg/cache"
)

// Version is set at build time with -ldflags "-X .../internal/app.Version=...".
var Version = "dev"

func runVersion(rc runContext) error {
	_, err := fmt.Fprintf(rc.deps.Out, "ghacache %s (cache format %s)\n", Version, cache.FormatVersion)

	return err
}
