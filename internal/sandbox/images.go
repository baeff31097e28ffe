package sandbox

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"polyglot-exec/internal/runtime"
)

// ImageChecker reports whether a runner image is available to a backend.
type ImageChecker interface {
	HasImage(ctx context.Context, ref string) (bool, error)
}

// MissingImages returns the registry's runner images that checker cannot find.
func MissingImages(ctx context.Context, checker ImageChecker, registry *runtime.Registry) ([]string, error) {
	var missing []string
	for _, ref := range registry.Images() {
		ok, err := checker.HasImage(ctx, ref)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, ref)
		}
	}
	return missing, nil
}

// reportMissingImages logs absent runner images. Startup continues: runs for
// those languages fail with ErrInfrastructure until the image is provisioned.
func reportMissingImages(ctx context.Context, checker ImageChecker, registry *runtime.Registry) {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	missing, err := MissingImages(checkCtx, checker, registry)
	if err != nil {
		log.Warn().Err(err).Msg("could not verify runner images")
		return
	}
	if len(missing) > 0 {
		log.Warn().Strs("images", missing).Msg("runner images missing")
		return
	}
	log.Info().Int("count", len(registry.Images())).Msg("all runner images present")
}
