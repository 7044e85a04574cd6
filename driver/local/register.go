package local

import (
	"context"

	"github.com/gobeaver/volumekit"
)

func init() {
	volumekit.RegisterDriver(volumekit.KindLocal, func(_ context.Context, cfg *volumekit.BuilderConfig) (volumekit.Backend, error) {
		return New(cfg.UploadPath)
	})
}
