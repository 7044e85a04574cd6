package gdrive

import (
	"context"

	"github.com/gobeaver/volumekit"
)

func init() {
	volumekit.RegisterDriver(volumekit.KindCloud, func(ctx context.Context, cfg *volumekit.BuilderConfig) (volumekit.Backend, error) {
		return New(ctx, Config{
			Credentials:  cfg.Cloud.Credentials,
			RootFolderID: cfg.Cloud.RootFolderID,
			Timeout:      cfg.Cloud.Timeout,
		})
	})
}
