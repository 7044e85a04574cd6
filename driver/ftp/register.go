package ftp

import (
	"context"

	"github.com/gobeaver/volumekit"
)

func init() {
	volumekit.RegisterDriver(volumekit.KindFTP, func(_ context.Context, cfg *volumekit.BuilderConfig) (volumekit.Backend, error) {
		return New(Config{
			Host:     cfg.FTP.Host,
			Port:     cfg.FTP.Port,
			Username: cfg.FTP.User,
			Password: cfg.FTP.Password,
			BasePath: cfg.FTP.Dir,
			Timeout:  cfg.FTP.Timeout,
		}), nil
	})
}
