// Package filestore abstracts the experiment's shared storage. Paths are
// slash-separated keys relative to the experiment root, for example
// "experiment-folders/libpng-afl/trial-3/corpus/corpus-archive-0001.tar.gz".
package filestore

import (
	"b3bench/config"
	"context"
	"errors"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrNotExist is returned when a remote object is missing.
var ErrNotExist = errors.New("filestore: object does not exist")

type Filestore interface {
	// Download copies remotePath into localPath, replacing it.
	Download(ctx context.Context, remotePath, localPath string) error
	// Upload copies localPath to remotePath, replacing it.
	Upload(ctx context.Context, localPath, remotePath string) error
	Exists(ctx context.Context, remotePath string) (bool, error)
	// List returns the keys under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Remove(ctx context.Context, remotePath string) error
	// Sync uploads every regular file under localDir to remoteDir.
	Sync(ctx context.Context, localDir, remoteDir string) error
	Read(ctx context.Context, remotePath string) ([]byte, error)
	Write(ctx context.Context, remotePath string, data []byte) error
}

type FilestoreParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.AppConfig
	Logger    *zap.Logger
}

// NewFilestore resolves the configured backend once, at startup.
func NewFilestore(p FilestoreParams) (Filestore, error) {
	fsConfig := p.Config.Experiment.Filestore
	switch fsConfig.Backend {
	case config.FilestoreLocal:
		p.Logger.Info("using local filestore", zap.String("root", fsConfig.Root))
		return NewLocal(fsConfig.Root)
	case config.FilestoreGCS:
		store, err := NewGCS(context.Background(), fsConfig.Bucket, fsConfig.Root)
		if err != nil {
			return nil, fmt.Errorf("failed to create gcs client: %w", err)
		}
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return store.Close()
			},
		})
		p.Logger.Info("using gcs filestore",
			zap.String("bucket", fsConfig.Bucket),
			zap.String("prefix", fsConfig.Root))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown filestore backend %q", fsConfig.Backend)
	}
}
