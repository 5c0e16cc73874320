package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCS stores the experiment tree under a prefix of a Cloud Storage bucket.
// Credentials come from the Application Default Credentials.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

func NewGCS(ctx context.Context, bucket, prefix string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCS{
		client: client,
		bucket: client.Bucket(bucket),
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) object(remotePath string) string {
	key := strings.TrimPrefix(path.Clean("/"+remotePath), "/")
	if g.prefix == "" {
		return key
	}
	return g.prefix + "/" + key
}

func (g *GCS) Download(ctx context.Context, remotePath, localPath string) (err error) {
	reader, err := g.bucket.Object(g.object(remotePath)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%s: %w", remotePath, ErrNotExist)
	}
	if err != nil {
		return fmt.Errorf("failed to read %v: %w", remotePath, err)
	}
	defer reader.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()
	if _, err = io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to download %v: %w", remotePath, err)
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), localPath)
}

func (g *GCS) Upload(ctx context.Context, localPath, remotePath string) error {
	local, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer local.Close()

	w := g.bucket.Object(g.object(remotePath)).NewWriter(ctx)
	if _, err := io.Copy(w, local); err != nil {
		w.Close()
		return fmt.Errorf("failed to upload %v: %w", remotePath, err)
	}
	return w.Close()
}

func (g *GCS) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := g.bucket.Object(g.object(remotePath)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (g *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	objPrefix := g.object(prefix)
	if !strings.HasSuffix(objPrefix, "/") {
		objPrefix += "/"
	}
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: objPrefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		key := attrs.Name
		if g.prefix != "" {
			key = strings.TrimPrefix(key, g.prefix+"/")
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (g *GCS) Remove(ctx context.Context, remotePath string) error {
	err := g.bucket.Object(g.object(remotePath)).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

func (g *GCS) Sync(ctx context.Context, localDir, remoteDir string) error {
	return syncDir(ctx, localDir, func(rel, full string) error {
		return g.Upload(ctx, full, path.Join(remoteDir, rel))
	})
}

func (g *GCS) Read(ctx context.Context, remotePath string) ([]byte, error) {
	reader, err := g.bucket.Object(g.object(remotePath)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", remotePath, ErrNotExist)
	}
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (g *GCS) Write(ctx context.Context, remotePath string, data []byte) error {
	w := g.bucket.Object(g.object(remotePath)).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
