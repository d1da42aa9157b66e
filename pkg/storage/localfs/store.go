// Package localfs implements the block file store on a local
// filesystem rooted at a directory.
package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/threefoldtech/s3-cas/pkg/storage"
)

// New creates a local filesystem backed storage rooted at the given
// afero filesystem. Passing nil roots the store at ./.s3-cas/blocks on
// the OS filesystem.
func New(fs afero.Fs) storage.Store {
	if fs == nil {
		fs = afero.NewBasePathFs(afero.NewOsFs(), filepath.Join(".s3-cas", "blocks"))
	}
	return &localFS{fs: fs}
}

// NewAtRoot roots the store at dir on the OS filesystem.
func NewAtRoot(dir string) storage.Store {
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir))
}

type localFS struct {
	fs afero.Fs
}

func (l *localFS) Has(ctx context.Context, key string) (bool, error) {
	fi, err := l.fs.Stat(key)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !fi.IsDir(), nil
}

func (l *localFS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := l.fs.Open(key)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (l *localFS) GetAt(ctx context.Context, key string) (storage.ReaderAtCloser, error) {
	f, err := l.fs.Open(key)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (l *localFS) Put(ctx context.Context, key string, source io.Reader) error {
	// A top-level key has dir "."; creating it makes the root itself.
	if err := l.fs.MkdirAll(filepath.Dir(key), 0700); err != nil {
		return fmt.Errorf("ensuring directories for %q: %w", key, err)
	}

	target, err := l.fs.OpenFile(key, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create block file %q: %w", key, err)
	}
	if _, err = io.Copy(target, source); err != nil {
		target.Close()
		return fmt.Errorf("write block file %q: %w", key, err)
	}
	// Flush before the key becomes observable to the metadata layer.
	if err = target.Sync(); err != nil {
		target.Close()
		return fmt.Errorf("sync block file %q: %w", key, err)
	}
	return target.Close()
}

func (l *localFS) Delete(ctx context.Context, key string) error {
	if err := l.fs.Remove(key); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %q: %w", key, err)
	}
	return nil
}

func (l *localFS) Keys(ctx context.Context) ([]string, error) {
	const root = "."
	var res []string
	err := afero.Walk(l.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if path == root || info.IsDir() {
			return nil
		}
		res = append(res, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (l *localFS) String() string {
	const localfs = "localfs"
	if fs, ok := l.fs.(*afero.BasePathFs); ok {
		if pp, err := fs.RealPath(""); err == nil {
			return localfs + "@" + pp
		}
	}
	return localfs
}
