package store

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/camlink/camlink/pkg/logger"
)

// Local keeps the stills in a directory.
type Local struct {
	dir string
	log *logger.Logger
}

func NewLocal(dir string, log *logger.Logger) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Local{dir: dir, log: log}, nil
}

func (l *Local) path(name string) string { return filepath.Join(l.dir, filepath.Base(name)) }

// Save writes the file atomically, the meta is not kept.
func (l *Local) Save(ctx context.Context, name string, data []byte, _ map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.CreateTemp(l.dir, ".still-*")
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	err = errors.Join(err, f.Close())
	if err == nil {
		err = os.Rename(f.Name(), l.path(name))
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return err
	}
	l.log.Debug().Str("file", l.path(name)).Int("size", len(data)).Msg("Saved")
	return nil
}

func (l *Local) Load(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(l.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Join(ErrNotFound, err)
	}
	return data, err
}

func (l *Local) Has(_ context.Context, name string) bool {
	_, err := os.Stat(l.path(name))
	return err == nil
}
