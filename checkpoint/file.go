package checkpoint

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// FileBackend gob-encodes a record into a single file.
type FileBackend struct {
	fs afero.Fs
}

func NewFileBackend(fs afero.Fs) *FileBackend {
	return &FileBackend{fs: fs}
}

func NewOsFileBackend() *FileBackend {
	return NewFileBackend(afero.NewOsFs())
}

func (b *FileBackend) Write(path string, rec *Record) error {
	if err := b.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "create checkpoint directory")
	}
	f, err := b.fs.Create(path)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(rec); err != nil {
		f.Close()
		return errors.Wrap(err, "encode checkpoint")
	}
	return f.Close()
}

func (b *FileBackend) Read(path string) (*Record, error) {
	f, err := b.fs.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rec Record
	if err := gob.NewDecoder(f).Decode(&rec); err != nil {
		return nil, errors.Wrapf(ErrCorruptRecord, "decode %s: %v", path, err)
	}
	return &rec, nil
}
