package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	ledgerDir      = "ledger"
	ledgerPrefix   = "rank-"
	ledgerSuffix   = ".json"
	ledgerTmpTrail = ".tmp"
)

// FileLedger keeps one JSON file per rank under <root>/ledger, next to the
// step directories of the shared namespace.
type FileLedger struct {
	fs  afero.Fs
	dir string
}

func NewFileLedger(fs afero.Fs, root string) *FileLedger {
	return &FileLedger{fs: fs, dir: filepath.Join(root, ledgerDir)}
}

func (l *FileLedger) path(rank int) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s%d%s", ledgerPrefix, rank, ledgerSuffix))
}

func (l *FileLedger) Record(_ context.Context, p Progress) error {
	if err := l.fs.MkdirAll(l.dir, 0755); err != nil {
		return errors.Wrap(err, "create ledger directory")
	}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	final := l.path(p.Rank)
	tmp := final + ledgerTmpTrail
	if err := afero.WriteFile(l.fs, tmp, b, 0644); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	return errors.Wrapf(l.fs.Rename(tmp, final), "rename %s", tmp)
}

func (l *FileLedger) All(_ context.Context) ([]Progress, error) {
	infos, err := afero.ReadDir(l.fs, l.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", l.dir)
	}

	var records []Progress
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !strings.HasPrefix(name, ledgerPrefix) || !strings.HasSuffix(name, ledgerSuffix) {
			continue
		}
		if _, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, ledgerPrefix), ledgerSuffix)); err != nil {
			continue
		}
		b, err := afero.ReadFile(l.fs, filepath.Join(l.dir, name))
		if err != nil {
			return nil, err
		}
		var p Progress
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, errors.Wrapf(err, "decode %s", name)
		}
		records = append(records, p)
	}
	sortByRank(records)
	return records, nil
}

func (l *FileLedger) Close() error {
	return nil
}
