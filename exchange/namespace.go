package exchange

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Namespace is the coordination handle every rank shares. It is rooted at a
// directory of an afero.Fs so tests can hand each scenario its own in-memory
// tree.
//
// Steps live under a per-run directory, <root>/run-<id>/step-<n>, so entries
// left behind by a crashed run never count toward a later run's barriers.
type Namespace struct {
	fs   afero.Fs
	root string
}

func NewNamespace(fs afero.Fs, root string) *Namespace {
	return &Namespace{fs: fs, root: filepath.Clean(root)}
}

// NewOsNamespace roots a namespace at a directory on the real filesystem,
// normally a mount all worker hosts share.
func NewOsNamespace(root string) *Namespace {
	return NewNamespace(afero.NewOsFs(), root)
}

func (ns *Namespace) Fs() afero.Fs {
	return ns.fs
}

func (ns *Namespace) Root() string {
	return ns.root
}

// Run returns the namespace of one run of the job.
func (ns *Namespace) Run(id string) *Namespace {
	return NewNamespace(ns.fs, filepath.Join(ns.root, runDirPrefix+id))
}

// Step returns the scope for one optimization step.
func (ns *Namespace) Step(step int64) *StepNamespace {
	return &StepNamespace{
		dirScope: dirScope{fs: ns.fs, dir: filepath.Join(ns.root, stepDirName(step))},
		step:     step,
	}
}

func (ns *Namespace) join() dirScope {
	return dirScope{fs: ns.fs, dir: filepath.Join(ns.root, joinDirName)}
}

// removeRunsExcept deletes every run directory other than keep.
func (ns *Namespace) removeRunsExcept(keep string) error {
	infos, err := afero.ReadDir(ns.fs, ns.root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "list %s", ns.root)
	}
	for _, info := range infos {
		name := info.Name()
		if !info.IsDir() || !strings.HasPrefix(name, runDirPrefix) || name == runDirPrefix+keep {
			continue
		}
		if err := (dirScope{fs: ns.fs, dir: filepath.Join(ns.root, name)}).remove(); err != nil {
			return err
		}
	}
	return nil
}

// dirScope is one directory of flat entries.
type dirScope struct {
	fs  afero.Fs
	dir string
}

func (s dirScope) Dir() string {
	return s.dir
}

func (s dirScope) path(entry string) string {
	return filepath.Join(s.dir, entry)
}

// publish writes payload to entry.tmp and renames it over entry, so readers
// see either the previous state or the complete payload.
func (s dirScope) publish(entry string, payload []byte) error {
	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return errors.Wrapf(err, "create %s", s.dir)
	}
	tmp := s.path(entry + tmpSuffix)
	if err := afero.WriteFile(s.fs, tmp, payload, 0644); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := s.fs.Rename(tmp, s.path(entry)); err != nil {
		return errors.Wrapf(err, "rename %s", tmp)
	}
	return nil
}

// read returns an error satisfying os.IsNotExist when entry is absent.
func (s dirScope) read(entry string) ([]byte, error) {
	return afero.ReadFile(s.fs, s.path(entry))
}

// count lists the directory and counts entries accepted by match. A
// directory nobody has created yet counts as empty.
func (s dirScope) count(match EntryMatcher) (int, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "list %s", s.dir)
	}
	n := 0
	for _, info := range infos {
		if !info.IsDir() && match(info.Name()) {
			n++
		}
	}
	return n, nil
}

// remove deletes the whole directory. Entries already gone are fine.
func (s dirScope) remove() error {
	err := s.fs.RemoveAll(s.dir)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", s.dir)
	}
	return nil
}

// StepNamespace is the directory holding one step's snapshots, average,
// completion markers and, if the step failed, its abort notice.
type StepNamespace struct {
	dirScope
	step int64
}

func (s *StepNamespace) Step() int64 {
	return s.step
}

func (s *StepNamespace) markDone(rank int) error {
	return s.publish(doneName(rank), nil)
}
