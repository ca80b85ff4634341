// Package checkpoint persists one rank's model and optimizer state so a
// restarted worker can resume where it left off. Each rank owns its own
// record; nothing here coordinates ranks with each other.
package checkpoint

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"gradsync/tensor"
)

var (
	// ErrNotFound is returned by a Backend when no record exists at a path.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrCorruptRecord means a record exists but cannot be decoded or does
	// not fit the model it is loaded into.
	ErrCorruptRecord = errors.New("corrupt checkpoint record")
)

// Stateful is anything whose state round-trips through a tensor map.
// LoadStateDict overwrites the receiver's state.
type Stateful interface {
	StateDict() *tensor.Map
	LoadStateDict(state *tensor.Map) error
}

type Record struct {
	ModelState     *tensor.Map
	OptimizerState *tensor.Map
	Epoch          int64
	GlobalStep     int64
}

func (r *Record) validate() error {
	if r.ModelState == nil || r.OptimizerState == nil {
		return errors.Wrap(ErrCorruptRecord, "record is missing state")
	}
	if r.Epoch < 0 || r.GlobalStep < 0 {
		return errors.Wrapf(ErrCorruptRecord, "negative progress (%d, %d)", r.Epoch, r.GlobalStep)
	}
	if err := r.ModelState.Validate(); err != nil {
		return errors.Wrapf(ErrCorruptRecord, "model state: %v", err)
	}
	if err := r.OptimizerState.Validate(); err != nil {
		return errors.Wrapf(ErrCorruptRecord, "optimizer state: %v", err)
	}
	return nil
}

// Backend stores a single record per path. Write replaces whatever is there;
// Read returns ErrNotFound when nothing is.
type Backend interface {
	Write(path string, rec *Record) error
	Read(path string) (*Record, error)
}

const (
	BackendGob    = "gob"
	BackendSQLite = "sqlite"
)

// NewBackend returns the on-disk backend named by kind. Empty means gob.
func NewBackend(kind string) (Backend, error) {
	switch kind {
	case "", BackendGob:
		return NewOsFileBackend(), nil
	case BackendSQLite:
		return NewSQLiteBackend(), nil
	default:
		return nil, errors.Errorf("unknown checkpoint backend %q", kind)
	}
}

type Coordinator struct {
	backend Backend
	logger  *zap.Logger
}

func NewCoordinator(backend Backend, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{backend: backend, logger: logger}
}

// Save writes model and optimizer state with the given progress to path,
// creating parent directories as needed. The record is written in place: a
// crash during Save can leave a truncated record that a later Load reports
// as ErrCorruptRecord.
func (c *Coordinator) Save(path string, model, opt Stateful, epoch, step int64) error {
	rec := &Record{
		ModelState:     model.StateDict(),
		OptimizerState: opt.StateDict(),
		Epoch:          epoch,
		GlobalStep:     step,
	}
	if err := c.backend.Write(path, rec); err != nil {
		return errors.Wrapf(err, "save checkpoint %s", path)
	}
	c.logger.Info("saved checkpoint",
		zap.String("path", path), zap.Int64("epoch", epoch), zap.Int64("step", step))
	return nil
}

// Load restores model and optimizer from the record at path and returns its
// progress. With no record it returns (0, 0) and touches nothing. A record
// whose model layout differs from model's is rejected before any state is
// overwritten.
func (c *Coordinator) Load(path string, model, opt Stateful) (epoch, step int64, err error) {
	rec, err := c.backend.Read(path)
	if errors.Is(err, ErrNotFound) {
		c.logger.Info("no checkpoint, starting fresh", zap.String("path", path))
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, errors.Wrapf(err, "load checkpoint %s", path)
	}
	if err := rec.validate(); err != nil {
		return 0, 0, errors.Wrapf(err, "load checkpoint %s", path)
	}
	if err := model.StateDict().CheckLayout(rec.ModelState); err != nil {
		return 0, 0, errors.Wrapf(ErrCorruptRecord, "load checkpoint %s: %v", path, err)
	}

	previous := model.StateDict().Clone()
	if err := model.LoadStateDict(rec.ModelState); err != nil {
		return 0, 0, errors.Wrapf(ErrCorruptRecord, "restore model: %v", err)
	}
	if err := opt.LoadStateDict(rec.OptimizerState); err != nil {
		if rerr := model.LoadStateDict(previous); rerr != nil {
			c.logger.Error("could not roll back model state", zap.Error(rerr))
		}
		return 0, 0, errors.Wrapf(ErrCorruptRecord, "restore optimizer: %v", err)
	}

	c.logger.Info("resumed from checkpoint",
		zap.String("path", path), zap.Int64("epoch", rec.Epoch), zap.Int64("step", rec.GlobalStep))
	return rec.Epoch, rec.GlobalStep, nil
}
