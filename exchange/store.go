package exchange

import (
	"os"

	"github.com/pkg/errors"

	"gradsync/tensor"
)

// GradientStore persists snapshots and the published average of one step.
type GradientStore struct {
	step  *StepNamespace
	codec Codec
}

func NewGradientStore(step *StepNamespace, codec Codec) *GradientStore {
	return &GradientStore{step: step, codec: codec}
}

// WriteSnapshot stores rank's gradients, replacing anything it wrote before
// for this step. The entry is written to a temp name and renamed into
// place, so a concurrent reader never decodes half a snapshot.
func (s *GradientStore) WriteSnapshot(rank int, snapshot *tensor.Map) error {
	payload, err := encodePayload(snapshot, s.codec)
	if err != nil {
		return err
	}
	return s.step.publish(snapshotName(rank), payload)
}

// ReadSnapshot returns ErrMissingSnapshot when rank has not written yet.
func (s *GradientStore) ReadSnapshot(rank int) (*tensor.Map, error) {
	m, err := s.readEntry(snapshotName(rank))
	if os.IsNotExist(errors.Cause(err)) {
		return nil, errors.Wrapf(ErrMissingSnapshot, "rank %d step %d", rank, s.step.Step())
	}
	return m, errors.Wrapf(err, "snapshot of rank %d", rank)
}

// PublishAverage makes avg visible to every rank in one rename.
func (s *GradientStore) PublishAverage(avg *tensor.Map) error {
	payload, err := encodePayload(avg, s.codec)
	if err != nil {
		return err
	}
	return s.step.publish(averageEntry, payload)
}

// ReadAverage returns ErrMissingAverage until the leader has published.
func (s *GradientStore) ReadAverage() (*tensor.Map, error) {
	m, err := s.readEntry(averageEntry)
	if os.IsNotExist(errors.Cause(err)) {
		return nil, errors.Wrapf(ErrMissingAverage, "step %d", s.step.Step())
	}
	return m, errors.Wrap(err, "average")
}

func (s *GradientStore) readEntry(entry string) (*tensor.Map, error) {
	payload, err := s.step.read(entry)
	if err != nil {
		return nil, err
	}
	return decodePayload(payload)
}
