package exchange

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// abortKinds are the failure classes that survive the trip through the
// abort entry. Order matters: the first match names the kind.
var abortKinds = []struct {
	name string
	err  error
}{
	{"layout", ErrLayoutMismatch},
	{"corrupt", ErrCorruptRecord},
	{"timeout", ErrBarrierTimeout},
	{"missing-snapshot", ErrMissingSnapshot},
	{"missing-average", ErrMissingAverage},
}

// AbortError is what the other ranks see when one rank fails a step.
type AbortError struct {
	Step    int64
	Rank    int
	Message string
	// Cause is the sentinel matching the failing rank's error, if any.
	Cause error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("step %d aborted by rank %d: %s", e.Step, e.Rank, e.Message)
}

func (e *AbortError) Unwrap() error {
	return e.Cause
}

func (e *AbortError) Is(target error) bool {
	return target == ErrStepAborted
}

// abort publishes the failure of rank so that every barrier of the step
// stops waiting. The entry has three lines: rank, kind, message.
func (s *StepNamespace) abort(rank int, cause error) error {
	kind := ""
	for _, k := range abortKinds {
		if errors.Is(cause, k.err) {
			kind = k.name
			break
		}
	}
	payload := fmt.Sprintf("%d\n%s\n%s", rank, kind, cause)
	return s.publish(abortEntry, []byte(payload))
}

// aborted returns the step's AbortError, or nil while nobody has failed it.
func (s *StepNamespace) aborted() (*AbortError, error) {
	payload, err := s.read(abortEntry)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read abort notice")
	}
	parts := strings.SplitN(string(payload), "\n", 3)
	if len(parts) != 3 {
		return nil, errors.Wrapf(ErrCorruptRecord, "abort notice of step %d", s.step)
	}
	rank, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptRecord, "abort notice of step %d: rank %q", s.step, parts[0])
	}
	e := &AbortError{Step: s.step, Rank: rank, Message: parts[2]}
	for _, k := range abortKinds {
		if k.name == parts[1] {
			e.Cause = k.err
		}
	}
	return e, nil
}
