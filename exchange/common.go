// Package exchange implements the gradient all-reduce that ranks run against a
// shared filesystem namespace: every rank writes a snapshot, the leader
// averages them once all are present and atomically publishes the result,
// and every rank reads that average back.
package exchange

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	stepDirPrefix  = "step-"
	snapshotPrefix = "snapshot-"
	donePrefix     = "done-"
	averageEntry   = "average"
	abortEntry     = "abort"
	tmpSuffix      = ".tmp"

	runDirPrefix = "run-"
	joinDirName  = "join"
	tokenPrefix  = "token-"
	ackPrefix    = "ack-"
	runEntry     = "run"

	DefaultPollInterval = 50 * time.Millisecond
	DefaultLeaderRank   = 0
)

var (
	// ErrMissingSnapshot and ErrMissingAverage are transient: barriers poll
	// through them and they never escape AllReduce.
	ErrMissingSnapshot = errors.New("snapshot not present")
	ErrMissingAverage  = errors.New("average not present")

	ErrCorruptRecord  = errors.New("corrupt record")
	ErrBarrierTimeout = errors.New("barrier timed out")
	ErrLayoutMismatch = errors.New("snapshot layout mismatch")

	// ErrStepAborted is returned by every rank whose step was abandoned
	// because another rank failed it. The failing rank's error class is
	// still reachable through errors.Is.
	ErrStepAborted = errors.New("step aborted")
)

// Phases reported to a Worker's observer.
const (
	PhaseJoining            = "joining"
	PhaseWriting            = "writing-snapshot"
	PhaseAwaitingSnapshots  = "awaiting-snapshots"
	PhaseAggregating        = "aggregating"
	PhaseAwaitingAverage    = "awaiting-average"
	PhaseAwaitingCompletion = "awaiting-completion"
	PhaseIdle               = "idle"
)

// EntryMatcher selects the step directory entries a barrier counts.
type EntryMatcher func(name string) bool

// SnapshotEntries matches published snapshot-<rank> entries, not their temp files.
func SnapshotEntries(name string) bool {
	return isRankEntry(name, snapshotPrefix)
}

// AverageEntry matches only the published average.
func AverageEntry(name string) bool {
	return name == averageEntry
}

// DoneEntries matches the per-rank completion markers.
func DoneEntries(name string) bool {
	return isRankEntry(name, donePrefix)
}

func isRankEntry(name, prefix string) bool {
	if !strings.HasPrefix(name, prefix) {
		return false
	}
	_, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
	return err == nil
}

func snapshotName(rank int) string {
	return fmt.Sprintf("%s%d", snapshotPrefix, rank)
}

func tokenName(rank int) string {
	return fmt.Sprintf("%s%d", tokenPrefix, rank)
}

func ackName(rank int) string {
	return fmt.Sprintf("%s%d", ackPrefix, rank)
}

func doneName(rank int) string {
	return fmt.Sprintf("%s%d", donePrefix, rank)
}

func stepDirName(step int64) string {
	return fmt.Sprintf("%s%d", stepDirPrefix, step)
}
