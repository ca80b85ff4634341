// Package database records how far each rank has checkpointed so a resumed
// job can tell whether every rank is restarting from the same global step.
package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DEFAULT_TABLE  = "gradsync_progress"
	DEFAULT_REGION = "us-east-2"
)

// ErrDivergentCheckpoint means the ranks would not resume from the same
// global step.
var ErrDivergentCheckpoint = errors.New("ranks checkpointed at different steps")

// Progress is one rank's last saved checkpoint position.
type Progress struct {
	Rank       int       `json:"rank" bson:"rank" dynamodbav:"Rank"`
	Epoch      int64     `json:"epoch" bson:"epoch" dynamodbav:"Epoch"`
	GlobalStep int64     `json:"globalStep" bson:"globalStep" dynamodbav:"GlobalStep"`
	UpdatedAt  time.Time `json:"updatedAt" bson:"updatedAt" dynamodbav:"UpdatedAt"`
}

// Ledger holds at most one Progress per rank; Record replaces it.
type Ledger interface {
	Record(ctx context.Context, p Progress) error
	All(ctx context.Context) ([]Progress, error)
	Close() error
}

// CheckConsistent reports ErrDivergentCheckpoint when some ranks in
// [0, worldSize) have recorded progress and the rest have not, or when the
// recorded global steps differ. An empty ledger is a fresh job and passes.
func CheckConsistent(records []Progress, worldSize int) error {
	if len(records) == 0 {
		return nil
	}
	byRank := make(map[int]Progress, len(records))
	var unexpected []int
	for _, p := range records {
		if p.Rank < 0 || p.Rank >= worldSize {
			unexpected = append(unexpected, p.Rank)
			continue
		}
		if prev, ok := byRank[p.Rank]; !ok || p.UpdatedAt.After(prev.UpdatedAt) {
			byRank[p.Rank] = p
		}
	}

	var newest int64
	for _, p := range byRank {
		if p.GlobalStep > newest {
			newest = p.GlobalStep
		}
	}

	var problems []string
	for rank := 0; rank < worldSize; rank++ {
		p, ok := byRank[rank]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("rank %d has no checkpoint", rank))
		case p.GlobalStep != newest:
			problems = append(problems, fmt.Sprintf("rank %d at step %d", rank, p.GlobalStep))
		}
	}
	if len(unexpected) > 0 {
		sort.Ints(unexpected)
		problems = append(problems, fmt.Sprintf("ranks %v outside world size %d", unexpected, worldSize))
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.Wrapf(ErrDivergentCheckpoint, "newest step %d; %s", newest, strings.Join(problems, ", "))
}

func sortByRank(records []Progress) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Rank < records[j].Rank
	})
}
