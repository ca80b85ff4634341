package exchange

import (
	"context"
	"encoding/json"
	"os"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// runAnnouncement is the leader's join/run entry: the id of the run it is
// starting and the token it read from each rank.
type runAnnouncement struct {
	ID     string   `json:"id"`
	Tokens []string `json:"tokens"`
}

// Join agrees on a fresh run with the other ranks. Every rank publishes a
// random token under join/; the leader announces a new run id together with
// the tokens it has read, and a rank accepts the run only once the
// announcement carries its own token, then acknowledges it. Tokens and the
// run id are new in every process, so leftovers from an earlier run cannot
// satisfy the handshake. Once every rank has acknowledged, the leader removes
// the directories of earlier runs.
//
// AllReduce joins on first use; calling Join again is a no-op.
func (w *Worker) Join(ctx context.Context) error {
	if w.run != nil {
		return nil
	}
	js := w.ns.join()
	token := uuid.NewString()
	if err := js.publish(tokenName(w.cfg.Rank), []byte(token)); err != nil {
		return errors.Wrap(err, "publish join token")
	}

	var (
		id  string
		err error
	)
	if w.IsLeader() {
		id, err = w.lead(ctx, js)
	} else {
		id, err = w.follow(ctx, js, token)
	}
	switch {
	case err == ErrBarrierTimeout:
		return errors.Wrapf(ErrBarrierTimeout, "join: not every rank arrived within %v", w.cfg.BarrierTimeout)
	case err != nil:
		return errors.Wrap(err, "join")
	}

	w.run = w.ns.Run(id)
	w.logger.Info("joined run", zap.String("run", id), zap.Bool("leader", w.IsLeader()))
	if w.IsLeader() {
		if err := w.ns.removeRunsExcept(id); err != nil {
			w.logger.Warn("could not remove earlier runs", zap.Error(err))
		}
	}
	return nil
}

func (w *Worker) lead(ctx context.Context, js dirScope) (string, error) {
	ann := runAnnouncement{ID: uuid.NewString()}
	return ann.ID, poll(ctx, w.cfg.PollInterval, w.cfg.BarrierTimeout, func() error {
		tokens := make([]string, w.cfg.WorldSize)
		for r := range tokens {
			b, err := js.read(tokenName(r))
			if err != nil && !os.IsNotExist(err) {
				return backoff.Permanent(errors.Wrapf(err, "read token of rank %d", r))
			}
			tokens[r] = string(b)
		}
		if !equalTokens(tokens, ann.Tokens) {
			ann.Tokens = tokens
			payload, err := json.Marshal(ann)
			if err != nil {
				return backoff.Permanent(err)
			}
			if err := js.publish(runEntry, payload); err != nil {
				return backoff.Permanent(err)
			}
		}
		for r := 0; r < w.cfg.WorldSize; r++ {
			if r == w.cfg.Rank {
				continue
			}
			b, err := js.read(ackName(r))
			if err != nil && !os.IsNotExist(err) {
				return backoff.Permanent(errors.Wrapf(err, "read ack of rank %d", r))
			}
			if string(b) != ann.ID {
				return notReady{expected: w.cfg.WorldSize}
			}
		}
		return nil
	})
}

func (w *Worker) follow(ctx context.Context, js dirScope, token string) (string, error) {
	var id string
	err := poll(ctx, w.cfg.PollInterval, w.cfg.BarrierTimeout, func() error {
		b, err := js.read(runEntry)
		if os.IsNotExist(err) {
			return notReady{expected: 1}
		}
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "read run announcement"))
		}
		var ann runAnnouncement
		if err := json.Unmarshal(b, &ann); err != nil {
			return backoff.Permanent(errors.Wrapf(ErrCorruptRecord, "run announcement: %v", err))
		}
		if len(ann.Tokens) != w.cfg.WorldSize || ann.Tokens[w.cfg.Rank] != token {
			// an earlier run's announcement, or the leader has not read our token yet
			return notReady{expected: 1}
		}
		if err := js.publish(ackName(w.cfg.Rank), []byte(ann.ID)); err != nil {
			return backoff.Permanent(err)
		}
		id = ann.ID
		return nil
	})
	return id, err
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
