// Package resolve settles diverging copies of a record.
package resolve

import (
	"fmt"

	"github.com/TheMichaelB/recsync/internal/clock"
	"github.com/TheMichaelB/recsync/internal/models"
)

// Side names the store a winning record came from.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Outcome classifies how a resolution was reached.
type Outcome string

const (
	OutcomeIdentical      Outcome = "identical"
	OutcomeLocalDescends  Outcome = "local_descends"
	OutcomeRemoteDescends Outcome = "remote_descends"
	OutcomeOnlyLocal      Outcome = "only_local"
	OutcomeOnlyRemote     Outcome = "only_remote"
	OutcomeDeleteWins     Outcome = "delete_wins"
	OutcomeLastWriteWins  Outcome = "last_write_wins"
)

// Resolution is the settled record plus how it was chosen. Record is always
// stamped as present in both stores at its version.
type Resolution struct {
	Record  *models.Record
	Winner  Side
	Outcome Outcome

	// Conflict is true only for concurrent edits; Note is empty otherwise.
	Conflict bool
	Note     string
}

// Resolver applies a resolution strategy. It holds no mutable state.
type Resolver struct {
	strategy models.ResolutionStrategy
}

// New creates a resolver. Only last-write-wins is implemented.
func New(strategy models.ResolutionStrategy) (*Resolver, error) {
	if strategy == "" {
		strategy = models.StrategyLastWriteWins
	}
	if strategy != models.StrategyLastWriteWins {
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedStrategy, strategy)
	}
	return &Resolver{strategy: strategy}, nil
}

// Default returns a last-write-wins resolver.
func Default() *Resolver {
	return &Resolver{strategy: models.StrategyLastWriteWins}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() models.ResolutionStrategy {
	return r.strategy
}

// ResolveCase resolves c in place and returns the resolution.
func (r *Resolver) ResolveCase(c *models.ConflictCase) (*Resolution, error) {
	res, err := r.Resolve(c.Local, c.Remote)
	if err != nil {
		return nil, err
	}
	c.Strategy = r.strategy
	c.Resolved = res.Record.Clone()
	c.Note = res.Note
	return res, nil
}

// Resolve picks the record both stores should hold. The result depends only
// on the two inputs.
func (r *Resolver) Resolve(local, remote *models.Record) (*Resolution, error) {
	switch {
	case local == nil && remote == nil:
		return nil, fmt.Errorf("%w: nothing to resolve", models.ErrInvalidRecord)
	case local == nil:
		return settle(remote, SideRemote, OutcomeOnlyRemote), nil
	case remote == nil:
		return settle(local, SideLocal, OutcomeOnlyLocal), nil
	}

	if local.Key() != remote.Key() {
		return nil, fmt.Errorf("%w: cannot resolve %s against %s", models.ErrInvalidRecord, local.Key(), remote.Key())
	}

	// Same content: no real conflict, keep the higher version.
	if local.SameContent(remote) {
		if local.Version > remote.Version {
			return settle(local, SideLocal, OutcomeIdentical), nil
		}
		return settle(remote, SideRemote, OutcomeIdentical), nil
	}

	if local.DescendsFrom(remote) {
		return settle(local, SideLocal, OutcomeLocalDescends), nil
	}
	if remote.DescendsFrom(local) {
		return settle(remote, SideRemote, OutcomeRemoteDescends), nil
	}

	return r.concurrent(local, remote), nil
}

func (r *Resolver) concurrent(local, remote *models.Record) *Resolution {
	var (
		winner  *models.Record
		side    Side
		outcome Outcome
		reason  string
	)

	switch {
	case local.Deleted && !remote.Deleted:
		winner, side, outcome, reason = local, SideLocal, OutcomeDeleteWins, "local delete wins over remote update"
	case remote.Deleted && !local.Deleted:
		winner, side, outcome, reason = remote, SideRemote, OutcomeDeleteWins, "remote delete wins over local update"
	case local.UpdatedAt.After(remote.UpdatedAt):
		winner, side, outcome, reason = local, SideLocal, OutcomeLastWriteWins, "local written later"
	case remote.UpdatedAt.After(local.UpdatedAt):
		winner, side, outcome, reason = remote, SideRemote, OutcomeLastWriteWins, "remote written later"
	default:
		winner, side, outcome, reason = remote, SideRemote, OutcomeLastWriteWins, "same timestamp, remote preferred"
	}

	resolved := winner.Synced()
	resolved.Version = clock.Next(clock.Max(local.Version, remote.Version))
	resolved.BaseVersion = resolved.Version

	return &Resolution{
		Record:   resolved,
		Winner:   side,
		Outcome:  outcome,
		Conflict: true,
		Note: fmt.Sprintf("concurrent edits of %s (local v%d, remote v%d): %s, resolved as v%d",
			local.Key(), local.Version, remote.Version, reason, resolved.Version),
	}
}

func settle(rec *models.Record, side Side, outcome Outcome) *Resolution {
	return &Resolution{
		Record:  rec.Synced(),
		Winner:  side,
		Outcome: outcome,
	}
}
