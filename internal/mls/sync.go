package mls

import (
	"context"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
	"github.com/aljazceru/whitenoise-cli/internal/wire"
)

const (
	// syncOverlap rewinds the fetch cursor so events racing a previous
	// sync are not missed. Dedup by event id keeps the overlap harmless.
	syncOverlap = 60 * time.Second

	// maxSyncRounds bounds the fetch-apply loop. Each applied commit can
	// rotate the wire id, which the previous round's filter did not cover,
	// so one round per chained rotation is needed.
	maxSyncRounds = 5
)

// SyncResult summarizes one resync pass over a group's relay traffic.
// Skipped counts events that arrived but could not be used: malformed,
// sealed under an epoch outside the retention window, or failed commits.
type SyncResult struct {
	GroupID  domain.GroupID `json:"group_id"`
	Epoch    domain.Epoch   `json:"epoch"`
	Commits  int            `json:"commits"`
	Messages int            `json:"messages"`
	Skipped  int            `json:"skipped,omitempty"`
}

// Sync fetches the group's envelopes from its relays and replays them into
// local state: commits advance the epoch in order, chat messages within the
// retention window are decrypted and stored. Fetching covers the current
// wire id and every superseded one, starting just before the last event
// this member processed.
func (e *Engine) Sync(ctx context.Context, acct *domain.Account, id domain.GroupID) (*SyncResult, error) {
	const op = "mls.Sync"

	lk := e.lock(acct.PubKey, id)
	lk.Lock()
	defer lk.Unlock()

	st, err := e.loadState(op, acct, id)
	if err != nil {
		return nil, err
	}

	res := &SyncResult{GroupID: id, Epoch: st.Group.Epoch}
	if st.Group.Status == domain.GroupStatusClosed {
		// Closed groups have no secrets left; nothing new can decrypt.
		return res, nil
	}
	// Rounds overlap in coverage, so drops are tracked by id to keep the
	// count honest.
	dropped := make(map[string]struct{})
	for round := 0; round < maxSyncRounds; round++ {
		advanced, err := e.syncRound(ctx, op, acct, st, res, dropped)
		if err != nil {
			return nil, err
		}
		if !advanced {
			break
		}
	}
	if err := e.saveState(op, acct, st); err != nil {
		return nil, err
	}
	res.Epoch = st.Group.Epoch
	res.Skipped = len(dropped)

	if res.Commits > 0 || res.Messages > 0 {
		e.log.Infof("synced %s: %d commits, %d messages, epoch %d",
			id.Short(), res.Commits, res.Messages, res.Epoch)
	}
	return res, nil
}

// syncRound fetches and replays one batch. It reports whether any commit
// advanced the epoch, which means a further round may see traffic the
// previous filter missed.
func (e *Engine) syncRound(ctx context.Context, op string, acct *domain.Account, st *groupState, res *SyncResult, dropped map[string]struct{}) (bool, error) {
	wids := make([]string, 0, len(st.WireHistory)+1)
	wids = append(wids, st.WireHistory...)
	wids = append(wids, string(st.Group.WireID))

	filter := nostr.Filter{
		Kinds: []int{wire.KindGroupMessage},
		Tags:  nostr.TagMap{"h": wids},
	}
	if st.LastEventAt > 0 {
		since := nostr.Timestamp(st.LastEventAt - int64(syncOverlap/time.Second))
		filter.Since = &since
	}
	evs, err := e.relays.Fetch(ctx, nostr.Filters{filter}, domain.RoleGeneral)
	if err != nil {
		return false, err
	}

	envs := make([]*wire.Envelope, 0, len(evs))
	for _, ev := range evs {
		env, err := e.codec.ParseGroupEvent(ev)
		if err != nil {
			e.log.Debugf("sync: dropping event %s: %v", ev.ID, err)
			dropped[ev.ID] = struct{}{}
			continue
		}
		envs = append(envs, env)
	}
	// Epoch order first: a commit at the current epoch unlocks the events
	// sealed under the next one later in the same pass.
	sort.Slice(envs, func(i, j int) bool {
		if envs[i].Epoch != envs[j].Epoch {
			return envs[i].Epoch < envs[j].Epoch
		}
		if !envs[i].CreatedAt.Equal(envs[j].CreatedAt) {
			return envs[i].CreatedAt.Before(envs[j].CreatedAt)
		}
		return envs[i].EventID < envs[j].EventID
	})

	advanced := false
	for _, env := range envs {
		if _, ok := st.Secrets[uint64(env.Epoch)]; !ok {
			// Ahead of us, or pruned out of the window. Only the latter
			// is final; anything ahead gets another round.
			if uint64(env.Epoch) < uint64(st.Group.Epoch) {
				dropped[env.EventID] = struct{}{}
			}
			continue
		}
		inner, err := e.openInner(op, st, env)
		if err != nil {
			e.log.Debugf("sync: dropping envelope %s: %v", env.EventID, err)
			dropped[env.EventID] = struct{}{}
			continue
		}
		switch inner.Kind {
		case wire.KindChat:
			_, inserted, err := e.storeChat(op, acct, st, env, inner)
			if err != nil {
				return false, err
			}
			if inserted {
				res.Messages++
			}
		case wire.KindCommit:
			if uint64(env.Epoch) != uint64(st.Group.Epoch) {
				// A commit from a past epoch was applied long ago.
				continue
			}
			if err := e.applyParsedCommit(acct, st, env, inner); err != nil {
				e.log.Debugf("sync: dropping commit %s: %v", env.EventID, err)
				dropped[env.EventID] = struct{}{}
				continue
			}
			res.Commits++
			advanced = true
			if st.Group.Status == domain.GroupStatusClosed {
				// That commit removed us; nothing further applies.
				return false, nil
			}
		}
	}
	return advanced, nil
}
