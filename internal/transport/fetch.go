package transport

import (
	"context"
	"sort"

	"github.com/nbd-wtf/go-nostr"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

// Fetch runs filters against every relay serving roles, merges the results
// and dedupes them by event id. Relays that fail are skipped; the call only
// errors when every relay failed and nothing was fetched.
func (p *Pool) Fetch(ctx context.Context, filters nostr.Filters, roles domain.RelayRole) ([]*nostr.Event, error) {
	const op = "transport.Fetch"

	urls := p.matching(roles)
	if len(urls) == 0 {
		return nil, domain.E(domain.KindValidation, op, "", errNoRelays)
	}

	ctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	type result struct {
		events []*nostr.Event
		err    error
	}
	results := make(chan result, len(urls))
	for _, url := range urls {
		go func(url string) {
			evs, err := p.fetchOne(ctx, url, filters)
			results <- result{events: evs, err: err}
		}(url)
	}

	var (
		merged []*nostr.Event
		byID   = make(map[string]struct{})
		failed int
	)
	for i := 0; i < len(urls); i++ {
		res := <-results
		if res.err != nil {
			failed++
		}
		for _, ev := range res.events {
			if _, dup := byID[ev.ID]; dup {
				continue
			}
			byID[ev.ID] = struct{}{}
			merged = append(merged, ev)
		}
	}
	if failed == len(urls) && len(merged) == 0 {
		return nil, domain.E(domain.KindNetwork, op, "", errAllRelaysFailed)
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].CreatedAt != merged[j].CreatedAt {
			return merged[i].CreatedAt < merged[j].CreatedAt
		}
		return merged[i].ID < merged[j].ID
	})
	return merged, nil
}

// fetchOne collects stored events from one relay until it signals the end of
// stored events. Partial results are returned alongside a timeout error.
func (p *Pool) fetchOne(ctx context.Context, url string, filters nostr.Filters) ([]*nostr.Event, error) {
	conn, err := p.conn(ctx, url)
	if err != nil {
		return nil, err
	}
	sub, err := conn.Subscribe(ctx, filters, nostr.WithLabel(subLabel()))
	if err != nil {
		p.drop(url, err)
		return nil, err
	}
	defer sub.Unsub()

	var out []*nostr.Event
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return out, nil
			}
			out = append(out, ev)
		case <-sub.EndOfStoredEvents:
			p.noteSuccess(url)
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}
