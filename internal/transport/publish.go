package transport

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sethvargo/go-retry"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

// Publish sends ev to every relay serving roles and waits for each to accept
// or fail, retrying transient failures with capped backoff. The publish
// succeeds when at least one relay acknowledged the event; the receipt
// carries every relay's outcome.
func (p *Pool) Publish(ctx context.Context, ev *nostr.Event, roles domain.RelayRole) (*domain.PublishReceipt, error) {
	const op = "transport.Publish"

	urls := p.matching(roles)
	if len(urls) == 0 {
		return nil, domain.E(domain.KindValidation, op, ev.ID, errNoRelays)
	}
	return p.fanout(ctx, op, ev, urls)
}

// PublishTo sends ev to an explicit set of relay URLs, typically a peer's
// advertised inbox relays. URLs outside the configured records are dialed
// ad hoc and take no part in health tracking.
func (p *Pool) PublishTo(ctx context.Context, ev *nostr.Event, urls []string) (*domain.PublishReceipt, error) {
	const op = "transport.PublishTo"

	urls = dedupeURLs(urls)
	if len(urls) == 0 {
		return nil, domain.E(domain.KindValidation, op, ev.ID, errNoRelays)
	}
	return p.fanout(ctx, op, ev, urls)
}

func (p *Pool) fanout(ctx context.Context, op string, ev *nostr.Event, urls []string) (*domain.PublishReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	type outcome struct {
		url string
		err error
	}
	results := make(chan outcome, len(urls))
	for _, url := range urls {
		go func(url string) {
			results <- outcome{url: url, err: p.publishOne(ctx, url, ev)}
		}(url)
	}

	receipt := &domain.PublishReceipt{EventID: ev.ID, Failed: make(map[string]string)}
	for i := 0; i < len(urls); i++ {
		res := <-results
		if res.err != nil {
			receipt.Failed[res.url] = res.err.Error()
			continue
		}
		receipt.AckedBy = append(receipt.AckedBy, res.url)
	}
	if !receipt.Delivered() {
		return receipt, domain.E(domain.KindNetwork, op, ev.ID, errAllRelaysFailed)
	}
	return receipt, nil
}

// publishOne delivers ev to a single relay, redialing with backoff when the
// connection proves dead. Three attempts, then the relay is written off for
// this event.
func (p *Pool) publishOne(ctx context.Context, url string, ev *nostr.Event) error {
	b := retry.NewExponential(retryBase)
	b = retry.WithCappedDuration(publishRetryCap, b)
	b = retry.WithJitterPercent(retryJitterPct, b)
	b = retry.WithMaxRetries(2, b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		conn, err := p.conn(ctx, url)
		if err != nil {
			return retry.RetryableError(err)
		}
		if err := conn.Publish(ctx, *ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.drop(url, err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		p.log.Debugf("publish to %s failed: %v", url, err)
		return err
	}
	p.noteSuccess(url)
	return nil
}

// dedupeURLs drops repeats while keeping first-seen order.
func dedupeURLs(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := urls[:0:0]
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
