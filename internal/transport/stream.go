package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sethvargo/go-retry"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

var errStreamEnded = errors.New("subscription ended")

// subLabel tags each REQ so concurrent subscriptions from the same client
// stay distinguishable in relay logs.
func subLabel() string {
	return "wn-" + uuid.NewString()[:8]
}

// Stream opens a live subscription across every relay serving roles. Events
// seen on more than one relay are delivered once. The returned channel
// closes once ctx is done and every relay loop has exited.
func (p *Pool) Stream(ctx context.Context, filters nostr.Filters, roles domain.RelayRole) (<-chan *nostr.Event, error) {
	const op = "transport.Stream"

	urls := p.matching(roles)
	if len(urls) == 0 {
		return nil, domain.E(domain.KindValidation, op, "", errNoRelays)
	}

	out := make(chan *nostr.Event, 64)
	var wg sync.WaitGroup
	wg.Add(len(urls))
	for _, url := range urls {
		go func(url string) {
			defer wg.Done()
			p.streamOne(ctx, url, filters, out)
		}(url)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// streamOne keeps one subscription to url alive until ctx is done, redialing
// with capped exponential backoff whenever the relay drops.
func (p *Pool) streamOne(ctx context.Context, url string, filters nostr.Filters, out chan<- *nostr.Event) {
	b := retry.NewExponential(retryBase)
	b = retry.WithCappedDuration(streamRetryCap, b)
	b = retry.WithJitterPercent(retryJitterPct, b)

	_ = retry.Do(ctx, b, func(ctx context.Context) error {
		conn, err := p.conn(ctx, url)
		if err != nil {
			return retry.RetryableError(err)
		}
		sub, err := conn.Subscribe(ctx, filters, nostr.WithLabel(subLabel()))
		if err != nil {
			p.drop(url, err)
			return retry.RetryableError(err)
		}
		defer sub.Unsub()
		p.log.Debugf("streaming from %s", url)

		for {
			select {
			case ev, ok := <-sub.Events:
				if !ok {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					p.drop(url, errStreamEnded)
					return retry.RetryableError(errStreamEnded)
				}
				if ev == nil {
					continue
				}
				p.forward(ctx, ev, out)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// forward hands ev to out unless another relay already delivered it.
func (p *Pool) forward(ctx context.Context, ev *nostr.Event, out chan<- *nostr.Event) {
	if p.seen.Contains(ev.ID) {
		return
	}
	p.seen.Add(ev.ID, struct{}{})
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
