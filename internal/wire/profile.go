package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

// ProfileEvent builds a signed kind 0 metadata event from the profile.
func (c *Codec) ProfileEvent(signer domain.Signer, p domain.Profile, now time.Time) (*nostr.Event, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	ev := &nostr.Event{
		PubKey:    signer.PubKey().String(),
		CreatedAt: nostr.Timestamp(now.Unix()),
		Kind:      nostr.KindProfileMetadata,
		Tags:      nostr.Tags{},
		Content:   string(body),
	}
	if err := signer.Sign(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// ParseProfile validates a kind 0 event and extracts the profile.
func (c *Codec) ParseProfile(ev *nostr.Event) (domain.Profile, error) {
	const op = "wire.ParseProfile"

	var p domain.Profile
	if ev.Kind != nostr.KindProfileMetadata {
		return p, malformed(op, ev.ID, fmt.Errorf("kind %d", ev.Kind))
	}
	if err := checkSigned(op, ev); err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(ev.Content), &p); err != nil {
		return p, malformed(op, ev.ID, err)
	}
	return p, nil
}

// RelayListEvent builds a signed relay-list event. Kind 10002 uses "r" tags
// per the general relay-list convention; the inbox and key-package lists use
// "relay" tags.
func (c *Codec) RelayListEvent(signer domain.Signer, kind int, urls []string, now time.Time) (*nostr.Event, error) {
	tagName, err := relayListTag(kind)
	if err != nil {
		return nil, err
	}
	tags := make(nostr.Tags, 0, len(urls))
	for _, u := range urls {
		tags = append(tags, nostr.Tag{tagName, u})
	}
	ev := &nostr.Event{
		PubKey:    signer.PubKey().String(),
		CreatedAt: nostr.Timestamp(now.Unix()),
		Kind:      kind,
		Tags:      tags,
		Content:   "",
	}
	if err := signer.Sign(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// ParseRelayList validates a relay-list event of any supported kind and
// returns the advertised URLs in tag order.
func (c *Codec) ParseRelayList(ev *nostr.Event) ([]string, error) {
	const op = "wire.ParseRelayList"

	tagName, err := relayListTag(ev.Kind)
	if err != nil {
		return nil, malformed(op, ev.ID, err)
	}
	if err := checkSigned(op, ev); err != nil {
		return nil, err
	}
	return allTags(ev, tagName), nil
}

func relayListTag(kind int) (string, error) {
	switch kind {
	case nostr.KindRelayListMetadata:
		return tagR, nil
	case KindInboxRelays, KindKeyPackageRelays:
		return tagRelay, nil
	default:
		return "", fmt.Errorf("kind %d is not a relay list", kind)
	}
}
