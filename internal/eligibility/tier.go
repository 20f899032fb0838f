package eligibility

import (
	"strings"

	"signalrelay/internal/config"
	"signalrelay/internal/models"
)

const DefaultTier = "free"

// Tier is a capability set: the channels a plan may use and whether it may
// receive realtime delivery.
type Tier struct {
	Name     string
	Channels map[string]struct{}
	Realtime bool
}

func (t Tier) Allows(channel string) bool {
	_, ok := t.Channels[channel]
	return ok
}

type Tiers map[string]Tier

func NewTiers(cfg map[string]config.TierConfig) Tiers {
	out := make(Tiers, len(cfg))
	for name, tc := range cfg {
		name = strings.ToLower(strings.TrimSpace(name))
		channels := map[string]struct{}{}
		for _, ch := range tc.Channels {
			ch = strings.ToLower(strings.TrimSpace(ch))
			for _, known := range models.AllChannels {
				if ch == known {
					channels[ch] = struct{}{}
				}
			}
		}
		out[name] = Tier{Name: name, Channels: channels, Realtime: tc.Realtime}
	}
	return out
}

// Lookup resolves a tier name. Unknown or empty names fall back to the free
// tier, and to an empty capability set when no free tier is configured.
func (t Tiers) Lookup(name string) Tier {
	name = strings.ToLower(strings.TrimSpace(name))
	if tier, ok := t[name]; ok {
		return tier
	}
	if tier, ok := t[DefaultTier]; ok {
		return tier
	}
	return Tier{Name: DefaultTier, Channels: map[string]struct{}{}}
}
