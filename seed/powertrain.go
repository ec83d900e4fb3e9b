package seed

import (
	"context"

	"github.com/go-vhal/vhal"
)

// PowertrainLoader fetches the powertrain property group (speed, RPM, gear
// selector) from a fixture server.
type PowertrainLoader struct{ c *Client }

func NewPowertrainLoader(c *Client) *PowertrainLoader { return &PowertrainLoader{c: c} }

func (l *PowertrainLoader) Load(ctx context.Context) ([]vhal.PropertyConfig, error) {
	var raw []rawPropertyConfig
	if err := l.c.getJSON(ctx, "/groups/powertrain", &raw); err != nil {
		return nil, err
	}
	out := make([]vhal.PropertyConfig, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toConfig())
	}
	return out, nil
}
