package seed

import (
	"context"

	"github.com/go-vhal/vhal"
)

// ClimateLoader fetches the HVAC property group (fan speed, temperature set
// points) from a fixture server.
type ClimateLoader struct{ c *Client }

func NewClimateLoader(c *Client) *ClimateLoader { return &ClimateLoader{c: c} }

func (l *ClimateLoader) Load(ctx context.Context) ([]vhal.PropertyConfig, error) {
	var raw []rawPropertyConfig
	if err := l.c.getJSON(ctx, "/groups/climate", &raw); err != nil {
		return nil, err
	}
	out := make([]vhal.PropertyConfig, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toConfig())
	}
	return out, nil
}
