package seed

import (
	"context"

	"github.com/go-vhal/vhal"
)

// DiagnosticsLoader fetches the diagnostics property group (fault codes, odometer)
// from a fixture server.
type DiagnosticsLoader struct{ c *Client }

func NewDiagnosticsLoader(c *Client) *DiagnosticsLoader { return &DiagnosticsLoader{c: c} }

func (l *DiagnosticsLoader) Load(ctx context.Context) ([]vhal.PropertyConfig, error) {
	var raw []rawPropertyConfig
	if err := l.c.getJSON(ctx, "/groups/diagnostics", &raw); err != nil {
		return nil, err
	}
	out := make([]vhal.PropertyConfig, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toConfig())
	}
	return out, nil
}

// LoadAll fetches every property group from the fixture server and merges
// them into one config set, the way cmd/vhalengine seeds FakeHardwareDriver
// when VHAL_SEED_URL is set.
func LoadAll(ctx context.Context, c *Client) ([]vhal.PropertyConfig, error) {
	var all []vhal.PropertyConfig
	for _, load := range []func(context.Context) ([]vhal.PropertyConfig, error){
		NewBodyLoader(c).Load,
		NewClimateLoader(c).Load,
		NewPowertrainLoader(c).Load,
		NewDiagnosticsLoader(c).Load,
	} {
		cfgs, err := load(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, cfgs...)
	}
	return all, nil
}
