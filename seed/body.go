package seed

import (
	"context"

	"github.com/go-vhal/vhal"
)

// BodyLoader fetches the body-control property group (windows, doors,
// mirrors) from a fixture server.
type BodyLoader struct{ c *Client }

func NewBodyLoader(c *Client) *BodyLoader { return &BodyLoader{c: c} }

func (l *BodyLoader) Load(ctx context.Context) ([]vhal.PropertyConfig, error) {
	var raw []rawPropertyConfig
	if err := l.c.getJSON(ctx, "/groups/body", &raw); err != nil {
		return nil, err
	}
	out := make([]vhal.PropertyConfig, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toConfig())
	}
	return out, nil
}
