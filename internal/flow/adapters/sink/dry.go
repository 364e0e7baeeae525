// Package sink implements engine.SinkAdapter for Sink-kind nodes.
package sink

import (
	"context"
	"sync"

	"github.com/kandev/kandev/internal/flow/models"
)

// Dry records every delivered body in memory instead of sending it anywhere,
// for end-to-end tests of flows that terminate in a "dry" sink (spec §8).
type Dry struct {
	mu         sync.Mutex
	deliveries []string
}

// NewDry constructs a Dry sink adapter.
func NewDry() *Dry { return &Dry{} }

// Deliver implements engine.SinkAdapter.
func (d *Dry) Deliver(ctx context.Context, node *models.Node, input models.NodeOutput) (models.NodeOutput, error) {
	body := bodyOf(input)
	d.mu.Lock()
	d.deliveries = append(d.deliveries, body)
	d.mu.Unlock()
	return models.TextOutput(body, nil), nil
}

// Deliveries returns a snapshot of every body delivered so far, in order.
func (d *Dry) Deliveries() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.deliveries))
	copy(out, d.deliveries)
	return out
}

func bodyOf(input models.NodeOutput) string {
	switch input.Kind {
	case models.OutputText:
		return input.Text
	case models.OutputItems:
		if input.Text != "" {
			return input.Text
		}
		var out string
		for i, it := range input.Items {
			if i > 0 {
				out += "\n"
			}
			if it.Title != "" {
				out += it.Title
			} else {
				out += it.ID
			}
		}
		return out
	default:
		return ""
	}
}
