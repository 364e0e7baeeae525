// Package filter implements engine.FilterAdapter for Filter-kind nodes.
package filter

import (
	"context"
	"fmt"
	"strings"

	"github.com/kandev/kandev/internal/flow/models"
)

// matchField selects which item fields a Keyword filter inspects.
type matchField string

const (
	matchTitle          matchField = "title"
	matchBody           matchField = "body"
	matchTitleOrBody    matchField = "title_or_body"
	defaultMatchField              = matchTitleOrBody
)

// Keyword passes Items through unchanged if any (or, with require_all, every)
// configured keyword is found in the selected field(s); otherwise it emits
// Empty. Grounded on original_source/src/tasks/filters/keyword.rs's
// KeywordFilter (MatchField::{Title,Summary,TitleOrSummary}, require_all,
// case-insensitive substring match).
type Keyword struct{}

// New constructs a Keyword filter adapter.
func New() *Keyword { return &Keyword{} }

// Apply implements engine.FilterAdapter.
func (k *Keyword) Apply(ctx context.Context, node *models.Node, input models.NodeOutput) (models.NodeOutput, error) {
	if input.IsFailed() {
		return models.Failed(), nil
	}
	if input.Kind != models.OutputItems {
		// Nothing to keyword-match against; pass through unchanged.
		return input, nil
	}

	keywords, err := stringList(node.Config["keywords"])
	if err != nil {
		return models.Failed(), fmt.Errorf("keyword filter %q: %w", node.ID, err)
	}
	requireAll, _ := node.Config["require_all"].(bool)
	field := fieldFromConfig(node.Config["field"])

	lowered := make([]string, len(keywords))
	for i, kw := range keywords {
		lowered[i] = strings.ToLower(kw)
	}

	kept := make([]models.Item, 0, len(input.Items))
	for _, item := range input.Items {
		if matchesItem(item, lowered, requireAll, field) {
			kept = append(kept, item)
		}
	}

	if len(kept) == 0 {
		return models.Empty(), nil
	}
	return models.ItemsOutput(kept), nil
}

func matchesItem(item models.Item, keywords []string, requireAll bool, field matchField) bool {
	var text string
	switch field {
	case matchTitle:
		text = item.Title
	case matchBody:
		text = item.Body
	default:
		text = item.Title + "\n" + item.Body
	}
	return matchesText(text, keywords, requireAll)
}

func matchesText(text string, keywords []string, requireAll bool) bool {
	lower := strings.ToLower(text)
	if requireAll {
		for _, kw := range keywords {
			if !strings.Contains(lower, kw) {
				return false
			}
		}
		return true
	}
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func fieldFromConfig(v any) matchField {
	s, _ := v.(string)
	switch matchField(s) {
	case matchTitle:
		return matchTitle
	case matchBody:
		return matchBody
	case matchTitleOrBody:
		return matchTitleOrBody
	default:
		return defaultMatchField
	}
}

func stringList(v any) ([]string, error) {
	switch vv := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return vv, nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("config.keywords must be a list of strings")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("config.keywords must be a list of strings")
	}
}
