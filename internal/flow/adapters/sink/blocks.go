package sink

// Slack Block Kit shapes used by markdownToBlocks. Only the block types the
// converter actually emits are modeled; encoding/json marshals each variant
// through its own typed struct rather than a single tagged union.

type textObject struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type headerBlock struct {
	Type string     `json:"type"`
	Text textObject `json:"text"`
}

type dividerBlock struct {
	Type string `json:"type"`
}

type sectionBlock struct {
	Type string     `json:"type"`
	Text textObject `json:"text"`
}

type sectionFieldsBlock struct {
	Type   string       `json:"type"`
	Fields []textObject `json:"fields"`
}

type contextBlock struct {
	Type     string             `json:"type"`
	Elements []contextElement   `json:"elements"`
}

type contextElement struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type richTextBlock struct {
	Type     string              `json:"type"`
	Elements []richTextListBlock `json:"elements"`
}

type richTextListBlock struct {
	Type     string             `json:"type"`
	Style    string             `json:"style"`
	Elements [][]richTextInline `json:"elements"`
}

type richTextInline struct {
	Type  string           `json:"type"`
	Text  string           `json:"text,omitempty"`
	URL   string           `json:"url,omitempty"`
	Name  string           `json:"name,omitempty"`
	Style *richTextStyle   `json:"style,omitempty"`
}

type richTextStyle struct {
	Bold bool `json:"bold,omitempty"`
	Code bool `json:"code,omitempty"`
}

func newSection(text string) sectionBlock {
	return sectionBlock{Type: "section", Text: textObject{Type: "mrkdwn", Text: text}}
}
