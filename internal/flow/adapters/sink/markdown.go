package sink

import (
	"strings"
)

// maxSectionLen and maxHeaderLen mirror Slack's Block Kit field limits.
const (
	maxSectionLen = 3000
	maxHeaderLen  = 150
)

// markdownToBlocks converts markdown text into a slice of Slack Block Kit
// blocks. Grounded on
// original_source/cthulu-backend/tasks/sinks/slack/markdown.rs's
// markdown_to_blocks: headers become Header/bold-Section blocks, "- "/"* "
// lines accumulate into a RichText bullet list, a "[stats]"/"[/stats]" pair
// becomes a SectionFields grid, "---"/"***"/"___" becomes a Divider, and a
// leading-digit "stats keyword" line becomes a Context block.
func markdownToBlocks(text string) []any {
	var blocks []any
	var paragraph []string
	var bullets [][]richTextInline
	var stats []string
	inStats := false

	flushParagraph := func() {
		if len(paragraph) == 0 {
			return
		}
		joined := convertBold(convertLinks(strings.Join(paragraph, "\n")))
		paragraph = nil

		var chunk strings.Builder
		for _, line := range strings.Split(joined, "\n") {
			if chunk.Len() > 0 && chunk.Len()+1+len(line) > maxSectionLen {
				blocks = append(blocks, newSection(strings.TrimSpace(chunk.String())))
				chunk.Reset()
			}
			if chunk.Len() > 0 {
				chunk.WriteByte('\n')
			}
			chunk.WriteString(line)
		}
		if trimmed := strings.TrimSpace(chunk.String()); trimmed != "" {
			blocks = append(blocks, newSection(trimmed))
		}
	}

	flushBullets := func() {
		if len(bullets) == 0 {
			return
		}
		items := make([][]richTextInline, len(bullets))
		copy(items, bullets)
		bullets = nil
		blocks = append(blocks, richTextBlock{
			Type: "rich_text",
			Elements: []richTextListBlock{{Type: "rich_text_list", Style: "bullet", Elements: items}},
		})
	}

	flushStats := func() {
		if len(stats) == 0 {
			return
		}
		var fields []textObject
		for _, line := range stats {
			if strings.Contains(line, "|") {
				for _, cell := range strings.Split(line, "|") {
					cell = strings.TrimSpace(cell)
					if cell != "" {
						fields = append(fields, textObject{Type: "mrkdwn", Text: cell})
					}
				}
			} else {
				fields = append(fields, textObject{Type: "mrkdwn", Text: line})
			}
		}
		stats = nil
		for len(fields) > 0 {
			n := 10
			if n > len(fields) {
				n = len(fields)
			}
			blocks = append(blocks, sectionFieldsBlock{Type: "section", Fields: fields[:n]})
			fields = fields[n:]
		}
	}

	for _, rawLine := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(rawLine)

		if strings.EqualFold(trimmed, "[stats]") {
			flushParagraph()
			flushBullets()
			inStats = true
			stats = nil
			continue
		}
		if strings.EqualFold(trimmed, "[/stats]") {
			if inStats {
				flushStats()
				inStats = false
			}
			continue
		}
		if inStats {
			if trimmed != "" {
				stats = append(stats, trimmed)
			}
			continue
		}

		if trimmed == "---" || trimmed == "***" || trimmed == "___" {
			flushParagraph()
			flushBullets()
			blocks = append(blocks, dividerBlock{Type: "divider"})
			continue
		}

		if rest, ok := stripHeaderPrefix(trimmed, "# "); ok {
			flushParagraph()
			flushBullets()
			h := maybePrefixEmoji(strings.TrimSpace(rest))
			if len(h) > maxHeaderLen {
				h = h[:maxHeaderLen]
			}
			blocks = append(blocks, headerBlock{Type: "header", Text: textObject{Type: "plain_text", Text: h}})
			continue
		}

		if rest, ok := stripHeaderPrefix(trimmed, "### "); ok {
			flushParagraph()
			flushBullets()
			blocks = append(blocks, newSection("*"+strings.TrimSpace(rest)+"*"))
			continue
		}
		if rest, ok := stripHeaderPrefix(trimmed, "## "); ok {
			flushParagraph()
			flushBullets()
			blocks = append(blocks, newSection("*"+strings.TrimSpace(rest)+"*"))
			continue
		}

		if rest, ok := stripBullet(trimmed); ok {
			flushParagraph()
			bullets = append(bullets, parseInlineElements(rest))
			continue
		}

		if trimmed == "" {
			flushParagraph()
			flushBullets()
			continue
		}

		if isMetadataLine(trimmed) {
			flushParagraph()
			flushBullets()
			blocks = append(blocks, contextBlock{
				Type:     "context",
				Elements: []contextElement{{Type: "mrkdwn", Text: convertBold(convertLinks(trimmed))}},
			})
			continue
		}

		flushBullets()
		paragraph = append(paragraph, rawLine)
	}

	flushParagraph()
	flushBullets()
	return blocks
}

func stripHeaderPrefix(line, prefix string) (string, bool) {
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	if prefix == "# " && strings.HasPrefix(line, "## ") {
		return "", false
	}
	return strings.TrimPrefix(line, prefix), true
}

func stripBullet(line string) (string, bool) {
	if rest, ok := strings.CutPrefix(line, "- "); ok {
		return rest, true
	}
	if rest, ok := strings.CutPrefix(line, "* "); ok {
		return rest, true
	}
	return "", false
}

var emojiByKeyword = []struct {
	needles []string
	emoji   string
}{
	{[]string{"what shipped", "shipped"}, ":ship:"},
	{[]string{"changelog", "update"}, ":memo:"},
	{[]string{"coming soon", "upcoming"}, ":crystal_ball:"},
	{[]string{"breaking", "warning"}, ":warning:"},
	{[]string{"fix", "bug"}, ":bug:"},
	{[]string{"performance", "speed"}, ":zap:"},
	{[]string{"note"}, ":memo:"},
}

func maybePrefixEmoji(header string) string {
	if strings.HasPrefix(header, ":") {
		return header
	}
	lower := strings.ToLower(header)
	for _, rule := range emojiByKeyword {
		for _, needle := range rule.needles {
			if strings.Contains(lower, needle) {
				return rule.emoji + " " + header
			}
		}
	}
	return header
}

var statsKeywords = []string{"total", "merged", "shipped", "improvement", "change", "update", "repo", "across"}

func isMetadataLine(line string) bool {
	lower := strings.ToLower(line)
	if len(lower) == 0 || lower[0] < '0' || lower[0] > '9' {
		return false
	}
	for _, kw := range statsKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// parseInlineElements splits one line of inline markdown (**bold**, `code`,
// [text](url)) into rich-text runs for a RichText bullet item.
func parseInlineElements(text string) []richTextInline {
	var out []richTextInline
	runes := []rune(text)
	var plain strings.Builder
	flushPlain := func() {
		if plain.Len() > 0 {
			out = append(out, richTextInline{Type: "text", Text: plain.String()})
			plain.Reset()
		}
	}

	i := 0
	for i < len(runes) {
		if i+1 < len(runes) && runes[i] == '*' && runes[i+1] == '*' {
			if end := findClosingDoubleStar(runes, i+2); end >= 0 {
				flushPlain()
				out = append(out, richTextInline{Type: "text", Text: string(runes[i+2 : end]), Style: &richTextStyle{Bold: true}})
				i = end + 2
				continue
			}
		}
		if runes[i] == '`' {
			if end := indexFrom(runes, i+1, '`'); end >= 0 {
				flushPlain()
				out = append(out, richTextInline{Type: "text", Text: string(runes[i+1 : end]), Style: &richTextStyle{Code: true}})
				i = end + 1
				continue
			}
		}
		if runes[i] == '[' {
			if linkText, url, end, ok := parseMarkdownLink(runes, i); ok {
				flushPlain()
				out = append(out, richTextInline{Type: "link", URL: url, Text: linkText})
				i = end
				continue
			}
		}
		plain.WriteRune(runes[i])
		i++
	}
	flushPlain()
	if len(out) == 0 {
		out = append(out, richTextInline{Type: "text"})
	}
	return out
}

func findClosingDoubleStar(runes []rune, start int) int {
	for i := start; i+1 < len(runes); i++ {
		if runes[i] == '*' && runes[i+1] == '*' {
			return i
		}
	}
	return -1
}

func indexFrom(runes []rune, start int, ch rune) int {
	for i := start; i < len(runes); i++ {
		if runes[i] == ch {
			return i
		}
	}
	return -1
}

func parseMarkdownLink(runes []rune, start int) (text, url string, end int, ok bool) {
	i := start + 1
	var textBuf, urlBuf strings.Builder
	for i < len(runes) && runes[i] != ']' {
		textBuf.WriteRune(runes[i])
		i++
	}
	if i >= len(runes) {
		return "", "", 0, false
	}
	i++ // skip ]
	if i >= len(runes) || runes[i] != '(' {
		return "", "", 0, false
	}
	i++ // skip (
	for i < len(runes) && runes[i] != ')' {
		urlBuf.WriteRune(runes[i])
		i++
	}
	if i >= len(runes) {
		return "", "", 0, false
	}
	return textBuf.String(), urlBuf.String(), i + 1, true
}

// convertLinks rewrites markdown [text](url) links into Slack's <url|text>
// mrkdwn form.
func convertLinks(input string) string {
	runes := []rune(input)
	var out strings.Builder
	i := 0
	for i < len(runes) {
		if runes[i] == '[' {
			if text, url, end, ok := parseMarkdownLink(runes, i); ok {
				out.WriteByte('<')
				out.WriteString(url)
				out.WriteByte('|')
				out.WriteString(text)
				out.WriteByte('>')
				i = end
				continue
			}
		}
		out.WriteRune(runes[i])
		i++
	}
	return out.String()
}

// convertBold rewrites markdown **bold** into Slack's single-asterisk bold.
func convertBold(input string) string {
	runes := []rune(input)
	var out strings.Builder
	i := 0
	for i < len(runes) {
		if i+1 < len(runes) && runes[i] == '*' && runes[i+1] == '*' {
			if end := findClosingDoubleStar(runes, i+2); end >= 0 {
				out.WriteByte('*')
				out.WriteString(string(runes[i+2 : end]))
				out.WriteByte('*')
				i = end + 2
				continue
			}
		}
		out.WriteRune(runes[i])
		i++
	}
	return out.String()
}

// markdownToSlack renders markdown as Slack mrkdwn plain text, for webhook
// deliveries that don't use Block Kit.
func markdownToSlack(input string) string {
	var lines []string
	for _, rawLine := range strings.Split(input, "\n") {
		trimmed := strings.TrimSpace(rawLine)
		switch {
		case strings.HasPrefix(trimmed, "### "):
			lines = append(lines, "*"+strings.TrimSpace(strings.TrimPrefix(trimmed, "### "))+"*")
		case strings.HasPrefix(trimmed, "## "):
			lines = append(lines, "*"+strings.TrimSpace(strings.TrimPrefix(trimmed, "## "))+"*")
		case strings.HasPrefix(trimmed, "# "):
			lines = append(lines, "*"+strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))+"*")
		case strings.HasPrefix(trimmed, "- "):
			lines = append(lines, "• "+strings.TrimPrefix(trimmed, "- "))
		case strings.HasPrefix(trimmed, "* "):
			lines = append(lines, "• "+strings.TrimPrefix(trimmed, "* "))
		default:
			lines = append(lines, rawLine)
		}
	}
	result := strings.Join(lines, "\n")
	result = convertLinks(result)
	result = convertBold(result)
	return result
}
