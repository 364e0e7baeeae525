package trigger

import (
	"fmt"
	"strings"

	"github.com/kandev/kandev/internal/github"
)

// DiffBudget caps the total size of a review diff, splitting on per-file
// boundaries rather than mid-hunk, grounded on SPEC_FULL.md's
// "bounded diff context" supplement (original_source's max_diff_size /
// prepare_diff_context, whose diff.rs module wasn't retrieved but whose
// behavior is described: split on hunk boundaries and cap total size).
type DiffBudget int

// Build concatenates each file's unified diff up to the budget, appending a
// one-line notice naming the files left out rather than truncating mid-file.
func (b DiffBudget) Build(files []github.PRFile) string {
	maxBytes := int(b)
	var included strings.Builder
	var skipped []string
	used := 0

	for _, f := range files {
		if f.Patch == "" {
			continue
		}
		if maxBytes > 0 && used+len(f.Patch) > maxBytes {
			skipped = append(skipped, f.Filename)
			continue
		}
		included.WriteString(f.Patch)
		used += len(f.Patch)
	}

	if len(skipped) > 0 {
		fmt.Fprintf(&included, "\n... %d file(s) omitted to stay under the diff size budget: %s\n",
			len(skipped), strings.Join(skipped, ", "))
	}
	return included.String()
}
