package trigger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/flow/scheduler"
	"github.com/kandev/kandev/internal/github"
)

type fakePRLister struct {
	openPRs  []*github.PR
	files    []github.PRFile
	comments []string
}

func (f *fakePRLister) GetPR(ctx context.Context, owner, repo string, number int) (*github.PR, error) {
	for _, pr := range f.openPRs {
		if pr.Number == number {
			return pr, nil
		}
	}
	return nil, assert.AnError
}

func (f *fakePRLister) ListOpenPRs(ctx context.Context, owner, repo string) ([]*github.PR, error) {
	return f.openPRs, nil
}

func (f *fakePRLister) ListPRFiles(ctx context.Context, owner, repo string, number int) ([]github.PRFile, error) {
	return f.files, nil
}

func (f *fakePRLister) CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) error {
	f.comments = append(f.comments, body)
	return nil
}

func TestGitHub_SeedRepo_SkipsDraftsByDefault(t *testing.T) {
	client := &fakePRLister{openPRs: []*github.PR{
		{Number: 1, HeadSHA: "aaa", Draft: false},
		{Number: 2, HeadSHA: "bbb", Draft: true},
	}}
	g := NewGitHub(client, map[string]any{})

	seen, err := g.SeedRepo(context.Background(), "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "aaa"}, seen)
}

func TestGitHub_PollRepo_NewPRIsInitial(t *testing.T) {
	client := &fakePRLister{openPRs: []*github.PR{
		{Number: 5, HeadSHA: "ccc"},
	}}
	g := NewGitHub(client, map[string]any{})

	items, err := g.PollRepo(context.Background(), "acme/widgets", map[string]string{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "initial", items[0].ReviewType)
	assert.Equal(t, "5", items[0].ID)
}

func TestGitHub_PollRepo_ReReviewOnlyWhenEnabled(t *testing.T) {
	client := &fakePRLister{openPRs: []*github.PR{
		{Number: 5, HeadSHA: "new-sha"},
	}}
	seen := map[string]string{"5": "old-sha"}

	withoutFlag := NewGitHub(client, map[string]any{})
	items, err := withoutFlag.PollRepo(context.Background(), "acme/widgets", seen)
	require.NoError(t, err)
	assert.Empty(t, items)

	withFlag := NewGitHub(client, map[string]any{"review_on_push": true})
	items, err = withFlag.PollRepo(context.Background(), "acme/widgets", seen)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "re-review", items[0].ReviewType)
	assert.Equal(t, "old-sha", items[0].PreviousHash)
}

func TestGitHub_Acknowledge_PostsComment(t *testing.T) {
	client := &fakePRLister{}
	g := NewGitHub(client, map[string]any{})

	err := g.Acknowledge(context.Background(), "acme/widgets", polledItem("7", "sha1", "", "initial"))
	require.NoError(t, err)
	require.Len(t, client.comments, 1)
	assert.Contains(t, client.comments[0], "PR #7")
}

func TestGitHub_BuildContext_AssemblesTemplateFields(t *testing.T) {
	client := &fakePRLister{
		openPRs: []*github.PR{{Number: 9, Title: "Add feature", BaseBranch: "main", HeadBranch: "feat", HeadSHA: "sha9"}},
		files:   []github.PRFile{{Filename: "a.go", Patch: "@@ -1 +1 @@\n-old\n+new\n"}},
	}
	g := NewGitHub(client, map[string]any{"local_paths": map[string]any{"acme/widgets": "/tmp/widgets"}})

	ctx, err := g.BuildContext(context.Background(), "acme/widgets", polledItem("9", "sha9", "", "initial"))
	require.NoError(t, err)
	assert.Equal(t, 9, ctx["pr_number"])
	assert.Equal(t, "Add feature", ctx["pr_title"])
	assert.Equal(t, "main", ctx["base_ref"])
	assert.Equal(t, "/tmp/widgets", ctx["local_path"])
	assert.Contains(t, ctx["diff"], "+new")
}

func TestDiffBudget_OmitsFilesOverBudget(t *testing.T) {
	files := []github.PRFile{
		{Filename: "small.go", Patch: "short diff\n"},
		{Filename: "huge.go", Patch: string(make([]byte, 100))},
	}
	out := DiffBudget(20).Build(files)
	assert.Contains(t, out, "short diff")
	assert.Contains(t, out, "huge.go")
	assert.Contains(t, out, "omitted")
}

func polledItem(id, hash, previous, reviewType string) scheduler.PolledItem {
	return scheduler.PolledItem{ID: id, Hash: hash, PreviousHash: previous, ReviewType: reviewType}
}
