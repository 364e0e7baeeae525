// Package trigger implements scheduler.PollSource adapters for
// change-detection triggers.
package trigger

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kandev/kandev/internal/flow/scheduler"
	"github.com/kandev/kandev/internal/github"
)

// prLister is the subset of the GitHub API the GitHub PR trigger polls
// with. ListOpenPRs and CreateIssueComment aren't part of github.Client's
// interface, so this adapter talks to *github.PATClient directly instead.
type prLister interface {
	GetPR(ctx context.Context, owner, repo string, number int) (*github.PR, error)
	ListOpenPRs(ctx context.Context, owner, repo string) ([]*github.PR, error)
	ListPRFiles(ctx context.Context, owner, repo string, number int) ([]github.PRFile, error)
	CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) error
}

const defaultMaxDiffBytes = 50_000

// GitHub polls one or more repos for open pull requests, grounded on
// original_source's flows/scheduler.rs github_pr_loop: a PR not seen before
// is an "initial" review, a PR whose head SHA changed since last seen is a
// "re-review" when review_on_push is enabled, drafts are skipped unless
// skip_drafts is false.
type GitHub struct {
	client       prLister
	skipDrafts   bool
	reviewOnPush bool
	maxDiffBytes int
	localPaths   map[string]string
}

// NewGitHub constructs a GitHub trigger adapter from a node's trigger
// config. localPaths maps "owner/repo" to the working directory a
// downstream executor should operate in; repos absent from the map default
// to ".".
func NewGitHub(client prLister, config map[string]any) *GitHub {
	g := &GitHub{
		client:       client,
		skipDrafts:   boolOr(config["skip_drafts"], true),
		reviewOnPush: boolOr(config["review_on_push"], false),
		maxDiffBytes: intOrDefault(config["max_diff_size"], defaultMaxDiffBytes),
		localPaths:   stringMap(config["local_paths"]),
	}
	return g
}

func (g *GitHub) localPath(repo string) string {
	if p, ok := g.localPaths[repo]; ok && p != "" {
		return p
	}
	return "."
}

func splitRepo(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("invalid repo slug %q, expected owner/repo", repo)
	}
	return owner, name, nil
}

// SeedRepo implements scheduler.PollSource: the current open-PR set, keyed
// by PR number, mapped to its head SHA.
func (g *GitHub) SeedRepo(ctx context.Context, repo string) (map[string]string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	prs, err := g.client.ListOpenPRs(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("list open PRs for %s: %w", repo, err)
	}
	seen := make(map[string]string, len(prs))
	for _, pr := range prs {
		if pr.Draft && g.skipDrafts {
			continue
		}
		seen[prNumberKey(pr.Number)] = pr.HeadSHA
	}
	return seen, nil
}

// PollRepo implements scheduler.PollSource: compares the current open set
// against seen and reports PRs that are new (initial) or whose head moved
// (re-review, only when review_on_push is set).
func (g *GitHub) PollRepo(ctx context.Context, repo string, seen map[string]string) ([]scheduler.PolledItem, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	prs, err := g.client.ListOpenPRs(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("list open PRs for %s: %w", repo, err)
	}

	var items []scheduler.PolledItem
	for _, pr := range prs {
		if pr.Draft && g.skipDrafts {
			continue
		}
		key := prNumberKey(pr.Number)
		previous, known := seen[key]
		switch {
		case !known:
			items = append(items, scheduler.PolledItem{ID: key, Hash: pr.HeadSHA, ReviewType: "initial"})
		case g.reviewOnPush && previous != pr.HeadSHA:
			items = append(items, scheduler.PolledItem{ID: key, Hash: pr.HeadSHA, PreviousHash: previous, ReviewType: "re-review"})
		}
	}
	return items, nil
}

// Acknowledge implements scheduler.PollSource: posts a starting-review
// comment on the PR so the author sees the bot pick it up, matching
// original_source's post_comment call before diff fetch. A comment-post
// failure is non-fatal upstream (the scheduler only logs it), so review
// context building proceeds regardless.
func (g *GitHub) Acknowledge(ctx context.Context, repo string, item scheduler.PolledItem) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	number, err := prNumberFromKey(item.ID)
	if err != nil {
		return err
	}

	var body string
	if item.ReviewType == "re-review" {
		body = fmt.Sprintf(
			":robot: **kandev review bot** is re-reviewing this PR after new commits...\n\n_Re-reviewing PR #%d (previous HEAD: `%s`, new HEAD: `%s`)_",
			number, shortSHA(item.PreviousHash), shortSHA(item.Hash),
		)
	} else {
		body = fmt.Sprintf(
			":robot: **kandev review bot** is starting a deep-dive review of this PR...\n\n_Reviewing PR #%d — this may take a few minutes._",
			number,
		)
	}
	return g.client.CreateIssueComment(ctx, owner, name, number, body)
}

// BuildContext implements scheduler.PollSource: fetches the PR's diff,
// fetches the latest ref from the local clone, and assembles the run
// context a prompt template renders against.
func (g *GitHub) BuildContext(ctx context.Context, repo string, item scheduler.PolledItem) (map[string]any, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	number, err := prNumberFromKey(item.ID)
	if err != nil {
		return nil, err
	}

	pr, err := g.client.GetPR(ctx, owner, name, number)
	if err != nil {
		return nil, fmt.Errorf("get PR #%d: %w", number, err)
	}

	files, err := g.client.ListPRFiles(ctx, owner, name, number)
	if err != nil {
		return nil, fmt.Errorf("list PR #%d files: %w", number, err)
	}
	diff := DiffBudget(g.maxDiffBytes).Build(files)

	localPath := g.localPath(repo)
	gitFetch(ctx, localPath)

	return map[string]any{
		"diff":        diff,
		"pr_number":   number,
		"pr_title":    pr.Title,
		"pr_body":     "",
		"base_ref":    pr.BaseBranch,
		"head_ref":    pr.HeadBranch,
		"head_sha":    pr.HeadSHA,
		"repo":        repo,
		"local_path":  localPath,
		"review_type": item.ReviewType,
	}, nil
}

// gitFetch refreshes the local clone before a review runs, best-effort:
// the original implementation ignores its failure too.
func gitFetch(ctx context.Context, dir string) {
	cmd := exec.CommandContext(ctx, "git", "fetch", "origin")
	cmd.Dir = dir
	_ = cmd.Run()
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func prNumberKey(number int) string {
	return fmt.Sprintf("%d", number)
}

func prNumberFromKey(key string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(key, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid PR item id %q: %w", key, err)
	}
	return n, nil
}

func boolOr(v any, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

func intOrDefault(v any, def int) int {
	switch vv := v.(type) {
	case int:
		return vv
	case float64:
		return int(vv)
	default:
		return def
	}
}

func stringMap(v any) map[string]string {
	out := map[string]string{}
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}
