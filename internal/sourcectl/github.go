package sourcectl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"
)

// GitHubClient is the GitHub-backed source-control client. All repository
// operations default to the configured organization and repo unless a
// different repo name is given.
type GitHubClient struct {
	token       string
	org         string
	defaultRepo string
	agentName   string
	log         *slog.Logger

	mu  sync.Mutex
	api *github.Client
}

// NewGitHubClient builds an unconnected client. Connect must be called
// before any repository operation.
func NewGitHubClient(token, org, defaultRepo, agentName string, log *slog.Logger) *GitHubClient {
	return &GitHubClient{
		token:       token,
		org:         org,
		defaultRepo: defaultRepo,
		agentName:   agentName,
		log:         log.With("integration", "github", "agent", agentName),
	}
}

// Connect authenticates against the GitHub API and verifies the token by
// fetching the authenticated user.
func (g *GitHubClient) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token == "" {
		return fmt.Errorf("github: no token configured")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: g.token})
	api := github.NewClient(oauth2.NewClient(ctx, ts))

	user, _, err := api.Users.Get(ctx, "")
	if err != nil {
		return fmt.Errorf("github: verify token: %w", err)
	}

	g.api = api
	g.log.Info("github connected", "login", user.GetLogin(), "org", g.org)
	return nil
}

// Disconnect drops the client. The GitHub API is stateless so this only
// clears local state; calling it repeatedly is fine.
func (g *GitHubClient) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.api != nil {
		g.api = nil
		g.log.Info("github disconnected")
	}
	return nil
}

func (g *GitHubClient) client() (*github.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.api == nil {
		return nil, fmt.Errorf("github: not connected")
	}
	return g.api, nil
}

// resolveRepo falls back to the configured default repository.
func (g *GitHubClient) resolveRepo(repo string) string {
	if repo == "" {
		return g.defaultRepo
	}
	return repo
}

// Repository fetches repository metadata.
func (g *GitHubClient) Repository(ctx context.Context, repo string) (*github.Repository, error) {
	api, err := g.client()
	if err != nil {
		return nil, err
	}
	repo = g.resolveRepo(repo)
	r, _, err := api.Repositories.Get(ctx, g.org, repo)
	if err != nil {
		return nil, fmt.Errorf("github: get repo %s/%s: %w", g.org, repo, err)
	}
	return r, nil
}

// CreateBranch creates branch from the head of base.
func (g *GitHubClient) CreateBranch(ctx context.Context, repo, branch, base string) error {
	api, err := g.client()
	if err != nil {
		return err
	}
	repo = g.resolveRepo(repo)
	if base == "" {
		base = "main"
	}

	ref, _, err := api.Git.GetRef(ctx, g.org, repo, "refs/heads/"+base)
	if err != nil {
		return fmt.Errorf("github: resolve base %q: %w", base, err)
	}
	_, _, err = api.Git.CreateRef(ctx, g.org, repo, &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: ref.Object.SHA},
	})
	if err != nil {
		return fmt.Errorf("github: create branch %q: %w", branch, err)
	}
	g.log.Info("branch created", "repo", repo, "branch", branch, "base", base)
	return nil
}

// CreateFile creates a new file on branch.
func (g *GitHubClient) CreateFile(ctx context.Context, repo, path, branch, message string, content []byte) error {
	api, err := g.client()
	if err != nil {
		return err
	}
	repo = g.resolveRepo(repo)
	_, _, err = api.Repositories.CreateFile(ctx, g.org, repo, path, &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: content,
		Branch:  github.String(branch),
	})
	if err != nil {
		return fmt.Errorf("github: create file %q: %w", path, err)
	}
	return nil
}

// UpdateFile replaces the content of an existing file on branch. The current
// blob SHA is looked up first, which GitHub requires for updates.
func (g *GitHubClient) UpdateFile(ctx context.Context, repo, path, branch, message string, content []byte) error {
	api, err := g.client()
	if err != nil {
		return err
	}
	repo = g.resolveRepo(repo)
	cur, _, _, err := api.Repositories.GetContents(ctx, g.org, repo, path, &github.RepositoryContentGetOptions{Ref: branch})
	if err != nil {
		return fmt.Errorf("github: stat file %q: %w", path, err)
	}
	_, _, err = api.Repositories.UpdateFile(ctx, g.org, repo, path, &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: content,
		Branch:  github.String(branch),
		SHA:     cur.SHA,
	})
	if err != nil {
		return fmt.Errorf("github: update file %q: %w", path, err)
	}
	return nil
}

// DeleteFile removes a file from branch.
func (g *GitHubClient) DeleteFile(ctx context.Context, repo, path, branch, message string) error {
	api, err := g.client()
	if err != nil {
		return err
	}
	repo = g.resolveRepo(repo)
	cur, _, _, err := api.Repositories.GetContents(ctx, g.org, repo, path, &github.RepositoryContentGetOptions{Ref: branch})
	if err != nil {
		return fmt.Errorf("github: stat file %q: %w", path, err)
	}
	_, _, err = api.Repositories.DeleteFile(ctx, g.org, repo, path, &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Branch:  github.String(branch),
		SHA:     cur.SHA,
	})
	if err != nil {
		return fmt.Errorf("github: delete file %q: %w", path, err)
	}
	return nil
}

// FileContent reads a file from branch and returns its decoded content.
func (g *GitHubClient) FileContent(ctx context.Context, repo, path, branch string) (string, error) {
	api, err := g.client()
	if err != nil {
		return "", err
	}
	repo = g.resolveRepo(repo)
	cur, _, _, err := api.Repositories.GetContents(ctx, g.org, repo, path, &github.RepositoryContentGetOptions{Ref: branch})
	if err != nil {
		return "", fmt.Errorf("github: get file %q: %w", path, err)
	}
	content, err := cur.GetContent()
	if err != nil {
		return "", fmt.Errorf("github: decode file %q: %w", path, err)
	}
	return content, nil
}

// CreatePullRequest opens a pull request from head into base and returns it.
func (g *GitHubClient) CreatePullRequest(ctx context.Context, repo, title, body, head, base string) (*github.PullRequest, error) {
	api, err := g.client()
	if err != nil {
		return nil, err
	}
	repo = g.resolveRepo(repo)
	if base == "" {
		base = "main"
	}
	pr, _, err := api.PullRequests.Create(ctx, g.org, repo, &github.NewPullRequest{
		Title: github.String(title),
		Body:  github.String(body),
		Head:  github.String(head),
		Base:  github.String(base),
	})
	if err != nil {
		return nil, fmt.Errorf("github: create pull request: %w", err)
	}
	g.log.Info("pull request opened", "repo", repo, "number", pr.GetNumber(), "url", pr.GetHTMLURL())
	return pr, nil
}

// ReviewPullRequest submits a review. event is APPROVE, REQUEST_CHANGES or
// COMMENT.
func (g *GitHubClient) ReviewPullRequest(ctx context.Context, repo string, number int, body, event string) error {
	api, err := g.client()
	if err != nil {
		return err
	}
	repo = g.resolveRepo(repo)
	_, _, err = api.PullRequests.CreateReview(ctx, g.org, repo, number, &github.PullRequestReviewRequest{
		Body:  github.String(body),
		Event: github.String(event),
	})
	if err != nil {
		return fmt.Errorf("github: review pull request #%d: %w", number, err)
	}
	return nil
}

// MergePullRequest merges an open pull request.
func (g *GitHubClient) MergePullRequest(ctx context.Context, repo string, number int, message string) error {
	api, err := g.client()
	if err != nil {
		return err
	}
	repo = g.resolveRepo(repo)
	res, _, err := api.PullRequests.Merge(ctx, g.org, repo, number, message, &github.PullRequestOptions{MergeMethod: "merge"})
	if err != nil {
		return fmt.Errorf("github: merge pull request #%d: %w", number, err)
	}
	if !res.GetMerged() {
		return fmt.Errorf("github: pull request #%d not merged: %s", number, res.GetMessage())
	}
	g.log.Info("pull request merged", "repo", repo, "number", number)
	return nil
}

// ListPullRequests lists pull requests by state ("open", "closed", "all").
func (g *GitHubClient) ListPullRequests(ctx context.Context, repo, state string) ([]*github.PullRequest, error) {
	api, err := g.client()
	if err != nil {
		return nil, err
	}
	repo = g.resolveRepo(repo)
	if state == "" {
		state = "open"
	}
	prs, _, err := api.PullRequests.List(ctx, g.org, repo, &github.PullRequestListOptions{State: state})
	if err != nil {
		return nil, fmt.Errorf("github: list pull requests: %w", err)
	}
	return prs, nil
}

// CreateIssue opens an issue, optionally with labels and assignees.
func (g *GitHubClient) CreateIssue(ctx context.Context, repo, title, body string, labels, assignees []string) (*github.Issue, error) {
	api, err := g.client()
	if err != nil {
		return nil, err
	}
	repo = g.resolveRepo(repo)
	req := &github.IssueRequest{
		Title: github.String(title),
		Body:  github.String(body),
	}
	if len(labels) > 0 {
		req.Labels = &labels
	}
	if len(assignees) > 0 {
		req.Assignees = &assignees
	}
	issue, _, err := api.Issues.Create(ctx, g.org, repo, req)
	if err != nil {
		return nil, fmt.Errorf("github: create issue: %w", err)
	}
	g.log.Info("issue opened", "repo", repo, "number", issue.GetNumber())
	return issue, nil
}
