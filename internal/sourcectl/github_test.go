package sourcectl

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func testClient(token string) *GitHubClient {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewGitHubClient(token, "testorg", "testrepo", "architect", log)
}

func TestConnectRequiresToken(t *testing.T) {
	g := testClient("")
	if err := g.Connect(context.Background()); err == nil {
		t.Fatal("expected error connecting without a token")
	}
}

func TestOperationsBeforeConnect(t *testing.T) {
	g := testClient("ghp_dummy")
	ctx := context.Background()

	if _, err := g.Repository(ctx, ""); err == nil {
		t.Error("Repository before Connect should fail")
	}
	if err := g.CreateBranch(ctx, "", "feature", "main"); err == nil {
		t.Error("CreateBranch before Connect should fail")
	}
	if _, err := g.CreatePullRequest(ctx, "", "t", "b", "h", ""); err == nil {
		t.Error("CreatePullRequest before Connect should fail")
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	g := testClient("ghp_dummy")
	if err := g.Disconnect(); err != nil {
		t.Fatalf("first disconnect: %v", err)
	}
	if err := g.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
}

func TestResolveRepoDefaults(t *testing.T) {
	g := testClient("ghp_dummy")
	if got := g.resolveRepo(""); got != "testrepo" {
		t.Errorf("resolveRepo(\"\") = %q, want testrepo", got)
	}
	if got := g.resolveRepo("other"); got != "other" {
		t.Errorf("resolveRepo(other) = %q", got)
	}
}
