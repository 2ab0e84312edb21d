package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestPageRepoLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	ctx := context.Background()

	initial := Content{Title: "About", URLSegment: "about", Body: json.RawMessage(`{"blocks":[]}`)}
	if err := svc.EnsurePageRepo("page-1", initial, "Avery"); err != nil {
		t.Fatalf("EnsurePageRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "page-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	draft, err := svc.LatestDraftVersion(ctx, "page-1")
	if err != nil {
		t.Fatalf("LatestDraftVersion() error = %v", err)
	}
	if draft != 1 {
		t.Fatalf("draft version = %d, want 1", draft)
	}
	live, err := svc.LatestLiveVersion(ctx, "page-1")
	if err != nil {
		t.Fatalf("LatestLiveVersion() error = %v", err)
	}
	if live != nil {
		t.Fatalf("live version = %d, want nil before publish", *live)
	}

	updated := initial
	updated.Title = "About us"
	commit, err := svc.SaveDraft("page-1", updated, "Avery", "Rename page")
	if err != nil {
		t.Fatalf("SaveDraft() error = %v", err)
	}
	if commit.Hash == "" || commit.Version != 2 {
		t.Fatalf("unexpected draft commit: %+v", commit)
	}

	published, err := svc.Publish("page-1", "Pia")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if published.Version != 2 {
		t.Fatalf("published version = %d, want 2", published.Version)
	}
	live, err = svc.LatestLiveVersion(ctx, "page-1")
	if err != nil || live == nil || *live != 2 {
		t.Fatalf("LatestLiveVersion() = %v, %v; want 2", live, err)
	}

	differ, err := svc.StagesDiffer("page-1")
	if err != nil {
		t.Fatalf("StagesDiffer() error = %v", err)
	}
	if differ {
		t.Fatal("expected stages to match right after publish")
	}

	updated.Body = json.RawMessage(`{"blocks":[{"type":"text"}]}`)
	if _, err := svc.SaveDraft("page-1", updated, "Avery", "Add text"); err != nil {
		t.Fatalf("SaveDraft() error = %v", err)
	}
	differ, err = svc.StagesDiffer("page-1")
	if err != nil {
		t.Fatalf("StagesDiffer() error = %v", err)
	}
	if !differ {
		t.Fatal("expected stages to differ after a draft edit")
	}

	republished, err := svc.Publish("page-1", "Pia")
	if err != nil {
		t.Fatalf("second Publish() error = %v", err)
	}
	if republished.Version != 3 {
		t.Fatalf("republished version = %d, want 3", republished.Version)
	}
	content, err := svc.HeadContent("page-1", LiveBranch)
	if err != nil {
		t.Fatalf("HeadContent() error = %v", err)
	}
	if HasChanges(content, updated) {
		t.Fatalf("live content = %+v, want %+v", content, updated)
	}
	draft, err = svc.LatestDraftVersion(ctx, "page-1")
	if err != nil || draft != 3 {
		t.Fatalf("LatestDraftVersion() = %d, %v; want 3", draft, err)
	}

	history, err := svc.History("page-1", DraftBranch, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 || history[0].Version != 3 || history[2].Version != 1 {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestUnpublishRemovesLiveVersion(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()

	if err := svc.EnsurePageRepo("page-2", Content{Title: "Old", URLSegment: "old"}, "Avery"); err != nil {
		t.Fatalf("EnsurePageRepo() error = %v", err)
	}
	if _, err := svc.Publish("page-2", "Pia"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := svc.Unpublish("page-2"); err != nil {
		t.Fatalf("Unpublish() error = %v", err)
	}

	live, err := svc.LatestLiveVersion(ctx, "page-2")
	if err != nil {
		t.Fatalf("LatestLiveVersion() error = %v", err)
	}
	if live != nil {
		t.Fatalf("live version = %d, want nil after unpublish", *live)
	}
	draft, err := svc.LatestDraftVersion(ctx, "page-2")
	if err != nil || draft != 1 {
		t.Fatalf("LatestDraftVersion() = %d, %v; want 1", draft, err)
	}
	differ, err := svc.StagesDiffer("page-2")
	if err != nil || !differ {
		t.Fatalf("StagesDiffer() = %v, %v; want true for unpublished page", differ, err)
	}
}

func TestEnsurePageRepoIsIdempotent(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsurePageRepo("page-3", Content{Title: "One"}, "Avery"); err != nil {
		t.Fatalf("EnsurePageRepo() error = %v", err)
	}
	if err := svc.EnsurePageRepo("page-3", Content{Title: "Two"}, "Avery"); err != nil {
		t.Fatalf("second EnsurePageRepo() error = %v", err)
	}
	content, err := svc.HeadContent("page-3", DraftBranch)
	if err != nil {
		t.Fatalf("HeadContent() error = %v", err)
	}
	if content.Title != "One" {
		t.Fatalf("title = %q, want original content kept", content.Title)
	}
}

func TestMissingPageRepo(t *testing.T) {
	svc := New(t.TempDir())
	_, err := svc.LatestDraftVersion(context.Background(), "nope")
	if !errors.Is(err, ErrPageRepoNotFound) {
		t.Fatalf("LatestDraftVersion() error = %v, want ErrPageRepoNotFound", err)
	}
}

func TestConcurrentDraftSavesAreSerialized(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsurePageRepo("page-4", Content{Title: "Base"}, "Avery"); err != nil {
		t.Fatalf("EnsurePageRepo() error = %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := Content{Title: fmt.Sprintf("Edit %d", i)}
			if _, err := svc.SaveDraft("page-4", content, "Avery", fmt.Sprintf("edit %d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("SaveDraft() error = %v", err)
	}

	draft, err := svc.LatestDraftVersion(context.Background(), "page-4")
	if err != nil {
		t.Fatalf("LatestDraftVersion() error = %v", err)
	}
	if draft != writers+1 {
		t.Fatalf("draft version = %d, want %d", draft, writers+1)
	}
}

func TestHasChangesIgnoresBodyFormatting(t *testing.T) {
	a := Content{Title: "T", Body: json.RawMessage(`{"a":1,"b":[1,2]}`)}
	b := Content{Title: "T", Body: json.RawMessage("{ \"b\": [1, 2],\n \"a\": 1 }")}
	if HasChanges(a, b) {
		t.Fatal("expected formatting-only body change to be ignored")
	}
	b.Title = "U"
	if !HasChanges(a, b) {
		t.Fatal("expected title change to be detected")
	}
}
