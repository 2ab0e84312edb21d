// Package gitrepo keeps the draft and live versions of each page in its own
// git repository. The draft branch holds every saved version; the live
// branch holds what visitors see. A version number is the count of commits
// reachable from a branch head.
package gitrepo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	DraftBranch = "draft"
	LiveBranch  = "live"
)

var ErrPageRepoNotFound = errors.New("page repository not found")

type Content struct {
	Title      string          `json:"title"`
	URLSegment string          `json:"urlSegment"`
	Body       json.RawMessage `json:"body,omitempty"`
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Version   int       `json:"version"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsurePageRepo creates the page repository with initial as draft version 1.
// It does nothing when the repository already exists.
func (s *Service) EnsurePageRepo(pageID string, initial Content, author string) error {
	lock := s.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(pageID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(DraftBranch))); err != nil {
		return fmt.Errorf("set HEAD to draft: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := writeContent(worktree, initial); err != nil {
		return err
	}
	if _, err := worktree.Commit("Create page", &git.CommitOptions{Author: signature(author)}); err != nil {
		return fmt.Errorf("commit initial content: %w", err)
	}
	return nil
}

// SaveDraft records content as a new draft version.
func (s *Service) SaveDraft(pageID string, content Content, author, message string) (CommitInfo, error) {
	lock := s.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(pageID)
	if err != nil {
		return CommitInfo{}, err
	}
	if err := checkoutBranch(repo, DraftBranch); err != nil {
		return CommitInfo{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := writeContent(worktree, content); err != nil {
		return CommitInfo{}, err
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{Author: signature(author), AllowEmptyCommits: true})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit draft: %w", err)
	}
	return commitInfo(repo, hash)
}

// Publish promotes the current draft to live. The first publish points the
// live branch at the draft head; later publishes copy the draft content onto
// live as a new commit.
func (s *Service) Publish(pageID, author string) (CommitInfo, error) {
	lock := s.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(pageID)
	if err != nil {
		return CommitInfo{}, err
	}
	draftRef, err := repo.Reference(plumbing.NewBranchReferenceName(DraftBranch), true)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("resolve draft branch: %w", err)
	}

	liveName := plumbing.NewBranchReferenceName(LiveBranch)
	if _, err := repo.Reference(liveName, true); errors.Is(err, plumbing.ErrReferenceNotFound) {
		if err := repo.Storer.SetReference(plumbing.NewHashReference(liveName, draftRef.Hash())); err != nil {
			return CommitInfo{}, fmt.Errorf("create live branch: %w", err)
		}
		return commitInfo(repo, draftRef.Hash())
	} else if err != nil {
		return CommitInfo{}, fmt.Errorf("resolve live branch: %w", err)
	}

	draftCommit, err := repo.CommitObject(draftRef.Hash())
	if err != nil {
		return CommitInfo{}, fmt.Errorf("load draft commit: %w", err)
	}
	content, err := readContentFromCommit(draftCommit)
	if err != nil {
		return CommitInfo{}, err
	}

	if err := checkoutBranch(repo, LiveBranch); err != nil {
		return CommitInfo{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := writeContent(worktree, content); err != nil {
		return CommitInfo{}, err
	}
	message := fmt.Sprintf("Publish draft %s\n\nactor=%s mode=copy-commit", draftRef.Hash().String()[:7], author)
	hash, err := worktree.Commit(message, &git.CommitOptions{Author: signature(author), AllowEmptyCommits: true})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit live content: %w", err)
	}
	if err := checkoutBranch(repo, DraftBranch); err != nil {
		return CommitInfo{}, err
	}
	return commitInfo(repo, hash)
}

// Unpublish removes the live branch. Draft history is kept.
func (s *Service) Unpublish(pageID string) error {
	lock := s.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(pageID)
	if err != nil {
		return err
	}
	if err := checkoutBranch(repo, DraftBranch); err != nil {
		return err
	}
	if err := repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(LiveBranch)); err != nil {
		return fmt.Errorf("remove live branch: %w", err)
	}
	return nil
}

func (s *Service) LatestDraftVersion(_ context.Context, pageID string) (int, error) {
	lock := s.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(pageID)
	if err != nil {
		return 0, err
	}
	count, err := branchVersion(repo, DraftBranch)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// LatestLiveVersion returns nil when the page is not published.
func (s *Service) LatestLiveVersion(_ context.Context, pageID string) (*int, error) {
	lock := s.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(pageID)
	if err != nil {
		return nil, err
	}
	count, err := branchVersion(repo, LiveBranch)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &count, nil
}

// StagesDiffer reports whether the draft content differs from live. A page
// that was never published always differs.
func (s *Service) StagesDiffer(pageID string) (bool, error) {
	lock := s.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(pageID)
	if err != nil {
		return false, err
	}
	draft, err := headContent(repo, DraftBranch)
	if err != nil {
		return false, err
	}
	live, err := headContent(repo, LiveBranch)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return HasChanges(live, draft), nil
}

func (s *Service) HeadContent(pageID, branchName string) (Content, error) {
	lock := s.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(pageID)
	if err != nil {
		return Content{}, err
	}
	return headContent(repo, branchName)
}

func (s *Service) History(pageID, branchName string, limit int) ([]CommitInfo, error) {
	lock := s.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(pageID)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}
	total, err := countCommits(repo, ref.Hash())
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		info := toCommitInfo(commitObj)
		info.Version = total - len(items)
		items = append(items, info)
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) open(pageID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(pageID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrPageRepoNotFound, pageID)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(pageID string) string {
	return filepath.Join(s.baseDir, pageID)
}

func (s *Service) pageLock(pageID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[pageID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[pageID] = lock
	return lock
}

func branchVersion(repo *git.Repository, branchName string) (int, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}
	return countCommits(repo, ref.Hash())
}

func countCommits(repo *git.Repository, from plumbing.Hash) (int, error) {
	iter, err := repo.Log(&git.LogOptions{From: from})
	if err != nil {
		return 0, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()
	count := 0
	if err := iter.ForEach(func(*object.Commit) error {
		count++
		return nil
	}); err != nil {
		return 0, fmt.Errorf("count commits: %w", err)
	}
	return count, nil
}

func headContent(repo *git.Repository, branchName string) (Content, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return Content{}, err
		}
		return Content{}, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Content{}, fmt.Errorf("load commit object: %w", err)
	}
	return readContentFromCommit(commitObj)
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branchName), Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func writeContent(worktree *git.Worktree, content Content) error {
	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, "content.json"), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write content.json: %w", err)
	}
	if _, err := worktree.Add("content.json"); err != nil {
		return fmt.Errorf("git add content: %w", err)
	}
	return nil
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	file, err := commitObj.File("content.json")
	if err != nil {
		return Content{}, fmt.Errorf("load content.json from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Content{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Content{}, fmt.Errorf("read content bytes: %w", err)
	}
	var content Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

func HasChanges(from, to Content) bool {
	if from.Title != to.Title || from.URLSegment != to.URLSegment {
		return true
	}
	return !bytes.Equal(normalizeBody(from.Body), normalizeBody(to.Body))
}

func commitInfo(repo *git.Repository, hash plumbing.Hash) (CommitInfo, error) {
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	info := toCommitInfo(commitObj)
	if info.Version, err = countCommits(repo, hash); err != nil {
		return CommitInfo{}, err
	}
	return info, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@pages.cmsworkflow.local", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "member"
	}
	return string(out)
}

func normalizeBody(body json.RawMessage) []byte {
	if len(body) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return normalized
}
