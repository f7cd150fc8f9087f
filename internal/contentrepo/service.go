// Package contentrepo is the content-store collaborator: one git repository
// per lineage, one branch per report version. The core never interprets the
// payload beyond its section keys; the repo just gives every version a
// verbatim, tamper-evident content history, and forking a branch gives
// createNextVersion its byte-for-byte copy of the source payload.
package contentrepo

import (
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

const contentFile = "content.json"

// CommitInfo describes one content revision.
type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
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

// VersionBranch names the branch holding a version's content.
func VersionBranch(versionNumber int) string {
	return fmt.Sprintf("v%d", versionNumber)
}

// EnsureLineageRepo initialises a lineage's repository with the first
// version's payload. Safe to call again; an existing repo is left alone.
func (s *Service) EnsureLineageRepo(lineageID string, initial json.RawMessage, author string) error {
	lock := s.lineageLock(lineageID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(lineageID)
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

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := writePayload(path, initial); err != nil {
		return err
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return fmt.Errorf("git add initial content: %w", err)
	}
	hash, err := worktree.Commit("Create report", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial content: %w", err)
	}

	branch := plumbing.NewBranchReferenceName(VersionBranch(1))
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branch, hash)); err != nil {
		return fmt.Errorf("set v1 branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branch)); err != nil {
		return fmt.Errorf("set HEAD to v1: %w", err)
	}
	return nil
}

// SaveContent commits a new payload revision on the version's branch.
func (s *Service) SaveContent(lineageID string, versionNumber int, payload json.RawMessage, author, message string) (CommitInfo, error) {
	lock := s.lineageLock(lineageID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(lineageID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	branchName := VersionBranch(versionNumber)
	if err := checkoutBranch(repo, branchName); err != nil {
		return CommitInfo{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := writePayload(s.repoPath(lineageID), payload); err != nil {
		return CommitInfo{}, err
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return CommitInfo{}, fmt.Errorf("git add content: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author),
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit content: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// LoadContent reads the head payload of a version's branch straight from the
// commit object, so concurrent worktree checkouts cannot affect readers.
func (s *Service) LoadContent(lineageID string, versionNumber int) (json.RawMessage, error) {
	lock := s.lineageLock(lineageID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(lineageID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	branchName := VersionBranch(versionNumber)
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return readPayloadFromCommit(commitObj)
}

// ForkVersion branches the target version off the source version's head,
// carrying the payload forward verbatim. Existing target branches are left
// untouched so retries are safe.
func (s *Service) ForkVersion(lineageID string, fromVersion, toVersion int) error {
	lock := s.lineageLock(lineageID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(lineageID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}

	targetRef := plumbing.NewBranchReferenceName(VersionBranch(toVersion))
	if _, err := repo.Reference(targetRef, true); err == nil {
		return nil
	}

	sourceRef, err := repo.Reference(plumbing.NewBranchReferenceName(VersionBranch(fromVersion)), true)
	if err != nil {
		return fmt.Errorf("resolve source version branch: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(targetRef, sourceRef.Hash())); err != nil {
		return fmt.Errorf("create version branch ref: %w", err)
	}
	return nil
}

// History lists a version's content revisions, newest first.
func (s *Service) History(lineageID string, versionNumber, limit int) ([]CommitInfo, error) {
	lock := s.lineageLock(lineageID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(lineageID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	branchName := VersionBranch(versionNumber)
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) repoPath(lineageID string) string {
	return filepath.Join(s.baseDir, lineageID)
}

func (s *Service) lineageLock(lineageID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[lineageID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[lineageID] = lock
	return lock
}

func writePayload(repoRoot string, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	normalized, err := normalizePayload(payload)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(repoRoot, contentFile), append(normalized, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", contentFile, err)
	}
	return nil
}

// normalizePayload re-indents the raw payload so content diffs stay stable
// regardless of how the editor serialised it.
func normalizePayload(payload json.RawMessage) ([]byte, error) {
	var parsed any
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("decode content payload: %w", err)
	}
	normalized, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode content payload: %w", err)
	}
	return normalized, nil
}

func readPayloadFromCommit(commitObj *object.Commit) (json.RawMessage, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read content bytes: %w", err)
	}
	return json.RawMessage(data), nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
				return fmt.Errorf("create branch checkout %s: %w", branchName, err)
			}
			return nil
		}
		return fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
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
		Email: fmt.Sprintf("%s@local.firemark.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	runes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			runes = append(runes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			runes = append(runes, '.')
		}
	}
	if len(runes) == 0 {
		return "user"
	}
	return string(runes)
}
