// Package backup keeps pre-upgrade inventories in a local git repository so
// every upgrade leaves a record of what was installed before it ran.
package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("upgradeapp.backup")

const (
	authorName  = "upgradeapp"
	authorEmail = "upgradeapp@localhost"
)

// Manager handles snapshot commits in a repository at baseDir.
type Manager struct {
	baseDir string
	repo    *git.Repository
	now     func() time.Time
}

// Snapshot is the content of a <backend>.json file.
type Snapshot struct {
	Backend string    `json:"backend"`
	TakenAt time.Time `json:"taken_at"`
	Items   []string  `json:"items"`
}

// Entry describes one snapshot commit.
type Entry struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	When    time.Time `json:"when"`
}

// Open opens the snapshot repository at dir, initialising it when needed.
func Open(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Annotatef(err, "creating backup directory %s", dir)
	}

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		logger.Infof("initialising backup repository in %s", dir)
		repo, err = git.PlainInit(dir, false)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "opening backup repository %s", dir)
	}
	return &Manager{baseDir: dir, repo: repo, now: time.Now}, nil
}

// Dir returns the repository location.
func (m *Manager) Dir() string {
	return m.baseDir
}

func fileName(backend string) string {
	return backend + ".json"
}

// Snapshot records items for backend and commits the file. It returns the
// commit hash.
func (m *Manager) Snapshot(backend string, items []string) (string, error) {
	if backend == "" {
		return "", errors.NotValidf("empty backend name")
	}
	if items == nil {
		items = []string{}
	}

	now := m.now().UTC()
	data, err := json.MarshalIndent(Snapshot{Backend: backend, TakenAt: now, Items: items}, "", "  ")
	if err != nil {
		return "", errors.Annotate(err, "encoding snapshot")
	}
	name := fileName(backend)
	if err := os.WriteFile(filepath.Join(m.baseDir, name), append(data, '\n'), 0o644); err != nil {
		return "", errors.Annotatef(err, "writing snapshot %s", name)
	}

	workTree, err := m.repo.Worktree()
	if err != nil {
		return "", errors.Annotate(err, "getting worktree")
	}
	if _, err := workTree.Add(name); err != nil {
		return "", errors.Annotatef(err, "adding %s", name)
	}

	message := fmt.Sprintf("Pre-upgrade snapshot of %s (%d items)", backend, len(items))
	commit, err := workTree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  authorName,
			Email: authorEmail,
			When:  now,
		},
	})
	if err != nil {
		return "", errors.Annotate(err, "committing snapshot")
	}

	logger.Infof("Committed snapshot %s: %s", commit.String(), message)
	return commit.String(), nil
}

// History lists snapshot commits for backend, newest first. A limit <= 0
// returns everything.
func (m *Manager) History(backend string, limit int) ([]Entry, error) {
	entries := []Entry{}
	if _, err := m.repo.Head(); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return entries, nil
		}
		return entries, errors.Annotate(err, "failed to get HEAD")
	}

	name := fileName(backend)
	iter, err := m.repo.Log(&git.LogOptions{FileName: &name})
	if err != nil {
		return entries, errors.Annotate(err, "reading snapshot log")
	}
	defer iter.Close()

	err = iter.ForEach(func(c *object.Commit) error {
		entries = append(entries, Entry{
			Hash:    c.Hash.String(),
			Message: c.Message,
			When:    c.Author.When,
		})
		if limit > 0 && len(entries) >= limit {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return entries, errors.Annotate(err, "walking snapshot log")
	}
	return entries, nil
}

// Load returns the snapshot for backend as recorded by commit hash.
func (m *Manager) Load(backend, hash string) (*Snapshot, error) {
	commit, err := m.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return nil, errors.NewNotFound(err, fmt.Sprintf("snapshot %s", hash))
	}
	file, err := commit.File(fileName(backend))
	if err != nil {
		return nil, errors.NewNotFound(err, fmt.Sprintf("%s snapshot in %s", backend, hash))
	}
	contents, err := file.Contents()
	if err != nil {
		return nil, errors.Annotatef(err, "reading %s", file.Name)
	}

	var s Snapshot
	if err := json.Unmarshal([]byte(contents), &s); err != nil {
		return nil, errors.NewNotValid(err, fmt.Sprintf("parsing %s", file.Name))
	}
	return &s, nil
}

// Lazy opens the repository at dir on first use, so commands that never
// upgrade do not touch the backup directory.
type Lazy struct {
	dir  string
	once sync.Once
	m    *Manager
	err  error
}

// NewLazy creates a Lazy for dir.
func NewLazy(dir string) *Lazy {
	return &Lazy{dir: dir}
}

// Manager opens the repository if needed and returns it.
func (l *Lazy) Manager() (*Manager, error) {
	l.once.Do(func() {
		l.m, l.err = Open(l.dir)
	})
	return l.m, l.err
}

// Snapshot implements service.Snapshotter.
func (l *Lazy) Snapshot(backend string, items []string) (string, error) {
	m, err := l.Manager()
	if err != nil {
		return "", errors.Trace(err)
	}
	return m.Snapshot(backend, items)
}
