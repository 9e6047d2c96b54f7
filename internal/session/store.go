package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bridle-dev/bridle/internal/common/logger"
)

const (
	// DefaultExpiryWindow is how long after creation a session counts as
	// expired unless marked otherwise.
	DefaultExpiryWindow = 5 * time.Hour

	// DefaultKeepCount is how many sessions CleanOld retains.
	DefaultKeepCount = 10

	sessionDirPrefix = "session-"
	metadataFile     = "metadata.json"
	messagesFile     = "messages.json"
	contextFile      = "context.json"
	snapshotsDir     = "snapshots"

	// listConcurrency bounds parallel metadata reads during listing.
	listConcurrency = 8
)

// ErrSessionNotFound is returned when a session id has no directory.
var ErrSessionNotFound = errors.New("session not found")

// Store persists sessions as JSON files under a base directory. Every
// session owns one subdirectory with metadata, messages, context, and a
// snapshots area.
type Store struct {
	baseDir      string
	expiryWindow time.Duration
	logger       *logger.Logger

	// mu serializes mutations of the directory tree.
	mu sync.Mutex
}

// NewStore creates the base directory if needed and returns a store.
func NewStore(baseDir string, expiryWindow time.Duration, log *logger.Logger) (*Store, error) {
	if expiryWindow <= 0 {
		expiryWindow = DefaultExpiryWindow
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}
	return &Store{
		baseDir:      baseDir,
		expiryWindow: expiryWindow,
		logger:       log.WithFields(zap.String("component", "session-store")),
	}, nil
}

// BaseDir returns the directory the store persists under.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// SessionDir returns the directory owned by one session.
func (s *Store) SessionDir(id string) string {
	return filepath.Join(s.baseDir, sessionDirPrefix+id)
}

// Create returns a fresh in-memory session rooted at workDir. The session
// is not persisted until Save.
func (s *Store) Create(workDir string, projectConfig map[string]any) *Session {
	if projectConfig == nil {
		projectConfig = map[string]any{}
	}
	now := time.Now().UTC()
	sess := &Session{
		ID:               NewSessionID(),
		CreatedAt:        now,
		LastAccessedAt:   now,
		WorkingDirectory: workDir,
		Messages:         []Message{},
		Context: Context{
			WorkingDirectory: workDir,
			ResolvedConfig:   projectConfig,
		},
	}
	s.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("working_dir", workDir))
	return sess
}

// Save writes the session's metadata, messages, and context. Stats are
// recomputed from the messages on every save.
func (s *Store) Save(sess *Session) error {
	if sess == nil {
		return errors.New("cannot save nil session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.SessionDir(sess.ID)
	if err := os.MkdirAll(filepath.Join(dir, snapshotsDir), 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	sess.Stats = ComputeStats(sess.Messages)

	if err := writeJSON(filepath.Join(dir, metadataFile), sess); err != nil {
		return fmt.Errorf("write session metadata: %w", err)
	}
	messages := sess.Messages
	if messages == nil {
		messages = []Message{}
	}
	if err := writeJSON(filepath.Join(dir, messagesFile), messages); err != nil {
		return fmt.Errorf("write session messages: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, contextFile), sess.Context); err != nil {
		return fmt.Errorf("write session context: %w", err)
	}

	s.logger.Debug("session saved",
		zap.String("session_id", sess.ID),
		zap.Int("messages", len(messages)))
	return nil
}

// Load reads a session and bumps its in-memory last-access time. Returns
// ErrSessionNotFound when the session directory does not exist.
func (s *Store) Load(id string) (*Session, error) {
	return s.load(id, true)
}

// load reads a session from disk. bumpAccess controls whether the returned
// object's LastAccessedAt is refreshed; listing skips the bump so sort
// order reflects real access history.
func (s *Store) load(id string, bumpAccess bool) (*Session, error) {
	dir := s.SessionDir(id)

	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session metadata: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("parse session metadata: %w", err)
	}

	// Messages and context are best effort: metadata without messages
	// loads as an empty conversation.
	messages, err := readJSONFile[[]Message](filepath.Join(dir, messagesFile))
	if err != nil {
		s.logger.Warn("session messages unreadable, loading empty",
			zap.String("session_id", id), zap.Error(err))
		messages = []Message{}
	}
	if messages == nil {
		messages = []Message{}
	}
	sess.Messages = messages

	sessCtx, err := readJSONFile[Context](filepath.Join(dir, contextFile))
	if err != nil {
		s.logger.Warn("session context unreadable, loading default",
			zap.String("session_id", id), zap.Error(err))
		sessCtx = Context{WorkingDirectory: sess.WorkingDirectory}
	}
	sess.Context = sessCtx

	// Expiration is monotone: a persisted expired flag survives any later
	// access, and age past the window flips it on.
	if !sess.Expired && time.Since(sess.CreatedAt) >= s.expiryWindow {
		sess.Expired = true
	}

	if bumpAccess {
		sess.LastAccessedAt = time.Now().UTC()
	}
	return &sess, nil
}

// List returns all sessions sorted by last-access time, newest first.
// Unreadable sessions are skipped with a warning.
func (s *Store) List(ctx context.Context) ([]*Session, error) {
	entries, err := os.ReadDir(s.baseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sessions directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), sessionDirPrefix) {
			ids = append(ids, strings.TrimPrefix(e.Name(), sessionDirPrefix))
		}
	}

	loaded := make([]*Session, len(ids))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			sess, err := s.load(id, false)
			if err != nil {
				s.logger.Warn("skipping unreadable session",
					zap.String("session_id", id), zap.Error(err))
				return nil
			}
			loaded[i] = sess
			return nil
		})
	}
	_ = g.Wait()

	sessions := make([]*Session, 0, len(loaded))
	for _, sess := range loaded {
		if sess != nil {
			sessions = append(sessions, sess)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastAccessedAt.After(sessions[j].LastAccessedAt)
	})
	return sessions, nil
}

// ListRecent returns up to limit sessions sorted by creation time, newest
// first. limit <= 0 means the default of 10.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = DefaultKeepCount
	}
	sessions, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// Fork copies a session's conversation and context into a new session with
// a fresh id. The runtime session id and stats are not carried over; the
// fork records its parent. The fork is not persisted until Save.
func (s *Store) Fork(srcID string) (*Session, error) {
	src, err := s.load(srcID, false)
	if err != nil {
		return nil, fmt.Errorf("fork source: %w", err)
	}

	now := time.Now().UTC()
	fork := &Session{
		ID:               NewSessionID(),
		CreatedAt:        now,
		LastAccessedAt:   now,
		WorkingDirectory: src.WorkingDirectory,
		ParentSessionID:  src.ID,
		Messages:         cloneMessages(src.Messages),
		Context: Context{
			WorkingDirectory: src.Context.WorkingDirectory,
			ResolvedConfig:   deepCopyConfig(src.Context.ResolvedConfig),
			ActiveAgents:     cloneAgents(src.Context.ActiveAgents),
		},
	}

	s.logger.Info("session forked",
		zap.String("session_id", fork.ID),
		zap.String("parent_session_id", src.ID),
		zap.Int("messages", len(fork.Messages)))
	return fork, nil
}

// CleanOld keeps the keepCount newest sessions by creation time and deletes
// the rest. Returns how many were deleted.
func (s *Store) CleanOld(ctx context.Context, keepCount int) (int, error) {
	if keepCount <= 0 {
		keepCount = DefaultKeepCount
	}
	sessions, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	if len(sessions) <= keepCount {
		return 0, nil
	}

	deleted := 0
	for _, sess := range sessions[keepCount:] {
		s.Delete(sess.ID)
		deleted++
	}
	s.logger.Info("old sessions cleaned",
		zap.Int("deleted", deleted),
		zap.Int("kept", keepCount))
	return deleted, nil
}

// Delete removes a session directory. Best effort: failures are logged and
// swallowed.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.SessionDir(id)); err != nil {
		s.logger.Warn("failed to delete session",
			zap.String("session_id", id), zap.Error(err))
		return
	}
	s.logger.Info("session deleted", zap.String("session_id", id))
}

// writeJSON writes v to path via a temp file rename so a successful return
// always leaves valid JSON behind.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSONFile[T any](path string) (T, error) {
	var v T
	data, err := os.ReadFile(path)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}
