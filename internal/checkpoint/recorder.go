// Package checkpoint records per-session file checkpoints so a user can
// rewind edits made during an assistant turn. The heavy lifting of actually
// snapshotting files belongs to the runtime; the recorder tracks metadata
// and drives the runtime's rewind primitive.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bridle-dev/bridle/internal/common/logger"
	"github.com/bridle-dev/bridle/pkg/agentsdk"
)

const (
	// DefaultKeepCount bounds checkpoints retained per session.
	DefaultKeepCount = 10

	metadataFile = "metadata.json"

	// descriptionMaxChars caps the derived checkpoint description.
	descriptionMaxChars = 80
)

// ErrCheckpointNotFound is returned when a checkpoint id is unknown to the
// recorder or the runtime.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint is the metadata for one capture. Its id equals the UUID of the
// user message that opened the turn.
type Checkpoint struct {
	ID               string    `json:"id"`
	Description      string    `json:"description"`
	Timestamp        time.Time `json:"timestamp"`
	RuntimeSessionID string    `json:"runtimeSessionId,omitempty"`
}

// Recorder tracks checkpoint metadata for one session in an ordered JSON
// array on disk.
type Recorder struct {
	dir       string
	keepCount int
	logger    *logger.Logger

	mu          sync.Mutex
	checkpoints []Checkpoint // capture order, oldest first
}

// NewRecorder loads (or initializes) the metadata file under dir. A corrupt
// file is reset to an empty array with a warning rather than failing.
func NewRecorder(dir string, keepCount int, log *logger.Logger) (*Recorder, error) {
	if keepCount <= 0 {
		keepCount = DefaultKeepCount
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoints directory: %w", err)
	}

	r := &Recorder{
		dir:       dir,
		keepCount: keepCount,
		logger:    log.WithFields(zap.String("component", "checkpoint-recorder")),
	}

	path := r.metadataPath()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		r.checkpoints = []Checkpoint{}
	case err != nil:
		return nil, fmt.Errorf("read checkpoint metadata: %w", err)
	default:
		if err := json.Unmarshal(data, &r.checkpoints); err != nil {
			r.logger.Warn("checkpoint metadata corrupt, reinitializing",
				zap.String("path", path), zap.Error(err))
			r.checkpoints = []Checkpoint{}
			if err := r.persist(); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// Capture appends a checkpoint whose id is the triggering user message
// UUID, evicting the oldest entries past the keep count.
func (r *Recorder) Capture(messageID, description, runtimeSessionID string) (*Checkpoint, error) {
	if messageID == "" {
		return nil, errors.New("checkpoint requires a message id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cp := Checkpoint{
		ID:               messageID,
		Description:      description,
		Timestamp:        time.Now().UTC(),
		RuntimeSessionID: runtimeSessionID,
	}
	r.checkpoints = append(r.checkpoints, cp)

	for len(r.checkpoints) > r.keepCount {
		evicted := r.checkpoints[0]
		r.checkpoints = r.checkpoints[1:]
		r.logger.Debug("checkpoint evicted",
			zap.String("checkpoint_id", evicted.ID),
			zap.Int("keep_count", r.keepCount))
	}

	if err := r.persist(); err != nil {
		return nil, err
	}

	r.logger.Debug("checkpoint captured",
		zap.String("checkpoint_id", cp.ID),
		zap.String("description", cp.Description))
	return &cp, nil
}

// List returns checkpoints newest first.
func (r *Recorder) List() []Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Checkpoint, len(r.checkpoints))
	for i, cp := range r.checkpoints {
		out[len(r.checkpoints)-1-i] = cp
	}
	return out
}

// Get returns the checkpoint with the given id, if recorded.
func (r *Recorder) Get(id string) (*Checkpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cp := range r.checkpoints {
		if cp.ID == id {
			found := cp
			return &found, true
		}
	}
	return nil, false
}

// Restore rewinds files to the given checkpoint through the runtime handle.
func (r *Recorder) Restore(ctx context.Context, id string, handle agentsdk.Handle) error {
	if handle == nil {
		return errors.New("no runtime handle available for rewind")
	}
	if _, ok := r.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
	}

	if err := handle.RewindFiles(ctx, id); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no checkpoint") {
			return fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
		}
		return fmt.Errorf("rewind files: %w", err)
	}

	r.logger.Info("checkpoint restored", zap.String("checkpoint_id", id))
	return nil
}

// DescriptionFor derives a checkpoint description from message content: the
// first text block truncated to 80 characters, or a timestamped fallback
// when the message carries no text.
func DescriptionFor(content agentsdk.MessageContent, at time.Time) string {
	text := content.Text
	if content.IsBlocks() {
		text = ""
		for _, blk := range content.Blocks {
			if blk.Type == agentsdk.BlockTypeText {
				text = blk.Text
				break
			}
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "Checkpoint at " + at.UTC().Format(time.RFC3339)
	}
	runes := []rune(text)
	if len(runes) > descriptionMaxChars {
		return string(runes[:descriptionMaxChars])
	}
	return text
}

func (r *Recorder) metadataPath() string {
	return filepath.Join(r.dir, metadataFile)
}

// persist writes the metadata array. Callers hold r.mu.
func (r *Recorder) persist() error {
	data, err := json.MarshalIndent(r.checkpoints, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint metadata: %w", err)
	}
	tmp := r.metadataPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint metadata: %w", err)
	}
	if err := os.Rename(tmp, r.metadataPath()); err != nil {
		return fmt.Errorf("write checkpoint metadata: %w", err)
	}
	return nil
}
