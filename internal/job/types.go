package job

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"mediavault/internal/archive"
	"mediavault/internal/artifact"
)

type State string

const (
	StatePreparing  State = "preparing"
	StateProcessing State = "processing"
	StateReady      State = "ready"
	StateError      State = "error"
	StateCancelled  State = "cancelled"
)

// Live reports whether a builder is (or will be) running for the job.
func (s State) Live() bool { return s == StatePreparing || s == StateProcessing }

func (s State) Terminal() bool { return !s.Live() }

// Job is the registry record of one archive build.
type Job struct {
	ID           string
	State        State
	Progress     int
	SourcePath   string
	ArtifactPath string
	CreatedAt    time.Time
	FolderSize   int64
	Error        string

	cancelRequested bool
	cancel          context.CancelFunc
	// done is closed once the job's worker has returned.
	done chan struct{}
	// after, when set, is the done channel of the cancelled job this one replaced.
	after <-chan struct{}
}

// Snapshot is a consistent copy of a job's state handed out to callers.
type Snapshot struct {
	ID         string
	State      State
	Progress   int
	Error      string
	SourcePath string
	FolderSize int64
	Size       int64
	Cached     bool
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

func (j *Job) snapshot() Snapshot {
	return Snapshot{
		ID:         j.ID,
		State:      j.State,
		Progress:   j.Progress,
		Error:      j.Error,
		SourcePath: j.SourcePath,
		FolderSize: j.FolderSize,
		CreatedAt:  j.CreatedAt,
	}
}

func cachedSnapshot(art artifact.Artifact) Snapshot {
	return Snapshot{
		ID:         art.ID,
		State:      StateReady,
		Progress:   100,
		SourcePath: art.Source,
		Size:       art.Size,
		Cached:     true,
		CreatedAt:  art.CreatedAt,
		ExpiresAt:  art.ExpiresAt,
	}
}

// ArtifactStore is the part of the artifact store the registry relies on.
type ArtifactStore interface {
	Path(id string) string
	Fresh(id string) (artifact.Artifact, bool)
	Commit(id, source string) (artifact.Artifact, error)
	Remove(id string) error
}

// BuildFunc streams sourceDir into destZipPath, reporting progress.
type BuildFunc func(ctx context.Context, sourceDir, destZipPath string, reporter archive.Reporter) (archive.Result, error)

// SizeFunc returns the total size of the files under dir.
type SizeFunc func(ctx context.Context, dir string) (int64, error)

// Event describes a job lifecycle transition.
type Event struct {
	ZipID      string    `json:"zipId"`
	Status     State     `json:"status"`
	SourcePath string    `json:"sourcePath"`
	Size       int64     `json:"size,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Notifier receives lifecycle events. Failures are logged and otherwise ignored.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

type Options struct {
	MaxConcurrentBuilds int
	// MaxArchiveSize rejects folders larger than this many bytes at admission.
	MaxArchiveSize int64
	Build          BuildFunc
	EstimateSize   SizeFunc
	Notifier       Notifier
	Clock          clockwork.Clock
}

const (
	DefaultMaxArchiveSize int64 = 20 << 30
	defaultMaxConcurrent        = 2
)
