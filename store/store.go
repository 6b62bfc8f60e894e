// Package store persists session transcripts so they can be listed, shown
// and resumed later.
package store

import (
	"context"
	"regexp"
	"time"

	"github.com/m4xw311/agentdeck/errors"
	"github.com/m4xw311/agentdeck/session"
)

// ErrNotFound is returned by Load and Delete for unknown ids.
var ErrNotFound = errors.Sentinel("session not found in store")

// Record is a persisted session.
type Record struct {
	session.Snapshot
	Agent string `json:"agent,omitempty"`
}

// Summary is the listing form of a Record.
type Summary struct {
	ID        string
	Agent     string
	Title     string
	Cwd       string
	State     session.State
	Messages  int
	UpdatedAt time.Time
}

type Store interface {
	Save(ctx context.Context, r Record) error
	Load(ctx context.Context, id string) (*Record, error)
	// List returns every record, most recently updated first.
	List(ctx context.Context) ([]Summary, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

func Summarize(r Record) Summary {
	return Summary{
		ID:        r.ID,
		Agent:     r.Agent,
		Title:     r.Title,
		Cwd:       r.Cwd,
		State:     r.State,
		Messages:  len(r.Messages),
		UpdatedAt: r.UpdatedAt,
	}
}

// Recorder saves every snapshot a session reports.
type Recorder struct {
	Store Store
	Agent string
}

var _ session.Recorder = Recorder{}

func (r Recorder) Record(ctx context.Context, snap session.Snapshot) error {
	return r.Store.Save(ctx, Record{Snapshot: snap, Agent: r.Agent})
}

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// CheckID rejects ids that are unsafe as file names.
func CheckID(id string) error {
	if !validID.MatchString(id) || len(id) > 200 {
		return errors.New("invalid session id %q", id)
	}
	return nil
}
