// Package worker defines the contract between the task engine and scouting drivers.
package worker

import (
	"context"
	"errors"
	"strings"

	"github.com/scoutflow/scoutflow/internal/accounts"
)

// Common errors
var (
	ErrDriverClosed = errors.New("driver closed")
)

// driverClosedMarkers are substrings seen when the underlying browser or its
// transport has gone away mid-call. Matching them lets the session pool
// discard dead slots no matter which layer produced the error.
var driverClosedMarkers = []string{
	"driver closed",
	"browser has been closed",
	"target closed",
	"session not created",
	"websocket: close",
	"not connected",
}

// IsDriverClosed reports whether err means the session's underlying driver is
// gone. The session pool closes and removes the slot when it sees one.
func IsDriverClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDriverClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range driverClosedMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Runtime owns the underlying automation engine and logs sessions in.
// One runtime serves the whole process; the session pool is its only caller.
type Runtime interface {
	// Spawn starts a fresh session and authenticates it as the given account.
	Spawn(ctx context.Context, account *accounts.Account) (Session, error)

	// Close shuts the runtime down. Sessions spawned from it become unusable.
	Close(ctx context.Context) error
}

// Session is a live, logged-in portal session. The session pool owns the
// lifecycle; drivers only operate through a session they were handed for the
// duration of one batch.
type Session interface {
	// ID returns the stable session identifier.
	ID() string

	// Account returns the credential this session is currently logged in as.
	Account() *accounts.Account

	// Probe runs a trivial synchronous call to verify the session is alive.
	// A driver-closed error (see IsDriverClosed) means the slot is dead.
	Probe(ctx context.Context) error

	// Reinitialize re-authenticates the session as a different account.
	// On failure the session must be treated as dead.
	Reinitialize(ctx context.Context, account *accounts.Account) error

	// GoHome navigates the session back to a benign landing page so the next
	// borrower starts from known ground. Callers bound it with a timeout.
	GoHome(ctx context.Context) error

	// Close tears the session down.
	Close(ctx context.Context) error
}

// Progress is an incremental update emitted by a driver mid-batch.
// LatestSubject is empty when only the count changed; NewCreators is the
// count accumulated so far within the current batch.
type Progress struct {
	LatestSubject string
	NewCreators   int
}

// ProgressFunc receives driver progress. The engine serialises invocations
// under the task lock, so implementations need no locking of their own.
// Duplicate or out-of-order updates are tolerated.
type ProgressFunc func(Progress)

// BatchRequest describes one scouting batch. The engine builds a fresh one
// per batch; drivers must not retain it past Run.
type BatchRequest struct {
	TaskID  string
	TaskDir string
	Payload map[string]interface{}

	// BatchTarget is how many new creators this batch should aim for.
	// MaxCreators is the overall cap for the task.
	BatchTarget int
	MaxCreators int

	// Account is the credential borrowed for this run. Session is the live
	// session bound to it; the session pool keeps ownership.
	Account *accounts.Account
	Session Session

	// Cancel is closed when the task is being cancelled. Run must notice it
	// within seconds and may return mid-batch with whatever it accumulated.
	Cancel <-chan struct{}

	// Progress reports incremental results. May be nil.
	Progress ProgressFunc

	// Seen and Skipped are shared across all batches of one run so a later
	// batch never re-processes a creator an earlier one handled.
	Seen    Set
	Skipped Set
}

// BatchResult is what one driver batch reports back.
type BatchResult struct {
	Success      bool
	NewCreators  int
	TotalScanned int

	// OutputFiles is the full list of files this batch produced, not a
	// delta. The engine unions them at the record level.
	OutputFiles []string

	LogPath       string
	LatestSubject string

	// Cancelled is set when the batch stopped because of the cancel signal.
	Cancelled bool

	// RestartRequested asks the engine to continue with a fresh driver
	// instance instead of treating the run as done.
	RestartRequested bool
	RestartReason    string

	Message string
}

// Driver executes a single scouting batch. Instances are single-use: the
// engine creates one per batch through a Factory and discards it after Run.
type Driver interface {
	Run(ctx context.Context, req *BatchRequest) (*BatchResult, error)
}

// Factory builds driver instances. Implementations must tolerate several
// instances existing for the same task over the course of one run.
type Factory interface {
	New(ctx context.Context) (Driver, error)
}
