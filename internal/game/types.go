// internal/game/types.go
//
// Core type definitions for the puzzle engine.
// Defines:
//   - Coord/Cell: grid addressing and per-token state.
//   - Phase: playing → ended.
//   - Config: per-session dimensions and timings.
//   - Snapshot/Result: read models handed to the server and the end hook.

package game

import (
	"errors"
	"fmt"
	"time"
)

// Coord addresses a cell by row and column.
type Coord struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Cell is a single token on the grid.
// Value never changes after creation; Occupied only ever goes true → false.
type Cell struct {
	Value    int  `json:"value"`
	Occupied bool `json:"occupied"`
}

// Phase is the coarse session state.
type Phase string

const (
	PhasePlaying Phase = "playing"
	PhaseEnded   Phase = "ended"
)

// ErrInvalidConfig wraps every construction-time validation failure.
var ErrInvalidConfig = errors.New("game: invalid config")

// Config holds the options a session is built with.
type Config struct {
	Rows           int           // Grid rows (reference: 8).
	Cols           int           // Grid columns (reference: 15).
	TimeLimit      time.Duration // Session length, counted in whole seconds.
	AutoClearDelay time.Duration // Pending-clear delay for incomplete selections.
}

// DefaultConfig returns the reference configuration: 8x15, 60s, 0.7s.
func DefaultConfig() Config {
	return Config{
		Rows:           8,
		Cols:           15,
		TimeLimit:      60 * time.Second,
		AutoClearDelay: 700 * time.Millisecond,
	}
}

// MaxCells bounds rows*cols for any session.
const MaxCells = 1 << 16

// Validate rejects non-positive dimensions and timings, and grids larger
// than MaxCells.
func (c Config) Validate() error {
	switch {
	case c.Rows <= 0:
		return fmt.Errorf("%w: rows must be positive, got %d", ErrInvalidConfig, c.Rows)
	case c.Cols <= 0:
		return fmt.Errorf("%w: cols must be positive, got %d", ErrInvalidConfig, c.Cols)
	case c.Rows > MaxCells/c.Cols:
		return fmt.Errorf("%w: %dx%d grid exceeds %d cells", ErrInvalidConfig, c.Rows, c.Cols, MaxCells)
	case c.TimeLimit <= 0:
		return fmt.Errorf("%w: time limit must be positive, got %s", ErrInvalidConfig, c.TimeLimit)
	case c.AutoClearDelay <= 0:
		return fmt.Errorf("%w: auto-clear delay must be positive, got %s", ErrInvalidConfig, c.AutoClearDelay)
	}
	return nil
}

// limitSeconds rounds the time limit up to whole ticks.
func (c Config) limitSeconds() int {
	n := int(c.TimeLimit / time.Second)
	if c.TimeLimit%time.Second != 0 {
		n++
	}
	return n
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	ID           string   `json:"id"`
	Rows         int      `json:"rows"`
	Cols         int      `json:"cols"`
	Cells        [][]Cell `json:"cells"`
	Selection    []Coord  `json:"selection"`
	Sum          int      `json:"sum"`
	Score        int      `json:"score"`
	Elapsed      int      `json:"elapsed"`
	TimeLimit    int      `json:"timeLimit"`
	Remaining    int      `json:"remaining"` // seconds left
	Tokens       int      `json:"tokens"`    // occupied cells
	Phase        Phase    `json:"phase"`
	SuccessCount int      `json:"successCount"`
	Round        int      `json:"round"`
}

// Result is reported once per finished round.
type Result struct {
	SessionID string
	Round     int
	Rows      int
	Cols      int
	Score     int
	Matches   int
	Elapsed   int
	EndedAt   time.Time
}
