// internal/game/engine.go
//
// Core engine for a single puzzle session.
// Responsibilities:
//   - Own the grid, the selection, score, elapsed time and phase.
//   - Evaluate the selection after every mutation (overshoot / match / pending).
//   - Run the pending-clear timer and the one-second countdown.
//   - Emit pure data events; rendering and sound live elsewhere.
//
// Notes:
//   - Every intent and every timer callback runs under one mutex, so no
//     handler sees another half-applied.
//   - Timer callbacks carry the id they were armed with and do nothing if a
//     newer arm or a cancel happened in between.
//   - Invalid intents (ended session, out of bounds, cleared cell) are no-ops.
package game

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/robalobadob/applepop/internal/clock"
)

const tickInterval = time.Second

// Option customizes a Session at construction.
type Option func(*Session)

// WithScheduler replaces the wall-clock scheduler (tests use clock.Manual).
func WithScheduler(sc clock.Scheduler) Option { return func(s *Session) { s.sched = sc } }

// WithRand fixes the randomness source for grid values.
func WithRand(r *rand.Rand) Option { return func(s *Session) { s.rng = r } }

// WithValues uses a fixed grid instead of random values. Rows and Cols of the
// config are taken from the values.
func WithValues(values [][]int) Option { return func(s *Session) { s.fixed = values } }

// WithID sets the session identifier instead of a random UUID.
func WithID(id string) Option { return func(s *Session) { s.id = id } }

// WithEndHook registers fn to run once per finished round, outside the
// session lock.
func WithEndHook(fn func(Result)) Option { return func(s *Session) { s.onEnd = fn } }

// Session is the puzzle state machine.
type Session struct {
	mu sync.Mutex

	id    string
	cfg   Config
	sched clock.Scheduler
	rng   *rand.Rand
	fixed [][]int
	onEnd func(Result)
	bus   *EventBus
	log   zerolog.Logger

	grid         *Grid
	sel          selection
	score        int
	elapsed      int
	successCount int
	phase        Phase
	round        int
	endedAt      time.Time
	started      bool
	closed       bool

	pending   clock.Timer
	pendingID uint64
	ticker    clock.Timer
	tickID    uint64

	// per-handler scratch, only touched under mu
	batch []Event
	ended *Result
}

// New validates cfg and builds a session in the Playing phase.
// The countdown does not run until Start is called.
func New(cfg Config, opts ...Option) (*Session, error) {
	s := &Session{sched: clock.Real{}, bus: NewEventBus()}
	for _, o := range opts {
		o(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	s.log = log.With().Str("session", s.id).Logger()

	cfg, grid, err := s.prepare(cfg)
	if err != nil {
		return nil, err
	}
	s.setup(cfg, grid)
	return s, nil
}

// prepare validates cfg and builds the grid for a new round without
// touching the current one.
func (s *Session) prepare(cfg Config) (Config, *Grid, error) {
	if s.fixed != nil {
		g, err := GridFromValues(s.fixed)
		if err != nil {
			return cfg, nil, err
		}
		cfg.Rows, cfg.Cols = g.Rows(), g.Cols()
		if err := cfg.Validate(); err != nil {
			return cfg, nil, err
		}
		return cfg, g, nil
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	return cfg, NewGrid(cfg.Rows, cfg.Cols, s.rng), nil
}

// setup installs a fresh round. Caller holds mu or owns s exclusively.
func (s *Session) setup(cfg Config, grid *Grid) {
	s.cfg = cfg
	s.grid = grid
	s.sel = newSelection()
	s.score, s.elapsed, s.successCount = 0, 0, 0
	s.phase = PhasePlaying
	s.endedAt = time.Time{}
	s.round++
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Config returns the configuration of the current round.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start begins the countdown. Calling it again is a no-op.
func (s *Session) Start() []Event {
	return s.run(func() {
		if s.started || s.closed {
			return
		}
		s.started = true
		s.emit(Event{Kind: EventSessionStarted, Rows: s.cfg.Rows, Cols: s.cfg.Cols})
		if s.phase == PhasePlaying {
			s.armTick()
		}
	})
}

// Toggle selects or deselects the cell at (row, col), then evaluates the sum.
func (s *Session) Toggle(row, col int) []Event {
	return s.run(func() {
		c := Coord{Row: row, Col: col}
		if !s.playing() || !s.grid.In(c) || !s.grid.At(c).Occupied {
			return
		}
		s.emit(Event{Kind: EventTokenInteracted, Cells: []Coord{c}})
		if s.sel.has(c) {
			s.sel.remove(c)
			s.log.Debug().Int("row", row).Int("col", col).Msg("deselect")
		} else {
			s.sel.add(c)
			s.log.Debug().Int("row", row).Int("col", col).Int("value", s.grid.At(c).Value).Msg("select")
		}
		s.emit(Event{Kind: EventSelectionChanged, Cells: s.sel.list()})
		s.evaluate()
	})
}

// Confirm forces evaluation of the current selection: a sum of exactly
// Target scores, anything else clears without scoring.
func (s *Session) Confirm() []Event {
	return s.run(func() {
		if !s.playing() || s.sel.size() == 0 {
			return
		}
		s.cancelPending()
		if sum := s.sum(); sum == Target {
			s.match(sum)
			return
		}
		s.log.Debug().Int("sum", s.sum()).Msg("confirm miss")
		s.emit(Event{Kind: EventSelectionFailed})
		s.clearSelection()
	})
}

// ClearSelection empties the selection without scoring.
// With an empty selection it emits nothing.
func (s *Session) ClearSelection() []Event {
	return s.run(func() {
		if !s.playing() {
			return
		}
		s.clearSelection()
	})
}

// Tick advances the session clock by one second. The running countdown calls
// this on its own; it is exported so a host can drive time itself.
func (s *Session) Tick() []Event {
	return s.run(s.tick)
}

// Reset discards the round and starts a fresh one: new grid, zero score and
// time, empty selection. A nil cfg keeps the current configuration.
func (s *Session) Reset(cfg *Config) ([]Event, error) {
	var err error
	evs := s.run(func() {
		if s.closed {
			return
		}
		next := s.cfg
		if cfg != nil {
			next = *cfg
		}
		var grid *Grid
		if next, grid, err = s.prepare(next); err != nil {
			return
		}
		s.stopTick()
		s.cancelPending()
		s.setup(next, grid)
		s.log.Debug().Int("round", s.round).Msg("reset")
		s.emit(Event{Kind: EventSessionStarted, Rows: s.cfg.Rows, Cols: s.cfg.Cols})
		s.emit(Event{Kind: EventScoreChanged, Score: 0})
		s.emit(Event{Kind: EventTimeChanged, Elapsed: 0})
		if s.started {
			s.armTick()
		}
	})
	return evs, err
}

// Close stops all timers and closes every subscription. Intents become no-ops.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.stopTick()
	s.cancelPending()
	s.bus.Close()
}

// Subscribe returns a buffered stream of every event this session emits.
func (s *Session) Subscribe(bufSize int) *Subscription { return s.bus.Subscribe(bufSize) }

// Unsubscribe ends a subscription created by Subscribe.
func (s *Session) Unsubscribe(sub *Subscription) { s.bus.Unsubscribe(sub) }

// Sum recomputes the selection sum from current membership.
func (s *Session) Sum() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum()
}

// Selection returns the selected coordinates in insertion order.
func (s *Session) Selection() []Coord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sel.list()
}

// Phase reports the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// EndedAt is the wall-clock time the current round ended, zero while playing.
func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// Snapshot copies the full session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := s.cfg.limitSeconds()
	return Snapshot{
		ID:           s.id,
		Rows:         s.grid.Rows(),
		Cols:         s.grid.Cols(),
		Cells:        s.grid.rowsCopy(),
		Selection:    s.sel.list(),
		Sum:          s.sum(),
		Score:        s.score,
		Elapsed:      s.elapsed,
		TimeLimit:    limit,
		Remaining:    max(limit-s.elapsed, 0),
		Tokens:       s.grid.Remaining(),
		Phase:        s.phase,
		SuccessCount: s.successCount,
		Round:        s.round,
	}
}

// ----------------------------- internals -----------------------------------

// run executes fn under the lock and returns the events it emitted.
// The end hook, if the round finished inside fn, runs after unlock.
func (s *Session) run(fn func()) []Event {
	evs, res := s.locked(fn)
	if res != nil && s.onEnd != nil {
		s.onEnd(*res)
	}
	return evs
}

func (s *Session) locked(fn func()) ([]Event, *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch, s.ended = nil, nil
	fn()
	evs, res := s.batch, s.ended
	s.batch, s.ended = nil, nil
	return evs, res
}

func (s *Session) emit(e Event) {
	e.SessionID = s.id
	s.batch = append(s.batch, e)
	s.bus.Publish(e)
}

func (s *Session) playing() bool { return s.phase == PhasePlaying && !s.closed }

func (s *Session) sum() int {
	total := 0
	for _, c := range s.sel.order {
		total += s.grid.At(c).Value
	}
	return total
}

// evaluate runs after every selection mutation.
func (s *Session) evaluate() {
	sum := s.sum()
	switch {
	case sum > Target:
		s.log.Debug().Int("sum", sum).Msg("overshoot")
		s.emit(Event{Kind: EventSelectionRejected})
		s.clearSelection()
	case sum == Target && s.sel.size() > 0:
		s.match(sum)
	case s.sel.size() > 0:
		s.armPending()
	default:
		s.cancelPending()
	}
}

// match scores and vacates every selected cell.
func (s *Session) match(sum int) {
	s.cancelPending()
	cells := s.sel.list()
	for _, c := range cells {
		s.grid.vacate(c)
	}
	s.score += len(cells)
	s.successCount++
	s.log.Debug().Int("sum", sum).Int("cells", len(cells)).Int("ordinal", s.successCount).Msg("match")

	s.emit(Event{Kind: EventMatchFound, Ordinal: s.successCount})
	s.emit(Event{Kind: EventCellsCleared, Cells: cells})
	s.emit(Event{Kind: EventScoreChanged, Score: s.score})
	s.sel.clear()
	s.emit(Event{Kind: EventSelectionChanged, Cells: []Coord{}})
}

func (s *Session) clearSelection() {
	s.cancelPending()
	if s.sel.size() == 0 {
		return
	}
	s.sel.clear()
	s.emit(Event{Kind: EventSelectionChanged, Cells: []Coord{}})
}

// armPending (re)starts the pending-clear delay, replacing any earlier arm.
func (s *Session) armPending() {
	s.cancelPending()
	s.pendingID++
	id := s.pendingID
	s.pending = s.sched.AfterFunc(s.cfg.AutoClearDelay, func() { s.firePending(id) })
}

func (s *Session) cancelPending() {
	if s.pending == nil {
		return
	}
	s.pending.Stop()
	s.pending = nil
	s.pendingID++
}

func (s *Session) firePending(id uint64) {
	s.run(func() {
		if s.pending == nil || s.pendingID != id || !s.playing() {
			return
		}
		s.pending = nil
		s.log.Debug().Int("sum", s.sum()).Dur("delay", s.cfg.AutoClearDelay).Msg("auto-clear")
		s.clearSelection()
	})
}

func (s *Session) armTick() {
	s.stopTick()
	s.tickID++
	id := s.tickID
	s.ticker = s.sched.AfterFunc(tickInterval, func() { s.fireTick(id) })
}

func (s *Session) stopTick() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	s.tickID++
}

func (s *Session) fireTick(id uint64) {
	s.run(func() {
		if s.ticker == nil || s.tickID != id {
			return
		}
		s.ticker = nil
		s.tick()
		if s.playing() {
			s.armTick()
		}
	})
}

func (s *Session) tick() {
	if !s.playing() {
		return
	}
	s.elapsed++
	s.emit(Event{Kind: EventTimeChanged, Elapsed: s.elapsed})
	if s.elapsed >= s.cfg.limitSeconds() {
		s.end()
	}
}

// end moves to PhaseEnded. The selection is left as it was.
func (s *Session) end() {
	s.phase = PhaseEnded
	s.endedAt = time.Now()
	s.stopTick()
	s.cancelPending()
	s.log.Debug().Int("score", s.score).Int("matches", s.successCount).Msg("session ended")
	s.emit(Event{Kind: EventSessionEnded, Score: s.score})
	s.ended = &Result{
		SessionID: s.id,
		Round:     s.round,
		Rows:      s.cfg.Rows,
		Cols:      s.cfg.Cols,
		Score:     s.score,
		Matches:   s.successCount,
		Elapsed:   s.elapsed,
		EndedAt:   s.endedAt,
	}
}
