// internal/httpserver/routes_game.go
//
// HTTP routes for puzzle sessions.
//   - POST /game/new           → create and start a session
//   - GET  /game/{id}          → current state
//   - POST /game/{id}/toggle   → select/deselect a cell
//   - POST /game/{id}/confirm  → force evaluation of the selection
//   - POST /game/{id}/clear    → drop the selection
//   - POST /game/{id}/reset    → fresh round, same session id
//   - GET  /game/{id}/events   → websocket stream of events + cues
//
// Intent responses carry the events the intent produced, the feedback cues
// for them, and a snapshot, so a client can render without the stream.
// Timer-driven events (auto-clear, ticks, end) only arrive over the stream.

package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/robalobadob/applepop/internal/config"
	"github.com/robalobadob/applepop/internal/feedback"
	"github.com/robalobadob/applepop/internal/game"
)

// mountGame registers the /game routes.
func (s *Server) mountGame(r chi.Router) {
	r.Post("/game/new", s.handleNewGame)
	r.Get("/game/{id}", s.handleState)
	r.Post("/game/{id}/toggle", s.handleToggle)
	r.Post("/game/{id}/confirm", s.intent(func(g *game.Session) []game.Event { return g.Confirm() }))
	r.Post("/game/{id}/clear", s.intent(func(g *game.Session) []game.Event { return g.ClearSelection() }))
	r.Post("/game/{id}/reset", s.handleReset)
}

// settingsReq overrides the configured defaults; zero fields keep them.
type settingsReq struct {
	Rows                  int     `json:"rows"`
	Cols                  int     `json:"cols"`
	TimeLimitSeconds      int     `json:"timeLimitSeconds"`
	AutoClearDelaySeconds float64 `json:"autoClearDelaySeconds"`
}

// newGameReq is the payload for POST /game/new.
type newGameReq struct {
	settingsReq
	Seed *uint64 `json:"seed"` // optional fixed board (testing, sharing)
}

// newGameRes is returned by POST /game/new.
type newGameRes struct {
	GameID    string             `json:"gameId"`
	State     game.Snapshot      `json:"state"`
	Audio     config.AudioConfig `json:"audio"`
	MusicGain float64            `json:"musicGain"` // Audio.Volume as 0..1
	Track     string             `json:"track"`     // music for the current round
	Tracks    []string           `json:"tracks"`
}

// intentRes is returned by every intent route.
type intentRes struct {
	Events []game.Event   `json:"events"`
	Cues   []feedback.Cue `json:"cues"`
	State  game.Snapshot  `json:"state"`
	Track  string         `json:"track,omitempty"` // reset only
}

// toggleReq is the payload for POST /game/{id}/toggle.
type toggleReq struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// streamFrame is one websocket message: the initial state, then one per event.
type streamFrame struct {
	State *game.Snapshot `json:"state,omitempty"`
	Event *game.Event    `json:"event,omitempty"`
	Cue   *feedback.Cue  `json:"cue,omitempty"`
}

// Upper bounds on client-supplied settings.
const (
	maxSide             = 64
	maxTimeLimitSeconds = 3600
	maxAutoClearSeconds = 10
)

// validate rejects negative or oversized overrides before anything is allocated.
func (req settingsReq) validate() error {
	switch {
	case req.Rows < 0 || req.Rows > maxSide:
		return fmt.Errorf("rows must be 1..%d", maxSide)
	case req.Cols < 0 || req.Cols > maxSide:
		return fmt.Errorf("cols must be 1..%d", maxSide)
	case req.TimeLimitSeconds < 0 || req.TimeLimitSeconds > maxTimeLimitSeconds:
		return fmt.Errorf("timeLimitSeconds must be 1..%d", maxTimeLimitSeconds)
	case req.AutoClearDelaySeconds < 0 || req.AutoClearDelaySeconds > maxAutoClearSeconds:
		return fmt.Errorf("autoClearDelaySeconds must be 0..%d", maxAutoClearSeconds)
	}
	return nil
}

// decodeOptional reads an optional JSON body; an empty body leaves v untouched.
func decodeOptional(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// sessionConfig merges request overrides onto the configured defaults.
func (s *Server) sessionConfig(req settingsReq) (game.Config, error) {
	cfg := s.cfg.Game.Session()
	if err := req.validate(); err != nil {
		return cfg, err
	}
	if req.Rows != 0 {
		cfg.Rows = req.Rows
	}
	if req.Cols != 0 {
		cfg.Cols = req.Cols
	}
	if req.TimeLimitSeconds != 0 {
		cfg.TimeLimit = time.Duration(req.TimeLimitSeconds) * time.Second
	}
	if req.AutoClearDelaySeconds != 0 {
		cfg.AutoClearDelay = time.Duration(req.AutoClearDelaySeconds * float64(time.Second))
	}
	return cfg, nil
}

// handleNewGame creates, stores and starts a session. Finished rounds are
// recorded against the caller (user or anonymous cookie).
func (s *Server) handleNewGame(w http.ResponseWriter, r *http.Request) {
	var req newGameReq
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, `{"error":"bad_json"}`, http.StatusBadRequest)
		return
	}
	cfg, err := s.sessionConfig(req.settingsReq)
	if err != nil {
		log.Debug().Err(err).Msg("new game settings")
		http.Error(w, `{"error":"invalid_config"}`, http.StatusBadRequest)
		return
	}

	opts := []game.Option{
		game.WithScheduler(s.sched),
		game.WithEndHook(s.recordResult(s.ownerOf(w, r), nil)),
	}
	if req.Seed != nil {
		opts = append(opts, game.WithRand(rand.New(rand.NewPCG(*req.Seed, *req.Seed))))
	}
	g, err := game.New(cfg, opts...)
	if err != nil {
		http.Error(w, `{"error":"invalid_config"}`, http.StatusBadRequest)
		return
	}
	if err := s.store.Save(r.Context(), g); err != nil {
		log.Error().Err(err).Msg("save game")
		http.Error(w, `{"error":"save_failed"}`, http.StatusInternalServerError)
		return
	}
	g.Start()

	snap := g.Snapshot()
	_ = json.NewEncoder(w).Encode(newGameRes{
		GameID:    g.ID(),
		State:     snap,
		Audio:     s.cfg.Audio,
		MusicGain: feedback.MusicVolume(s.cfg.Audio.Volume),
		Track:     feedback.RoundTrack(snap.Round),
		Tracks:    feedback.Tracks,
	})
}

// lookup resolves {id} or writes a 404.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*game.Session, bool) {
	g, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
		return nil, false
	}
	return g, true
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	g, ok := s.lookup(w, r)
	if !ok {
		return
	}
	_ = json.NewEncoder(w).Encode(g.Snapshot())
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req toggleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad_json"}`, http.StatusBadRequest)
		return
	}
	s.intent(func(g *game.Session) []game.Event { return g.Toggle(req.Row, req.Col) })(w, r)
}

// intent wraps a body-less session intent as a handler.
func (s *Server) intent(apply func(*game.Session) []game.Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, ok := s.lookup(w, r)
		if !ok {
			return
		}
		writeIntent(w, g, apply(g))
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	g, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req settingsReq
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, `{"error":"bad_json"}`, http.StatusBadRequest)
		return
	}
	var cfg *game.Config
	if req != (settingsReq{}) {
		c, err := s.sessionConfig(req)
		if err != nil {
			log.Debug().Err(err).Str("gameId", g.ID()).Msg("reset settings")
			http.Error(w, `{"error":"invalid_config"}`, http.StatusBadRequest)
			return
		}
		cfg = &c
	}
	evs, err := g.Reset(cfg)
	if err != nil {
		http.Error(w, `{"error":"invalid_config"}`, http.StatusBadRequest)
		return
	}
	res := newIntentRes(g, evs)
	res.Track = feedback.RoundTrack(res.State.Round)
	_ = json.NewEncoder(w).Encode(res)
}

func newIntentRes(g *game.Session, evs []game.Event) intentRes {
	if evs == nil {
		evs = []game.Event{}
	}
	return intentRes{
		Events: evs,
		Cues:   feedback.Cues(evs),
		State:  g.Snapshot(),
	}
}

func writeIntent(w http.ResponseWriter, g *game.Session, evs []game.Event) {
	_ = json.NewEncoder(w).Encode(newIntentRes(g, evs))
}

// handleEvents upgrades to a websocket and streams every session event with
// its cue until the client goes away or the session is closed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	g, ok := s.lookup(w, r)
	if !ok {
		return
	}
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns()})
	if err != nil {
		log.Warn().Err(err).Str("gameId", g.ID()).Msg("websocket accept")
		return
	}
	defer c.CloseNow()

	sub := g.Subscribe(64)
	defer g.Unsubscribe(sub)

	// We never expect client messages; CloseRead handles pings and closes.
	ctx := c.CloseRead(r.Context())

	snap := g.Snapshot()
	if err := writeFrame(ctx, c, streamFrame{State: &snap}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				_ = c.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			frame := streamFrame{Event: &e}
			if cue, ok := feedback.For(e); ok {
				frame.Cue = &cue
			}
			if err := writeFrame(ctx, c, frame); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Debug().Err(err).Str("gameId", g.ID()).Msg("websocket write")
				}
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, c *websocket.Conn, f streamFrame) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c, f)
}
