// internal/httpserver/routes_daily.go
//
// HTTP routes for the "Daily Challenge" mode.
// Exposes two endpoints under /daily:
//   - POST /daily/new         → start today's board (creates or reuses session)
//   - GET  /daily/leaderboard → top 20 results for today (or ?date=YYYY-MM-DD)
//
// The daily board is a normal session whose grid is drawn from a PCG seeded
// by HMAC(salt, date), so every player gets the same board on a date. Play
// goes through the regular /game/{id}/* routes. Each player (account or
// guest cookie) gets one recorded result per day; it is written when the
// first round ends.

package httpserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/robalobadob/applepop/internal/daily"
	"github.com/robalobadob/applepop/internal/game"
)

// dailyServer wraps dependencies for /daily endpoints.
type dailyServer struct {
	srv      *Server
	store    *daily.Store
	salt     string
	now      func() time.Time
	sessions map[string]string // session id keyed by owner|date
	mu       sync.Mutex        // guards sessions
}

// mountDaily registers all /daily routes.
func (s *Server) mountDaily(r chi.Router) {
	dd := &dailyServer{
		srv:      s,
		store:    daily.NewStore(s.db),
		salt:     getEnv("DAILY_SALT", "local_dev_salt"),
		now:      time.Now,
		sessions: make(map[string]string),
	}
	s.daily = dd
	r.Route("/daily", func(r chi.Router) {
		r.Post("/new", dd.handleNew)
		r.Get("/leaderboard", dd.handleLeaderboard)
	})
}

// newRes is returned by /daily/new.
type newRes struct {
	GameID string         `json:"gameId"`
	Date   string         `json:"date"`
	Played bool           `json:"played"`
	State  *game.Snapshot `json:"state,omitempty"`
}

// handleNew creates or reuses today's session for the caller.
//   - A recorded result for today → Played=true, no session.
//   - A live session for today → the same GameID.
//   - Otherwise a fresh seeded session is started.
func (d *dailyServer) handleNew(w http.ResponseWriter, r *http.Request) {
	o := d.srv.ownerOf(w, r)
	now := d.now().UTC()
	date := daily.DateKey(now)

	if played, err := d.store.AlreadyPlayed(r.Context(), o.key(), date); err == nil && played {
		_ = json.NewEncoder(w).Encode(newRes{Date: date, Played: true})
		return
	}

	key := o.key() + "|" + date
	d.mu.Lock()
	defer d.mu.Unlock()

	if id, ok := d.sessions[key]; ok {
		if g, err := d.srv.store.Get(r.Context(), id); err == nil {
			snap := g.Snapshot()
			_ = json.NewEncoder(w).Encode(newRes{GameID: id, Date: date, Played: snap.Phase == game.PhaseEnded, State: &snap})
			return
		}
		delete(d.sessions, key)
	}

	s1, s2 := daily.Seed(now, d.salt)
	record := d.srv.recordResult(o, d.recordDaily(date, s1))
	id := uuid.NewString()
	g, err := game.New(d.srv.cfg.Game.Session(),
		game.WithID(id),
		game.WithScheduler(d.srv.sched),
		game.WithRand(rand.New(rand.NewPCG(s1, s2))),
		game.WithEndHook(func(res game.Result) {
			record(res)
			d.forget(id)
		}),
	)
	if err != nil {
		http.Error(w, `{"error":"invalid_config"}`, http.StatusInternalServerError)
		return
	}
	if err := d.srv.store.Save(r.Context(), g); err != nil {
		log.Error().Err(err).Msg("save daily game")
		http.Error(w, `{"error":"save_failed"}`, http.StatusInternalServerError)
		return
	}
	d.sessions[key] = g.ID()
	g.Start()

	snap := g.Snapshot()
	_ = json.NewEncoder(w).Encode(newRes{GameID: g.ID(), Date: date, State: &snap})
}

// recordDaily adds the leaderboard row alongside the games row. Later rounds
// of the same session (after a reset) are ignored by the store.
func (d *dailyServer) recordDaily(date string, seed uint64) func(context.Context, *sql.Tx, owner, game.Result) error {
	return func(ctx context.Context, tx *sql.Tx, o owner, res game.Result) error {
		return d.store.InsertResultTx(ctx, tx, daily.Result{
			UserID:  o.key(),
			Date:    date,
			Seed:    seed,
			Score:   res.Score,
			Matches: res.Matches,
		})
	}
}

// forget drops the live-session entry once its round has ended; from then on
// the recorded result answers /daily/new.
func (d *dailyServer) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range d.sessions {
		if v == id {
			delete(d.sessions, k)
		}
	}
}

// claim re-keys a guest's live daily sessions to the account that claimed it.
func (d *dailyServer) claim(guest, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := guest + "|"
	for k, id := range d.sessions {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		delete(d.sessions, k)
		nk := userID + "|" + strings.TrimPrefix(k, prefix)
		if _, taken := d.sessions[nk]; !taken {
			d.sessions[nk] = id
		}
	}
}

// lbRes is returned by /daily/leaderboard.
type lbRes struct {
	Date string        `json:"date"`
	Top  []daily.LBRow `json:"top"`
}

// handleLeaderboard returns the leaderboard for the given date (default today).
func (d *dailyServer) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = daily.DateKey(d.now())
	}
	rows, err := d.store.Leaderboard(r.Context(), date, 20)
	if err != nil {
		http.Error(w, `{"error":"db_error"}`, http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(lbRes{Date: date, Top: rows})
}
