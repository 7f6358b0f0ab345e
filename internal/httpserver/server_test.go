package httpserver

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robalobadob/applepop/assets"
	"github.com/robalobadob/applepop/internal/clock"
	"github.com/robalobadob/applepop/internal/config"
	"github.com/robalobadob/applepop/internal/database"
	"github.com/robalobadob/applepop/internal/feedback"
	"github.com/robalobadob/applepop/internal/game"
	"github.com/robalobadob/applepop/internal/store"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	srv   *Server
	clock *clock.Manual
	db    *sql.DB
	store store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(db, assets.Migrations))

	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Game.TimeLimitSeconds = 5

	m := clock.NewManual(epoch)
	st := store.NewMemoryStore()
	srv := New(st, db, cfg, WithScheduler(m))
	srv.daily.now = func() time.Time { return epoch }
	return &testEnv{srv: srv, clock: m, db: db, store: st}
}

// client keeps cookies between requests like a browser would.
type client struct {
	t       *testing.T
	h       http.Handler
	cookies map[string]*http.Cookie
}

func (e *testEnv) client(t *testing.T) *client {
	return &client{t: t, h: e.srv.Router(), cookies: map[string]*http.Cookie{}}
}

func (c *client) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var rd io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(b)
	}
	return c.send(method, path, rd)
}

// raw sends body as is, for payloads json.Marshal cannot produce.
func (c *client) raw(method, path, body string) *httptest.ResponseRecorder {
	c.t.Helper()
	return c.send(method, path, strings.NewReader(body))
}

func (c *client) send(method, path string, rd io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, rd)
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	c.h.ServeHTTP(rec, req)
	for _, ck := range rec.Result().Cookies() {
		if ck.MaxAge < 0 {
			delete(c.cookies, ck.Name)
			continue
		}
		c.cookies[ck.Name] = ck
	}
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// findPair returns two occupied cells whose values sum to the target.
func findPair(t *testing.T, snap game.Snapshot) (game.Coord, game.Coord) {
	t.Helper()
	var cells []game.Coord
	for r, row := range snap.Cells {
		for c, cell := range row {
			if cell.Occupied {
				cells = append(cells, game.Coord{Row: r, Col: c})
			}
		}
	}
	for i, a := range cells {
		for _, b := range cells[i+1:] {
			if snap.Cells[a.Row][a.Col].Value+snap.Cells[b.Row][b.Col].Value == game.Target {
				return a, b
			}
		}
	}
	t.Fatal("no pair summing to target on the board")
	return game.Coord{}, game.Coord{}
}

func eventKinds(evs []game.Event) []game.EventKind {
	out := make([]game.EventKind, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Kind)
	}
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.client(t).do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestGame_NewToggleMatch(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	seed := uint64(42)
	rec := c.do(http.MethodPost, "/game/new", map[string]any{"seed": seed})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decode[newGameRes](t, rec)
	require.NotEmpty(t, created.GameID)
	assert.Equal(t, 8, created.State.Rows)
	assert.Equal(t, 15, created.State.Cols)
	assert.Equal(t, 5, created.State.TimeLimit)
	assert.Equal(t, game.PhasePlaying, created.State.Phase)
	assert.Equal(t, feedback.Tracks, created.Tracks)
	assert.Equal(t, 30, created.Audio.Volume)
	assert.Equal(t, 0.3, created.MusicGain)
	assert.Equal(t, feedback.Tracks[0], created.Track)
	assert.Equal(t, 120, created.State.Tokens)
	assert.Contains(t, c.cookies, anonCookieName)

	// same seed, same board
	again := decode[newGameRes](t, c.do(http.MethodPost, "/game/new", map[string]any{"seed": seed}))
	assert.Equal(t, created.State.Cells, again.State.Cells)

	a, b := findPair(t, created.State)
	base := "/game/" + created.GameID

	first := decode[intentRes](t, c.do(http.MethodPost, base+"/toggle", a))
	assert.Equal(t, []game.EventKind{game.EventTokenInteracted, game.EventSelectionChanged}, eventKinds(first.Events))
	require.Len(t, first.Cues, 1)
	assert.Equal(t, feedback.SoundClick, first.Cues[0].Sound)
	assert.Equal(t, []game.Coord{a}, first.State.Selection)

	second := decode[intentRes](t, c.do(http.MethodPost, base+"/toggle", b))
	assert.Equal(t, []game.EventKind{
		game.EventTokenInteracted,
		game.EventSelectionChanged,
		game.EventMatchFound,
		game.EventCellsCleared,
		game.EventScoreChanged,
		game.EventSelectionChanged,
	}, eventKinds(second.Events))
	require.Len(t, second.Cues, 2)
	assert.Equal(t, feedback.SoundSuccess, second.Cues[1].Sound)
	assert.Equal(t, "1st!", second.Cues[1].Message)
	assert.Equal(t, 2, second.State.Score)
	assert.Equal(t, 1, second.State.SuccessCount)
	assert.False(t, second.State.Cells[a.Row][a.Col].Occupied)
	assert.False(t, second.State.Cells[b.Row][b.Col].Occupied)
	assert.Equal(t, 118, second.State.Tokens)

	// cleared cells are inert
	inert := decode[intentRes](t, c.do(http.MethodPost, base+"/toggle", a))
	assert.Empty(t, inert.Events)
	assert.Empty(t, inert.Cues)

	state := decode[game.Snapshot](t, c.do(http.MethodGet, base, nil))
	assert.Equal(t, 2, state.Score)
}

func TestGame_ConfirmClearReset(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	created := decode[newGameRes](t, c.do(http.MethodPost, "/game/new", map[string]any{"rows": 3, "cols": 4}))
	assert.Equal(t, 3, created.State.Rows)
	assert.Equal(t, 4, created.State.Cols)
	base := "/game/" + created.GameID

	// a single cell is always below the target, so confirm misses
	cell := game.Coord{Row: 0, Col: 0}
	c.do(http.MethodPost, base+"/toggle", cell)
	miss := decode[intentRes](t, c.do(http.MethodPost, base+"/confirm", nil))
	assert.Equal(t, []game.EventKind{game.EventSelectionFailed, game.EventSelectionChanged}, eventKinds(miss.Events))
	assert.Empty(t, miss.Cues)
	assert.Empty(t, miss.State.Selection)

	c.do(http.MethodPost, base+"/toggle", cell)
	cleared := decode[intentRes](t, c.do(http.MethodPost, base+"/clear", nil))
	assert.Equal(t, []game.EventKind{game.EventSelectionChanged}, eventKinds(cleared.Events))

	reset := decode[intentRes](t, c.do(http.MethodPost, base+"/reset", map[string]any{"rows": 2, "cols": 2}))
	require.NotEmpty(t, reset.Events)
	assert.Equal(t, game.EventSessionStarted, reset.Events[0].Kind)
	assert.Equal(t, 2, reset.State.Rows)
	assert.Equal(t, 2, reset.State.Round)
	assert.Equal(t, created.GameID, reset.State.ID)
	assert.Equal(t, feedback.Tracks[1], reset.Track)

	rec := c.do(http.MethodPost, base+"/reset", map[string]any{"rows": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	state := decode[game.Snapshot](t, c.do(http.MethodGet, base, nil))
	assert.Equal(t, 2, state.Rows)
}

func TestGame_Errors(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/game/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodPost, "/game/nope/confirm", nil).Code)
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/game/new", map[string]any{"rows": -2}).Code)

	rec := c.do(http.MethodGet, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")
}

func TestGame_RejectsOversizedSettings(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"huge grid", map[string]any{"rows": 100000, "cols": 100000}},
		{"rows over cap", map[string]any{"rows": maxSide + 1}},
		{"cols over cap", map[string]any{"cols": maxSide + 1}},
		{"time limit over cap", map[string]any{"timeLimitSeconds": 1000000000}},
		{"negative time limit", map[string]any{"timeLimitSeconds": -1}},
		{"delay over cap", map[string]any{"autoClearDelaySeconds": 100}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := c.do(http.MethodPost, "/game/new", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "invalid_config")
		})
	}
	assert.Zero(t, env.clock.Pending(), "no session was started")

	created := decode[newGameRes](t, c.do(http.MethodPost, "/game/new", map[string]any{"rows": maxSide, "cols": maxSide}))
	assert.Equal(t, maxSide, created.State.Rows)

	base := "/game/" + created.GameID
	for _, tc := range cases {
		t.Run("reset "+tc.name, func(t *testing.T) {
			rec := c.do(http.MethodPost, base+"/reset", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "invalid_config")
		})
	}
	state := decode[game.Snapshot](t, c.do(http.MethodGet, base, nil))
	assert.Equal(t, 1, state.Round)
	assert.Equal(t, maxSide, state.Cols)
}

func TestGame_MalformedBody(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	rec := c.raw(http.MethodPost, "/game/new", `{"rows": 4,`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad_json")

	rec = c.raw(http.MethodPost, "/game/new", `{"rows": "four"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad_json")
	assert.Zero(t, env.clock.Pending())

	// an empty body means defaults
	created := decode[newGameRes](t, c.raw(http.MethodPost, "/game/new", ""))
	assert.Equal(t, 8, created.State.Rows)

	base := "/game/" + created.GameID
	rec = c.raw(http.MethodPost, base+"/reset", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad_json")

	reset := decode[intentRes](t, c.raw(http.MethodPost, base+"/reset", ""))
	assert.Equal(t, 2, reset.State.Round)
	assert.Equal(t, 8, reset.State.Rows)
}

func TestGame_EndRecordsStats(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	rec := c.do(http.MethodPost, "/auth/signup", signupReq{Username: "picker", Password: "password123"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, c.cookies, cookieName())

	created := decode[newGameRes](t, c.do(http.MethodPost, "/game/new", map[string]any{"seed": 7}))
	a, b := findPair(t, created.State)
	base := "/game/" + created.GameID
	c.do(http.MethodPost, base+"/toggle", a)
	c.do(http.MethodPost, base+"/toggle", b)

	env.clock.Advance(5 * time.Second)

	state := decode[game.Snapshot](t, c.do(http.MethodGet, base, nil))
	assert.Equal(t, game.PhaseEnded, state.Phase)
	assert.Equal(t, 5, state.Elapsed)

	// ended sessions ignore intents
	late := decode[intentRes](t, c.do(http.MethodPost, base+"/toggle", game.Coord{}))
	assert.Empty(t, late.Events)

	stats := decode[map[string]any](t, c.do(http.MethodGet, "/stats/me", nil))
	assert.EqualValues(t, 1, stats["gamesPlayed"])
	assert.EqualValues(t, 2, stats["totalScore"])
	assert.EqualValues(t, 2, stats["bestScore"])

	mine := decode[[]gameRow](t, c.do(http.MethodGet, "/games/mine", nil))
	require.Len(t, mine, 1)
	assert.Equal(t, created.GameID, mine[0].SessionID)
	assert.Equal(t, 2, mine[0].Score)
	assert.Equal(t, 1, mine[0].Matches)
	assert.Equal(t, 5, mine[0].Elapsed)
}

func TestAuth_ClaimsGuestGames(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	created := decode[newGameRes](t, c.do(http.MethodPost, "/game/new", nil))
	env.clock.Advance(5 * time.Second)

	var anon string
	require.NoError(t, env.db.QueryRow(`SELECT anonymous_id FROM games WHERE session_id=?`, created.GameID).Scan(&anon))
	assert.Equal(t, c.cookies[anonCookieName].Value, anon)

	rec := c.do(http.MethodPost, "/auth/signup", signupReq{Username: "late_joiner", Password: "password123"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stats := decode[map[string]any](t, c.do(http.MethodGet, "/stats/me", nil))
	assert.EqualValues(t, 1, stats["gamesPlayed"])

	mine := decode[[]gameRow](t, c.do(http.MethodGet, "/games/mine", nil))
	require.Len(t, mine, 1)
}

func TestAuth_LoginLogout(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/auth/me", nil).Code)
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/auth/signup", signupReq{Username: "x", Password: "password123"}).Code)

	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/auth/signup", signupReq{Username: "Sam", Password: "password123"}).Code)
	assert.Equal(t, http.StatusConflict, env.client(t).do(http.MethodPost, "/auth/signup", signupReq{Username: "sam", Password: "password123"}).Code)

	c.do(http.MethodPost, "/auth/logout", nil)
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/auth/me", nil).Code)

	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodPost, "/auth/login", signupReq{Username: "sam", Password: "wrong-password"}).Code)
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/auth/login", signupReq{Username: "sam", Password: "password123"}).Code)

	me := decode[authUser](t, c.do(http.MethodGet, "/auth/me", nil))
	assert.Equal(t, "Sam", me.Username)
}

func TestDaily_SameBoardOncePerDay(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := env.client(t), env.client(t)

	first := decode[newRes](t, alice.do(http.MethodPost, "/daily/new", nil))
	require.NotEmpty(t, first.GameID)
	assert.Equal(t, "2024-05-01", first.Date)
	assert.False(t, first.Played)

	// reuse while the round is live
	reused := decode[newRes](t, alice.do(http.MethodPost, "/daily/new", nil))
	assert.Equal(t, first.GameID, reused.GameID)

	other := decode[newRes](t, bob.do(http.MethodPost, "/daily/new", nil))
	assert.NotEqual(t, first.GameID, other.GameID)
	assert.Equal(t, first.State.Cells, other.State.Cells)

	a, b := findPair(t, *first.State)
	alice.do(http.MethodPost, "/game/"+first.GameID+"/toggle", a)
	alice.do(http.MethodPost, "/game/"+first.GameID+"/toggle", b)

	env.clock.Advance(5 * time.Second)

	done := decode[newRes](t, alice.do(http.MethodPost, "/daily/new", nil))
	assert.True(t, done.Played)
	assert.Empty(t, done.GameID)

	env.srv.daily.mu.Lock()
	assert.Empty(t, env.srv.daily.sessions, "ended rounds leave no live-session entries")
	env.srv.daily.mu.Unlock()

	rec := alice.do(http.MethodGet, "/daily/leaderboard", nil)
	lb := decode[lbRes](t, rec)
	assert.Equal(t, "2024-05-01", lb.Date)
	require.Len(t, lb.Top, 2)
	assert.Equal(t, 2, lb.Top[0].Score)
	assert.Equal(t, "guest", lb.Top[0].Name)
	assert.Equal(t, 0, lb.Top[1].Score)

	// guest cookies are credentials; they never appear in the public board
	assert.NotContains(t, rec.Body.String(), alice.cookies[anonCookieName].Value)
	assert.NotContains(t, rec.Body.String(), bob.cookies[anonCookieName].Value)
	assert.NotContains(t, rec.Body.String(), "anon:")

	empty := decode[lbRes](t, alice.do(http.MethodGet, "/daily/leaderboard?date=2020-01-01", nil))
	assert.Empty(t, empty.Top)
}

func TestDaily_SignupCarriesFinishedResult(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	first := decode[newRes](t, c.do(http.MethodPost, "/daily/new", nil))
	a, b := findPair(t, *first.State)
	c.do(http.MethodPost, "/game/"+first.GameID+"/toggle", a)
	c.do(http.MethodPost, "/game/"+first.GameID+"/toggle", b)
	env.clock.Advance(5 * time.Second)

	rec := c.do(http.MethodPost, "/auth/signup", signupReq{Username: "daily_guest", Password: "password123"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	again := decode[newRes](t, c.do(http.MethodPost, "/daily/new", nil))
	assert.True(t, again.Played, "the guest result now belongs to the account")
	assert.Empty(t, again.GameID)

	lb := decode[lbRes](t, c.do(http.MethodGet, "/daily/leaderboard", nil))
	require.Len(t, lb.Top, 1)
	assert.Equal(t, "daily_guest", lb.Top[0].Name)
	assert.Equal(t, 2, lb.Top[0].Score)

	var leftover int
	require.NoError(t, env.db.QueryRow(`SELECT COUNT(*) FROM daily_results WHERE user_id LIKE 'anon:%'`).Scan(&leftover))
	assert.Zero(t, leftover)
}

func TestDaily_SignupMidRoundKeepsSession(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	first := decode[newRes](t, c.do(http.MethodPost, "/daily/new", nil))
	require.NotEmpty(t, first.GameID)

	rec := c.do(http.MethodPost, "/auth/signup", signupReq{Username: "mid_round", Password: "password123"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	same := decode[newRes](t, c.do(http.MethodPost, "/daily/new", nil))
	assert.Equal(t, first.GameID, same.GameID)
	assert.False(t, same.Played)

	env.clock.Advance(5 * time.Second)

	done := decode[newRes](t, c.do(http.MethodPost, "/daily/new", nil))
	assert.True(t, done.Played)

	lb := decode[lbRes](t, c.do(http.MethodGet, "/daily/leaderboard", nil))
	require.Len(t, lb.Top, 1)
	assert.Equal(t, "mid_round", lb.Top[0].Name)

	stats := decode[map[string]any](t, c.do(http.MethodGet, "/stats/me", nil))
	assert.EqualValues(t, 1, stats["gamesPlayed"])
}

func TestEvents_StreamsFramesUntilClosed(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	c := env.client(t)
	created := decode[newGameRes](t, c.do(http.MethodPost, "/game/new", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/game/"+created.GameID+"/events", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var hello streamFrame
	require.NoError(t, wsjson.Read(ctx, conn, &hello))
	require.NotNil(t, hello.State)
	assert.Equal(t, created.GameID, hello.State.ID)

	c.do(http.MethodPost, "/game/"+created.GameID+"/toggle", game.Coord{Row: 1, Col: 1})

	var frame streamFrame
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	require.NotNil(t, frame.Event)
	assert.Equal(t, game.EventTokenInteracted, frame.Event.Kind)
	require.NotNil(t, frame.Cue)
	assert.Equal(t, feedback.SoundClick, frame.Cue.Sound)

	frame = streamFrame{}
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	require.NotNil(t, frame.Event)
	assert.Equal(t, game.EventSelectionChanged, frame.Event.Kind)
	assert.Nil(t, frame.Cue)

	require.NoError(t, env.store.Delete(ctx, created.GameID))
	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}
