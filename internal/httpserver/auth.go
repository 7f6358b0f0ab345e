// internal/httpserver/auth.go
//
// Accounts, JWT cookies and per-player records.
//   - POST /auth/signup, /auth/login, /auth/logout
//   - GET  /auth/me, /stats/me, /games/mine (require auth)
//
// Guests get a long-lived anonymous cookie; their finished rounds are stored
// under it and moved to the account on signup/login.

package httpserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/robalobadob/applepop/internal/game"
)

var errUsernameTaken = errors.New("username taken")

// authUser is the identity carried in the request context.
type authUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type signupReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginReq = signupReq

// ctxUserKey is the context key type for storing authUser.
type ctxUserKey struct{}

func userFrom(ctx context.Context) *authUser {
	me, _ := ctx.Value(ctxUserKey{}).(*authUser)
	return me
}

// mountAuthRoutes registers authentication + gated routes (/auth/*, /stats/me, /games/mine).
func (s *Server) mountAuthRoutes(r chi.Router) {
	r.Post("/auth/signup", s.handleSignup)
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/logout", s.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth())

		r.Get("/auth/me", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(userFrom(r.Context()))
		})

		r.Get("/stats/me", func(w http.ResponseWriter, r *http.Request) {
			u, err := s.findUserByID(r.Context(), userFrom(r.Context()).ID)
			if err != nil {
				http.Error(w, `{"error":"not_found"}`, http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":          u.ID,
				"gamesPlayed": u.GamesPlayed,
				"totalScore":  u.TotalScore,
				"bestScore":   u.BestScore,
			})
		})

		r.Get("/games/mine", s.handleMyGames)
	})
}

// gameRow is one finished round as listed by /games/mine.
type gameRow struct {
	SessionID  string `json:"sessionId"`
	Round      int    `json:"round"`
	Rows       int    `json:"rows"`
	Cols       int    `json:"cols"`
	Score      int    `json:"score"`
	Matches    int    `json:"matches"`
	Elapsed    int    `json:"elapsed"`
	FinishedAt string `json:"finishedAt"`
}

func (s *Server) handleMyGames(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(),
		`SELECT session_id, round, rows, cols, score, matches, elapsed_s, finished_at
		 FROM games WHERE user_id=? ORDER BY finished_at DESC, id DESC LIMIT 50`,
		userFrom(r.Context()).ID)
	if err != nil {
		http.Error(w, `{"error":"db_error"}`, http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	out := []gameRow{}
	for rows.Next() {
		var g gameRow
		if err := rows.Scan(&g.SessionID, &g.Round, &g.Rows, &g.Cols, &g.Score, &g.Matches, &g.Elapsed, &g.FinishedAt); err == nil {
			out = append(out, g)
		}
	}
	_ = json.NewEncoder(w).Encode(out)
}

// handleSignup creates a new user, signs a JWT, sets auth cookie, and claims anon history.
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var body signupReq
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid_json"}`, http.StatusBadRequest)
		return
	}
	u, err := s.createUser(r.Context(), body.Username, body.Password)
	if err != nil {
		if errors.Is(err, errUsernameTaken) {
			http.Error(w, `{"error":"Username taken"}`, http.StatusConflict)
			return
		}
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}
	if !s.issueToken(w, u) {
		return
	}
	s.claimAnonGames(r.Context(), s.ensureAnonID(w, r), u.ID)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": u.ID, "username": u.Username, "createdAt": u.CreatedAt})
}

// handleLogin authenticates user, sets cookie, and claims anon history.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginReq
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid_json"}`, http.StatusBadRequest)
		return
	}
	u, err := s.findUserByUsername(r.Context(), strings.TrimSpace(body.Username))
	if err != nil || !checkPassword(u.PasswordHash, body.Password) {
		http.Error(w, `{"error":"Invalid username or password"}`, http.StatusUnauthorized)
		return
	}
	if !s.issueToken(w, u) {
		return
	}
	s.claimAnonGames(r.Context(), s.ensureAnonID(w, r), u.ID)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": u.ID, "username": u.Username})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	setCookie(w, cookieName(), "", time.Time{})
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (s *Server) issueToken(w http.ResponseWriter, u *userRow) bool {
	tok, exp, err := signJWT(u.ID, u.Username)
	if err != nil {
		http.Error(w, `{"error":"sign_failed"}`, http.StatusInternalServerError)
		return false
	}
	setCookie(w, cookieName(), tok, exp)
	return true
}

// --------------------------- optional auth ---------------------------------

// withOptionalAuth decorates requests with user context if a valid JWT is present.
// It never 401s; used for routes where guests are allowed.
func (s *Server) withOptionalAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if me := s.authenticate(r); me != nil {
				r = r.WithContext(context.WithValue(r.Context(), ctxUserKey{}, me))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireAuth enforces a valid JWT and injects authUser into request context.
func (s *Server) requireAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			me := s.authenticate(r)
			if me == nil {
				http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxUserKey{}, me)))
		})
	}
}

// authenticate returns the caller if the request carries a valid token for a
// user that still exists.
func (s *Server) authenticate(r *http.Request) *authUser {
	tok := bearerOrCookie(r)
	if tok == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (interface{}, error) {
		return jwtSecret(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !t.Valid {
		return nil
	}
	id, _ := claims["id"].(string)
	if id == "" {
		return nil
	}
	u, err := s.findUserByID(r.Context(), id)
	if err != nil {
		return nil
	}
	return &authUser{ID: u.ID, Username: u.Username}
}

// ------------------------------ owners --------------------------------------

// owner identifies who a finished round belongs to: a user or a guest cookie.
type owner struct {
	UserID string
	AnonID string
}

// ownerOf returns the authenticated user, or the guest id (setting the cookie
// if needed).
func (s *Server) ownerOf(w http.ResponseWriter, r *http.Request) owner {
	if me := userFrom(r.Context()); me != nil {
		return owner{UserID: me.ID}
	}
	return owner{AnonID: s.ensureAnonID(w, r)}
}

// key is the identity used for per-player limits (daily challenge).
func (o owner) key() string {
	if o.UserID != "" {
		return o.UserID
	}
	return "anon:" + o.AnonID
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// resolve maps a guest to the account that claimed it since the session
// started, so rounds finishing after signup land on the account.
func (s *Server) resolve(o owner) owner {
	if o.UserID == "" {
		if uid, ok := s.claims.Load(o.AnonID); ok {
			return owner{UserID: uid.(string)}
		}
	}
	return o
}

// recordResult returns an end hook that stores the finished round for o and
// bumps the user's stats, in one transaction. extra runs inside the same
// transaction (daily results). Failures are logged; play is never affected.
func (s *Server) recordResult(o owner, extra func(context.Context, *sql.Tx, owner, game.Result) error) func(game.Result) {
	return func(res game.Result) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l := log.With().Str("gameId", res.SessionID).Int("round", res.Round).Logger()
		o := s.resolve(o)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			l.Warn().Err(err).Msg("record result: begin")
			return
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO games (session_id, round, user_id, anonymous_id, rows, cols, score, matches, elapsed_s, finished_at)
			 VALUES (?,?,?,?,?,?,?,?,?,?)`,
			res.SessionID, res.Round, nullable(o.UserID), nullable(o.AnonID), res.Rows, res.Cols,
			res.Score, res.Matches, res.Elapsed, res.EndedAt.UTC().Format(time.RFC3339)); err != nil {
			l.Warn().Err(err).Msg("record result: insert game row")
			return
		}
		if o.UserID != "" {
			if err := bumpStats(ctx, tx, o.UserID, res.Score); err != nil {
				l.Warn().Err(err).Msg("record result: bump stats")
				return
			}
		}
		if extra != nil {
			if err := extra(ctx, tx, o, res); err != nil {
				l.Warn().Err(err).Msg("record result: extra")
				return
			}
		}
		if err := tx.Commit(); err != nil {
			l.Warn().Err(err).Msg("record result: commit")
		}
	}
}

// bumpStats adds one finished game to the user's totals (within tx).
func bumpStats(ctx context.Context, tx *sql.Tx, userID string, score int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE users SET games_played = games_played + 1,
		                  total_score  = total_score + ?,
		                  best_score   = MAX(best_score, ?)
		 WHERE id=?`, score, score, userID)
	return err
}

const anonCookieName = "applepop_anon"

// ensureAnonID returns an existing anon cookie or sets a new one.
func (s *Server) ensureAnonID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(anonCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	setCookie(w, anonCookieName, id, time.Now().Add(180*24*time.Hour))
	return id
}

// claimAnonGames transfers any anonymous games and daily results to a user
// account after auth, and folds their scores into the user's stats. A daily
// result the account already has for the same date wins over the guest's.
func (s *Server) claimAnonGames(ctx context.Context, anonID, userID string) {
	if anonID == "" || userID == "" {
		return
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		log.Warn().Err(err).Msg("claim anon games")
		return
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET
		   games_played = games_played + (SELECT COUNT(1) FROM games WHERE anonymous_id=?),
		   total_score  = total_score + (SELECT COALESCE(SUM(score),0) FROM games WHERE anonymous_id=?),
		   best_score   = MAX(best_score, (SELECT COALESCE(MAX(score),0) FROM games WHERE anonymous_id=?))
		 WHERE id=?`, anonID, anonID, anonID, userID); err != nil {
		log.Warn().Err(err).Msg("claim anon games: stats")
		return
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE games SET user_id=?, anonymous_id=NULL WHERE anonymous_id=?`, userID, anonID); err != nil {
		log.Warn().Err(err).Msg("claim anon games")
		return
	}
	guest := owner{AnonID: anonID}.key()
	if _, err := tx.ExecContext(ctx,
		`UPDATE OR IGNORE daily_results SET user_id=? WHERE user_id=?`, userID, guest); err != nil {
		log.Warn().Err(err).Msg("claim anon games: daily")
		return
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_results WHERE user_id=?`, guest); err != nil {
		log.Warn().Err(err).Msg("claim anon games: daily leftovers")
		return
	}
	if err := tx.Commit(); err != nil {
		log.Warn().Err(err).Msg("claim anon games: commit")
		return
	}
	s.claims.Store(anonID, userID)
	if s.daily != nil {
		s.daily.claim(guest, userID)
	}
}

// ------------------------ users -----------------------------

// userRow matches the users table shape.
type userRow struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	GamesPlayed  int
	TotalScore   int
	BestScore    int
}

// createUser validates input, hashes the password and inserts a new user.
func (s *Server) createUser(ctx context.Context, username, pw string) (*userRow, error) {
	username = strings.TrimSpace(username)
	if err := validateSignup(username, pw); err != nil {
		return nil, err
	}
	var exists int
	_ = s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE lower(username)=lower(?)`, username).Scan(&exists)
	if exists == 1 {
		return nil, errUsernameTaken
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Truncate(time.Second)
	u := &userRow{ID: uuid.NewString(), Username: username, PasswordHash: string(h), CreatedAt: now}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, created_at) VALUES (?,?,?,?)`,
		u.ID, u.Username, u.PasswordHash, now.Format(time.RFC3339)); err != nil {
		return nil, err
	}
	return u, nil
}

const userCols = `id, username, password_hash, created_at, games_played, total_score, best_score`

func (s *Server) findUserByUsername(ctx context.Context, username string) (*userRow, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE lower(username)=lower(?)`, username))
}

func (s *Server) findUserByID(ctx context.Context, id string) (*userRow, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=?`, id))
}

func scanUser(row *sql.Row) (*userRow, error) {
	var u userRow
	var created string
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &created, &u.GamesPlayed, &u.TotalScore, &u.BestScore); err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &u, nil
}

func checkPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// validateSignup enforces basic username/password rules.
func validateSignup(u, p string) error {
	if len(u) < 3 || len(u) > 24 {
		return errors.New("username must be 3-24 chars")
	}
	for _, r := range u {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return errors.New("username: letters, numbers, underscore only")
		}
	}
	if len(p) < 8 || len(p) > 100 {
		return errors.New("password must be 8-100 chars")
	}
	return nil
}

// ------------------------------ JWT & cookies ------------------------------

func jwtSecret() []byte { return []byte(getEnv("JWT_SECRET", "dev_secret_change_me")) }

func cookieName() string { return getEnv("COOKIE_NAME", "applepop_token") }

// signJWT creates an HS256 JWT with id/username and a configurable expiry (JWT_EXPIRES_DAYS; default 14).
func signJWT(id, username string) (string, time.Time, error) {
	days := 14
	if n, err := strconv.Atoi(os.Getenv("JWT_EXPIRES_DAYS")); err == nil && n > 0 {
		days = n
	}
	now := time.Now()
	exp := now.Add(time.Duration(days) * 24 * time.Hour)
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":       id,
		"username": username,
		"exp":      exp.Unix(),
		"iat":      now.Unix(),
	})
	ss, err := t.SignedString(jwtSecret())
	return ss, exp, err
}

// setCookie writes an HttpOnly cookie; a zero exp deletes it.
func setCookie(w http.ResponseWriter, name, value string, exp time.Time) {
	secure := os.Getenv("NODE_ENV") == "production"
	sameSite := http.SameSiteLaxMode
	if secure {
		sameSite = http.SameSiteNoneMode // required for third-party contexts when Secure
	}
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: sameSite,
		Expires:  exp,
	}
	if exp.IsZero() {
		c.MaxAge = -1
	}
	http.SetCookie(w, c)
}

// bearerOrCookie extracts a bearer token from Authorization header or auth cookie.
func bearerOrCookie(r *http.Request) string {
	if a := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(a), "bearer ") {
		return strings.TrimSpace(a[7:])
	}
	if c, err := r.Cookie(cookieName()); err == nil {
		return c.Value
	}
	return ""
}
