package daily

import (
	"context"
	"database/sql"
	"strconv"
)

// Result is one player's finished daily round.
type Result struct {
	UserID  string `json:"userId"`
	Date    string `json:"date"`
	Seed    uint64 `json:"seed"`
	Score   int    `json:"score"`
	Matches int    `json:"matches"`
}

// LBRow is a leaderboard entry.
type LBRow struct {
	UserID  string `json:"-"`    // account id or guest key; never sent to clients
	Name    string `json:"name"` // username, or "guest"
	Score   int    `json:"score"`
	Matches int    `json:"matches"`
}

// Store persists daily results in the daily_results table.
type Store struct{ db *sql.DB }

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// AlreadyPlayed reports whether userID has a result for date.
func (s *Store) AlreadyPlayed(ctx context.Context, userID, date string) (bool, error) {
	var cnt int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM daily_results WHERE user_id=? AND date=?`,
		userID, date,
	).Scan(&cnt)
	return cnt > 0, err
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertResult records r. A second result for the same user and date is
// ignored (UNIQUE(user_id, date)).
func (s *Store) InsertResult(ctx context.Context, r Result) error {
	return insertResult(ctx, s.db, r)
}

// InsertResultTx is InsertResult inside the caller's transaction.
func (s *Store) InsertResultTx(ctx context.Context, tx *sql.Tx, r Result) error {
	return insertResult(ctx, tx, r)
}

func insertResult(ctx context.Context, ex execer, r Result) error {
	_, err := ex.ExecContext(ctx,
		`INSERT OR IGNORE INTO daily_results(user_id, date, seed, score, matches)
		 VALUES (?,?,?,?,?)`,
		r.UserID, r.Date, strconv.FormatUint(r.Seed, 10), r.Score, r.Matches,
	)
	return err
}

// Leaderboard returns the best results for date: score DESC, matches DESC,
// then earliest finish. A non-positive limit means 20.
func (s *Store) Leaderboard(ctx context.Context, date string, limit int) ([]LBRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.user_id, COALESCE(u.username, 'guest'), d.score, d.matches
		 FROM daily_results d
		 LEFT JOIN users u ON u.id = d.user_id
		 WHERE d.date=?
		 ORDER BY d.score DESC, d.matches DESC, d.created_at ASC
		 LIMIT ?`, date, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]LBRow, 0, limit)
	for rows.Next() {
		var r LBRow
		if err := rows.Scan(&r.UserID, &r.Name, &r.Score, &r.Matches); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
