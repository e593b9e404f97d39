package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/talkline/talkline/internal/model"
	"github.com/talkline/talkline/internal/store"

	_ "modernc.org/sqlite"
)

const (
	postPageSize  = 10
	replyPageSize = 25
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// migrations is an ordered list of SQL migrations.
// Each migration runs exactly once, tracked by schema_version table.
var migrations = []string{
	// Migration 1: Initial schema
	`
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL,
	email TEXT NOT NULL,
	password TEXT NOT NULL,
	first_name TEXT,
	last_name TEXT,
	phone TEXT,
	admin INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email);

CREATE TABLE IF NOT EXISTS posts (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	text TEXT NOT NULL,
	score INTEGER NOT NULL DEFAULT 0,
	parent_id TEXT,
	deleted INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_posts_parent_id ON posts(parent_id);

CREATE TABLE IF NOT EXISTS votes (
	user_id INTEGER NOT NULL,
	post_id TEXT NOT NULL,
	positive INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (user_id, post_id)
);

CREATE TABLE IF NOT EXISTS following (
	user_id INTEGER NOT NULL,
	follow_id INTEGER NOT NULL,
	PRIMARY KEY (user_id, follow_id)
);

CREATE TABLE IF NOT EXISTS reports (
	post_id TEXT NOT NULL,
	user_id INTEGER NOT NULL,
	reason TEXT,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (post_id, user_id)
);

CREATE TABLE IF NOT EXISTS roles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	description TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_name ON roles(name);

CREATE TABLE IF NOT EXISTS user_roles (
	user_id INTEGER NOT NULL,
	role_id INTEGER NOT NULL,
	PRIMARY KEY (user_id, role_id)
);

CREATE TABLE IF NOT EXISTS credentials (
	user_id INTEGER NOT NULL,
	pair_id INTEGER NOT NULL,
	access_key TEXT NOT NULL,
	access_expires INTEGER NOT NULL,
	refresh_hash TEXT NOT NULL,
	refresh_expires INTEGER NOT NULL,
	PRIMARY KEY (user_id, pair_id)
);
`,
	// Future migrations go here:
	// Migration 2: `ALTER TABLE ...`,
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)
	`); err != nil {
		return err
	}

	var currentVersion int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&currentVersion); err != nil {
		return err
	}

	for i := currentVersion; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
	}

	return nil
}

func (s *Store) CreateUser(ctx context.Context, user *model.User, passwordHash string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO users (username, email, password, first_name, last_name, phone, admin, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, user.Username, user.Email, passwordHash, nullIfEmpty(user.FirstName), nullIfEmpty(user.LastName), nullIfEmpty(user.Phone), boolToInt(user.Admin), user.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, store.ErrDuplicateEmail
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetUser(ctx context.Context, id int64) (model.User, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, username, email, first_name, last_name, phone, admin, created_at
FROM users
WHERE id = ?
`, id)
	return scanUser(row)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (model.User, string, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, username, email, first_name, last_name, phone, admin, created_at, password
FROM users
WHERE email = ?
`, email)
	var u model.User
	var firstName, lastName, phone sql.NullString
	var admin int
	var created int64
	var hash string
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &firstName, &lastName, &phone, &admin, &created, &hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, "", store.ErrNotFound
		}
		return model.User{}, "", err
	}
	u.FirstName = firstName.String
	u.LastName = lastName.String
	u.Phone = phone.String
	u.Admin = admin == 1
	u.CreatedAt = time.Unix(created, 0)
	return u, hash, nil
}

func (s *Store) GetProfile(ctx context.Context, username string) (model.Profile, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT u.id, u.username, COUNT(f.user_id)
FROM users u
LEFT JOIN following f ON f.follow_id = u.id
WHERE u.username = ?
GROUP BY u.id
LIMIT 1
`, username)
	var p model.Profile
	if err := row.Scan(&p.ID, &p.Username, &p.Followers); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Profile{}, store.ErrNotFound
		}
		return model.Profile{}, err
	}
	return p, nil
}

func (s *Store) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	var admin int
	err := s.db.QueryRowContext(ctx, `SELECT admin FROM users WHERE id = ?`, userID).Scan(&admin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, store.ErrNotFound
		}
		return false, err
	}
	return admin == 1, nil
}

func (s *Store) CreatePost(ctx context.Context, post *model.Post) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO posts (id, user_id, created_at, text, score, parent_id, deleted)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, post.ID, post.UserID, post.CreatedAt.Unix(), post.Text, post.Score, nullableString(post.ParentID), boolToInt(post.Deleted))
	return err
}

const postColumns = `p.id, p.user_id, u.username, p.created_at, p.text, p.score, p.parent_id, p.deleted`

func (s *Store) GetPost(ctx context.Context, id string, viewerID *int64) (model.Post, error) {
	if viewerID == nil {
		row := s.db.QueryRowContext(ctx, `
SELECT `+postColumns+`, NULL
FROM posts p
JOIN users u ON u.id = p.user_id
WHERE p.id = ?
LIMIT 1
`, id)
		return scanPost(row)
	}
	row := s.db.QueryRowContext(ctx, `
SELECT `+postColumns+`, v.positive
FROM posts p
JOIN users u ON u.id = p.user_id
LEFT JOIN votes v ON v.post_id = p.id AND v.user_id = ?
WHERE p.id = ?
LIMIT 1
`, *viewerID, id)
	return scanPost(row)
}

// ListPosts returns one feed page ordered by popularity: score divided by
// hours since creation (two-hour floor so fresh posts do not divide by
// zero), matching the feed's "newest 48h and score" intent.
func (s *Store) ListPosts(ctx context.Context, opts store.PostListOpts) ([]model.Post, error) {
	page := opts.Page
	if page < 0 {
		page = 0
	}
	now := time.Now().Unix()

	var (
		query string
		args  []any
	)
	switch {
	case opts.ViewerID != nil && opts.FollowedOnly:
		query = `
SELECT ` + postColumns + `, v.positive
FROM posts p
JOIN users u ON u.id = p.user_id
JOIN following f ON f.follow_id = p.user_id AND f.user_id = ?
LEFT JOIN votes v ON v.post_id = p.id AND v.user_id = ?
WHERE p.deleted = 0 AND p.parent_id IS NULL
ORDER BY CAST(p.score AS REAL) / ((? - p.created_at) / 3600.0 + 2.0) DESC, p.created_at DESC
LIMIT ? OFFSET ?
`
		args = []any{*opts.ViewerID, *opts.ViewerID, now, postPageSize, page * postPageSize}
	case opts.ViewerID != nil:
		query = `
SELECT ` + postColumns + `, v.positive
FROM posts p
JOIN users u ON u.id = p.user_id
LEFT JOIN votes v ON v.post_id = p.id AND v.user_id = ?
WHERE p.deleted = 0 AND p.parent_id IS NULL
ORDER BY CAST(p.score AS REAL) / ((? - p.created_at) / 3600.0 + 2.0) DESC, p.created_at DESC
LIMIT ? OFFSET ?
`
		args = []any{*opts.ViewerID, now, postPageSize, page * postPageSize}
	default:
		query = `
SELECT ` + postColumns + `, NULL
FROM posts p
JOIN users u ON u.id = p.user_id
WHERE p.deleted = 0 AND p.parent_id IS NULL
ORDER BY CAST(p.score AS REAL) / ((? - p.created_at) / 3600.0 + 2.0) DESC, p.created_at DESC
LIMIT ? OFFSET ?
`
		args = []any{now, postPageSize, page * postPageSize}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

func (s *Store) ListReplies(ctx context.Context, parentID string, page int, viewerID *int64) ([]model.Post, error) {
	if page < 0 {
		page = 0
	}
	var (
		query string
		args  []any
	)
	if viewerID == nil {
		query = `
SELECT ` + postColumns + `, NULL
FROM posts p
JOIN users u ON u.id = p.user_id
WHERE p.parent_id = ? AND p.deleted = 0
ORDER BY p.created_at ASC
LIMIT ? OFFSET ?
`
		args = []any{parentID, replyPageSize, page * replyPageSize}
	} else {
		query = `
SELECT ` + postColumns + `, v.positive
FROM posts p
JOIN users u ON u.id = p.user_id
LEFT JOIN votes v ON v.post_id = p.id AND v.user_id = ?
WHERE p.parent_id = ? AND p.deleted = 0
ORDER BY p.created_at ASC
LIMIT ? OFFSET ?
`
		args = []any{*viewerID, parentID, replyPageSize, page * replyPageSize}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

func (s *Store) SetPostDeleted(ctx context.Context, id string, deleted bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE posts SET deleted = ? WHERE id = ?`, boolToInt(deleted), id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdatePostScore(ctx context.Context, id string, delta int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE posts SET score = score + ? WHERE id = ?`, delta, id)
	return err
}

func (s *Store) GetVote(ctx context.Context, userID int64, postID string) (model.Vote, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT user_id, post_id, positive FROM votes WHERE user_id = ? AND post_id = ?
`, userID, postID)
	var v model.Vote
	var positive int
	if err := row.Scan(&v.UserID, &v.PostID, &positive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Vote{}, store.ErrNotFound
		}
		return model.Vote{}, err
	}
	v.Positive = positive == 1
	return v, nil
}

func (s *Store) UpsertVote(ctx context.Context, vote model.Vote) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO votes (user_id, post_id, positive)
VALUES (?, ?, ?)
ON CONFLICT (user_id, post_id) DO UPDATE SET positive = excluded.positive
`, vote.UserID, vote.PostID, boolToInt(vote.Positive))
	return err
}

func (s *Store) DeleteVote(ctx context.Context, userID int64, postID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM votes WHERE user_id = ? AND post_id = ?`, userID, postID)
	return err
}

func (s *Store) ListFollowing(ctx context.Context, userID int64) ([]model.Follow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT f.user_id, f.follow_id, u.username
FROM following f
JOIN users u ON u.id = f.follow_id
WHERE f.user_id = ?
ORDER BY u.username ASC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var follows []model.Follow
	for rows.Next() {
		var f model.Follow
		if err := rows.Scan(&f.UserID, &f.FollowID, &f.Username); err != nil {
			return nil, err
		}
		follows = append(follows, f)
	}
	return follows, rows.Err()
}

func (s *Store) CreateFollow(ctx context.Context, userID, followID int64) error {
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO following (user_id, follow_id) VALUES (?, ?)
`, userID, followID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return store.ErrDuplicateFollow
	}
	return nil
}

func (s *Store) DeleteFollow(ctx context.Context, userID, followID int64) error {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM following WHERE user_id = ? AND follow_id = ?
`, userID, followID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpsertReport(ctx context.Context, report model.Report) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO reports (post_id, user_id, reason, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (post_id, user_id) DO UPDATE SET reason = excluded.reason, created_at = excluded.created_at
`, report.PostID, report.UserID, nullIfEmpty(report.Reason), report.CreatedAt.Unix())
	return err
}

func (s *Store) ListReports(ctx context.Context) ([]model.Report, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT post_id, user_id, reason, created_at
FROM reports
ORDER BY created_at DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []model.Report
	for rows.Next() {
		var r model.Report
		var reason sql.NullString
		var created int64
		if err := rows.Scan(&r.PostID, &r.UserID, &reason, &created); err != nil {
			return nil, err
		}
		r.Reason = reason.String
		r.CreatedAt = time.Unix(created, 0)
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func (s *Store) DeleteReport(ctx context.Context, postID string, userID int64) error {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM reports WHERE post_id = ? AND user_id = ?
`, postID, userID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateRole(ctx context.Context, role *model.Role) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO roles (name, description) VALUES (?, ?)
`, role.Name, nullIfEmpty(role.Description))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, store.ErrDuplicateRole
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetRole(ctx context.Context, id int64) (model.Role, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, description FROM roles WHERE id = ?`, id)
	var r model.Role
	var description sql.NullString
	if err := row.Scan(&r.ID, &r.Name, &description); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Role{}, store.ErrNotFound
		}
		return model.Role{}, err
	}
	r.Description = description.String
	return r, nil
}

func (s *Store) UpdateRole(ctx context.Context, role model.Role) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE roles SET name = ?, description = ? WHERE id = ?
`, role.Name, nullIfEmpty(role.Description), role.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateRole
		}
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AssignRole(ctx context.Context, userID, roleID int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO user_roles (user_id, role_id) VALUES (?, ?)
`, userID, roleID)
	return err
}

func (s *Store) ListRoles(ctx context.Context, userID int64) ([]model.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT r.id, r.name, r.description
FROM user_roles ur
JOIN roles r ON r.id = ur.role_id
WHERE ur.user_id = ?
ORDER BY r.id ASC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []model.Role
	for rows.Next() {
		var r model.Role
		var description sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &description); err != nil {
			return nil, err
		}
		r.Description = description.String
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *Store) CreateCredential(ctx context.Context, cred model.Credential) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credentials (user_id, pair_id, access_key, access_expires, refresh_hash, refresh_expires)
VALUES (?, ?, ?, ?, ?, ?)
`, cred.UserID, cred.PairID, cred.AccessKey, cred.AccessExpires.Unix(), cred.RefreshHash, cred.RefreshExpires.Unix())
	return err
}

func (s *Store) GetCredential(ctx context.Context, userID int64, pairID int16) (model.Credential, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT user_id, pair_id, access_key, access_expires, refresh_hash, refresh_expires
FROM credentials
WHERE user_id = ? AND pair_id = ?
`, userID, pairID)
	var c model.Credential
	var accessExpires, refreshExpires int64
	if err := row.Scan(&c.UserID, &c.PairID, &c.AccessKey, &accessExpires, &c.RefreshHash, &refreshExpires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Credential{}, store.ErrNotFound
		}
		return model.Credential{}, err
	}
	c.AccessExpires = time.Unix(accessExpires, 0)
	c.RefreshExpires = time.Unix(refreshExpires, 0)
	return c, nil
}

func (s *Store) ListPairIDs(ctx context.Context, userID int64) ([]int16, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT pair_id FROM credentials WHERE user_id = ?
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int16
	for rows.Next() {
		var id int16
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) DeleteCredential(ctx context.Context, userID int64, pairID int16) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM credentials WHERE user_id = ? AND pair_id = ?
`, userID, pairID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *Store) GetSiteStats(ctx context.Context) (model.SiteStats, error) {
	var stats model.SiteStats
	row := s.db.QueryRow(`SELECT COUNT(*) FROM users`)
	if err := row.Scan(&stats.Users); err != nil {
		return stats, err
	}
	row = s.db.QueryRow(`SELECT COUNT(*) FROM posts WHERE deleted = 0`)
	if err := row.Scan(&stats.Posts); err != nil {
		return stats, err
	}
	return stats, nil
}

func scanUser(row *sql.Row) (model.User, error) {
	var u model.User
	var firstName, lastName, phone sql.NullString
	var admin int
	var created int64
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &firstName, &lastName, &phone, &admin, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, store.ErrNotFound
		}
		return model.User{}, err
	}
	u.FirstName = firstName.String
	u.LastName = lastName.String
	u.Phone = phone.String
	u.Admin = admin == 1
	u.CreatedAt = time.Unix(created, 0)
	return u, nil
}

func scanPost(scanner interface{ Scan(dest ...any) error }) (model.Post, error) {
	var p model.Post
	var parentID sql.NullString
	var created int64
	var deleted int
	var positive sql.NullInt64
	if err := scanner.Scan(&p.ID, &p.UserID, &p.Username, &created, &p.Text, &p.Score, &parentID, &deleted, &positive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Post{}, store.ErrNotFound
		}
		return model.Post{}, err
	}
	if parentID.Valid {
		pid := parentID.String
		p.ParentID = &pid
	}
	if positive.Valid {
		vote := -1
		if positive.Int64 == 1 {
			vote = 1
		}
		p.Vote = &vote
	}
	p.CreatedAt = time.Unix(created, 0)
	p.Deleted = deleted == 1
	return p, nil
}

func collectPosts(rows *sql.Rows) ([]model.Post, error) {
	var posts []model.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
