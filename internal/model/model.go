package model

import "time"

type User struct {
	ID        int64
	Username  string
	Email     string
	FirstName string
	LastName  string
	Phone     string
	Admin     bool
	CreatedAt time.Time
}

// Profile is the public view of a user.
type Profile struct {
	ID        int64
	Username  string
	Followers int64
}

type Post struct {
	ID        string // uuid encoded as base64url, 22 chars
	UserID    int64
	Username  string
	Text      string
	Score     int64
	ParentID  *string
	CreatedAt time.Time
	Deleted   bool
	// Vote holds the requesting user's vote on this post when resolved
	// (1 or -1), nil when anonymous or not voted.
	Vote *int
}

type Vote struct {
	UserID   int64
	PostID   string
	Positive bool
}

type Follow struct {
	UserID   int64
	FollowID int64
	Username string
}

type Report struct {
	PostID    string
	UserID    int64
	Reason    string
	CreatedAt time.Time
}

type Role struct {
	ID          int64
	Name        string
	Description string
}

// Credential is the stored half of an access/refresh pair, keyed by
// (user_id, pair_id). The access key is kept verbatim (short-lived); the
// refresh secret only as a bcrypt hash.
type Credential struct {
	UserID         int64
	PairID         int16
	AccessKey      string
	AccessExpires  time.Time
	RefreshHash    string
	RefreshExpires time.Time
}

type SiteStats struct {
	Users int64
	Posts int64
}
