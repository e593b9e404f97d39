package store

import (
	"context"
	"errors"

	"github.com/talkline/talkline/internal/model"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateEmail  = errors.New("email already exists")
	ErrDuplicateFollow = errors.New("already following")
	ErrDuplicateRole   = errors.New("role already exists")
)

type PostListOpts struct {
	Page int
	// ViewerID, when set, attaches the viewer's vote to each post and,
	// with FollowedOnly, restricts the feed to followed authors.
	ViewerID     *int64
	FollowedOnly bool
}

type Store interface {
	UserStore
	PostStore
	VoteStore
	FollowStore
	ReportStore
	RoleStore
	CredentialStore
	GetSiteStats(ctx context.Context) (model.SiteStats, error)
	Close() error
}

type UserStore interface {
	CreateUser(ctx context.Context, user *model.User, passwordHash string) (int64, error)
	GetUser(ctx context.Context, id int64) (model.User, error)
	GetUserByEmail(ctx context.Context, email string) (model.User, string, error)
	GetProfile(ctx context.Context, username string) (model.Profile, error)
	IsAdmin(ctx context.Context, userID int64) (bool, error)
}

type PostStore interface {
	CreatePost(ctx context.Context, post *model.Post) error
	GetPost(ctx context.Context, id string, viewerID *int64) (model.Post, error)
	ListPosts(ctx context.Context, opts PostListOpts) ([]model.Post, error)
	ListReplies(ctx context.Context, parentID string, page int, viewerID *int64) ([]model.Post, error)
	SetPostDeleted(ctx context.Context, id string, deleted bool) error
	UpdatePostScore(ctx context.Context, id string, delta int64) error
}

type VoteStore interface {
	GetVote(ctx context.Context, userID int64, postID string) (model.Vote, error)
	UpsertVote(ctx context.Context, vote model.Vote) error
	DeleteVote(ctx context.Context, userID int64, postID string) error
}

type FollowStore interface {
	ListFollowing(ctx context.Context, userID int64) ([]model.Follow, error)
	CreateFollow(ctx context.Context, userID, followID int64) error
	DeleteFollow(ctx context.Context, userID, followID int64) error
}

type ReportStore interface {
	UpsertReport(ctx context.Context, report model.Report) error
	ListReports(ctx context.Context) ([]model.Report, error)
	DeleteReport(ctx context.Context, postID string, userID int64) error
}

type RoleStore interface {
	CreateRole(ctx context.Context, role *model.Role) (int64, error)
	GetRole(ctx context.Context, id int64) (model.Role, error)
	UpdateRole(ctx context.Context, role model.Role) error
	AssignRole(ctx context.Context, userID, roleID int64) error
	ListRoles(ctx context.Context, userID int64) ([]model.Role, error)
}

type CredentialStore interface {
	CreateCredential(ctx context.Context, cred model.Credential) error
	GetCredential(ctx context.Context, userID int64, pairID int16) (model.Credential, error)
	ListPairIDs(ctx context.Context, userID int64) ([]int16, error)
	// DeleteCredential removes one pair and reports whether a row was
	// deleted; rotation uses this as its replay guard.
	DeleteCredential(ctx context.Context, userID int64, pairID int16) (bool, error)
}
