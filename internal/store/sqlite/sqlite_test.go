package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/talkline/talkline/internal/model"
	"github.com/talkline/talkline/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

func mustCreateUser(t *testing.T, st *Store, email, username string) int64 {
	t.Helper()
	user := model.User{Username: username, Email: email, CreatedAt: time.Now()}
	id, err := st.CreateUser(context.Background(), &user, "hash")
	if err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return id
}

func mustCreatePost(t *testing.T, st *Store, userID int64, id, text string) {
	t.Helper()
	post := model.Post{ID: id, UserID: userID, Text: text, CreatedAt: time.Now()}
	if err := st.CreatePost(context.Background(), &post); err != nil {
		t.Fatalf("create post %s: %v", id, err)
	}
}

func TestUserLifecycle(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	id := mustCreateUser(t, st, "a@example.com", "alice")

	got, hash, err := st.GetUserByEmail(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("get user by email: %v", err)
	}
	if got.ID != id || got.Username != "alice" || hash != "hash" {
		t.Fatalf("unexpected user: %+v hash=%q", got, hash)
	}

	_, err = st.CreateUser(context.Background(), &model.User{Username: "other", Email: "a@example.com", CreatedAt: time.Now()}, "hash2")
	if !errors.Is(err, store.ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}

	profile, err := st.GetProfile(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if profile.Followers != 0 {
		t.Fatalf("expected 0 followers, got %d", profile.Followers)
	}
}

func TestPostAndVotes(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	alice := mustCreateUser(t, st, "a@example.com", "alice")
	bob := mustCreateUser(t, st, "b@example.com", "bob")
	mustCreatePost(t, st, alice, "post-1", "hello")

	if err := st.UpsertVote(context.Background(), model.Vote{UserID: bob, PostID: "post-1", Positive: true}); err != nil {
		t.Fatalf("upsert vote: %v", err)
	}
	if err := st.UpdatePostScore(context.Background(), "post-1", 1); err != nil {
		t.Fatalf("update score: %v", err)
	}

	post, err := st.GetPost(context.Background(), "post-1", &bob)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if post.Score != 1 {
		t.Fatalf("expected score 1, got %d", post.Score)
	}
	if post.Vote == nil || *post.Vote != 1 {
		t.Fatalf("expected viewer vote 1, got %v", post.Vote)
	}
	if post.Username != "alice" {
		t.Fatalf("expected author alice, got %s", post.Username)
	}

	// Flip to a downvote.
	if err := st.UpsertVote(context.Background(), model.Vote{UserID: bob, PostID: "post-1", Positive: false}); err != nil {
		t.Fatalf("flip vote: %v", err)
	}
	vote, err := st.GetVote(context.Background(), bob, "post-1")
	if err != nil {
		t.Fatalf("get vote: %v", err)
	}
	if vote.Positive {
		t.Fatalf("expected negative vote")
	}

	if err := st.DeleteVote(context.Background(), bob, "post-1"); err != nil {
		t.Fatalf("delete vote: %v", err)
	}
	if _, err := st.GetVote(context.Background(), bob, "post-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRepliesOldestFirst(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	alice := mustCreateUser(t, st, "a@example.com", "alice")
	mustCreatePost(t, st, alice, "parent", "root")

	parent := "parent"
	for i, id := range []string{"r1", "r2", "r3"} {
		post := model.Post{
			ID:        id,
			UserID:    alice,
			Text:      "reply",
			ParentID:  &parent,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := st.CreatePost(context.Background(), &post); err != nil {
			t.Fatalf("create reply %s: %v", id, err)
		}
	}

	replies, err := st.ListReplies(context.Background(), "parent", 0, nil)
	if err != nil {
		t.Fatalf("list replies: %v", err)
	}
	if len(replies) != 3 {
		t.Fatalf("expected 3 replies, got %d", len(replies))
	}
	if replies[0].ID != "r1" || replies[2].ID != "r3" {
		t.Fatalf("replies out of order: %s..%s", replies[0].ID, replies[2].ID)
	}
}

func TestListPostsExcludesDeletedAndReplies(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	alice := mustCreateUser(t, st, "a@example.com", "alice")
	mustCreatePost(t, st, alice, "visible", "hello")
	mustCreatePost(t, st, alice, "gone", "bye")

	parent := "visible"
	reply := model.Post{ID: "reply", UserID: alice, Text: "re", ParentID: &parent, CreatedAt: time.Now()}
	if err := st.CreatePost(context.Background(), &reply); err != nil {
		t.Fatalf("create reply: %v", err)
	}

	if err := st.SetPostDeleted(context.Background(), "gone", true); err != nil {
		t.Fatalf("delete post: %v", err)
	}

	posts, err := st.ListPosts(context.Background(), store.PostListOpts{})
	if err != nil {
		t.Fatalf("list posts: %v", err)
	}
	if len(posts) != 1 || posts[0].ID != "visible" {
		t.Fatalf("expected only the visible root post, got %+v", posts)
	}

	// Restore brings it back.
	if err := st.SetPostDeleted(context.Background(), "gone", false); err != nil {
		t.Fatalf("restore post: %v", err)
	}
	posts, _ = st.ListPosts(context.Background(), store.PostListOpts{})
	if len(posts) != 2 {
		t.Fatalf("expected 2 posts after restore, got %d", len(posts))
	}
}

func TestFollowedFeed(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	alice := mustCreateUser(t, st, "a@example.com", "alice")
	bob := mustCreateUser(t, st, "b@example.com", "bob")
	carol := mustCreateUser(t, st, "c@example.com", "carol")

	mustCreatePost(t, st, bob, "from-bob", "hi")
	mustCreatePost(t, st, carol, "from-carol", "hey")

	if err := st.CreateFollow(context.Background(), alice, bob); err != nil {
		t.Fatalf("follow: %v", err)
	}
	if err := st.CreateFollow(context.Background(), alice, bob); !errors.Is(err, store.ErrDuplicateFollow) {
		t.Fatalf("expected ErrDuplicateFollow, got %v", err)
	}

	posts, err := st.ListPosts(context.Background(), store.PostListOpts{ViewerID: &alice, FollowedOnly: true})
	if err != nil {
		t.Fatalf("list followed posts: %v", err)
	}
	if len(posts) != 1 || posts[0].ID != "from-bob" {
		t.Fatalf("expected only bob's post, got %+v", posts)
	}

	if err := st.DeleteFollow(context.Background(), alice, bob); err != nil {
		t.Fatalf("unfollow: %v", err)
	}
	if err := st.DeleteFollow(context.Background(), alice, bob); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second unfollow, got %v", err)
	}
}

func TestCredentialDeleteReportsRows(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	alice := mustCreateUser(t, st, "a@example.com", "alice")
	cred := model.Credential{
		UserID:         alice,
		PairID:         17,
		AccessKey:      "key",
		AccessExpires:  time.Now().Add(time.Hour),
		RefreshHash:    "hash",
		RefreshExpires: time.Now().Add(24 * time.Hour),
	}
	if err := st.CreateCredential(context.Background(), cred); err != nil {
		t.Fatalf("create credential: %v", err)
	}

	ids, err := st.ListPairIDs(context.Background(), alice)
	if err != nil {
		t.Fatalf("list pair ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != 17 {
		t.Fatalf("unexpected pair ids: %v", ids)
	}

	deleted, err := st.DeleteCredential(context.Background(), alice, 17)
	if err != nil || !deleted {
		t.Fatalf("expected first delete to remove a row, got deleted=%v err=%v", deleted, err)
	}
	deleted, err = st.DeleteCredential(context.Background(), alice, 17)
	if err != nil || deleted {
		t.Fatalf("expected second delete to be a no-op, got deleted=%v err=%v", deleted, err)
	}
}

func TestReportsUpsert(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	alice := mustCreateUser(t, st, "a@example.com", "alice")
	mustCreatePost(t, st, alice, "post-1", "hello")

	report := model.Report{PostID: "post-1", UserID: alice, Reason: "spam", CreatedAt: time.Now()}
	if err := st.UpsertReport(context.Background(), report); err != nil {
		t.Fatalf("report: %v", err)
	}
	report.Reason = "abusive"
	if err := st.UpsertReport(context.Background(), report); err != nil {
		t.Fatalf("re-report: %v", err)
	}

	reports, err := st.ListReports(context.Background())
	if err != nil {
		t.Fatalf("list reports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected one report row, got %d", len(reports))
	}
	if reports[0].Reason != "abusive" {
		t.Fatalf("expected updated reason, got %q", reports[0].Reason)
	}

	if err := st.DeleteReport(context.Background(), "post-1", alice); err != nil {
		t.Fatalf("dismiss report: %v", err)
	}
	if err := st.DeleteReport(context.Background(), "post-1", alice); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRolesUniqueName(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	alice := mustCreateUser(t, st, "a@example.com", "alice")

	admin := model.Role{Name: "admin", Description: "full access"}
	id, err := st.CreateRole(context.Background(), &admin)
	if err != nil {
		t.Fatalf("create role: %v", err)
	}

	dup := model.Role{Name: "admin"}
	if _, err := st.CreateRole(context.Background(), &dup); !errors.Is(err, store.ErrDuplicateRole) {
		t.Fatalf("expected ErrDuplicateRole, got %v", err)
	}

	if err := st.AssignRole(context.Background(), alice, id); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	roles, err := st.ListRoles(context.Background(), alice)
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if len(roles) != 1 || roles[0].Name != "admin" {
		t.Fatalf("unexpected roles: %+v", roles)
	}
}
