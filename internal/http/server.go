// Package httpapp exposes the JSON API over stdlib net/http.
package httpapp

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/talkline/talkline/internal/auth"
	"github.com/talkline/talkline/internal/config"
	"github.com/talkline/talkline/internal/model"
	"github.com/talkline/talkline/internal/rate"
	"github.com/talkline/talkline/internal/store"
)

const maxPostLen = 256

type Server struct {
	store   store.Store
	auth    *auth.Service
	access  *auth.Access
	limiter rate.Limiter
	cfg     config.Config
}

func NewServer(st store.Store, authSvc *auth.Service, access *auth.Access, limiter rate.Limiter, cfg config.Config) *Server {
	return &Server{store: st, auth: authSvc, access: access, limiter: limiter, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		s.handleAPI(w, r)
		return
	}
	notFound(w)
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api")
	segments := splitPath(path)

	switch {
	case len(segments) == 2 && segments[0] == "auth" && segments[1] == "signup":
		if r.Method == http.MethodPost {
			s.handleSignup(w, r)
			return
		}
	case len(segments) == 2 && segments[0] == "auth" && segments[1] == "signin":
		if r.Method == http.MethodPost {
			s.handleSignin(w, r)
			return
		}
	case len(segments) == 2 && segments[0] == "auth" && segments[1] == "refresh":
		if r.Method == http.MethodPost {
			s.handleRefresh(w, r)
			return
		}
	case len(segments) == 2 && segments[0] == "auth" && segments[1] == "signout":
		if r.Method == http.MethodPost {
			s.handleSignout(w, r)
			return
		}
	case len(segments) == 1 && segments[0] == "posts":
		if r.Method == http.MethodPost {
			s.handleCreatePost(w, r)
			return
		}
		if r.Method == http.MethodGet {
			s.handleListPosts(w, r)
			return
		}
	case len(segments) == 2 && segments[0] == "posts":
		if r.Method == http.MethodGet {
			s.handleGetPost(w, r, segments[1])
			return
		}
		if r.Method == http.MethodDelete {
			s.handleDeletePost(w, r, segments[1])
			return
		}
	case len(segments) == 3 && segments[0] == "posts" && segments[2] == "replies":
		if r.Method == http.MethodGet {
			s.handleListReplies(w, r, segments[1])
			return
		}
	case len(segments) == 3 && segments[0] == "posts" && segments[2] == "moderate":
		if r.Method == http.MethodPost {
			s.handleModeratePost(w, r, segments[1])
			return
		}
	case len(segments) == 2 && segments[0] == "votes":
		if r.Method == http.MethodPost {
			s.handleVote(w, r, segments[1])
			return
		}
	case len(segments) == 1 && segments[0] == "follows":
		if r.Method == http.MethodGet {
			s.handleListFollows(w, r)
			return
		}
		if r.Method == http.MethodPost {
			s.handleCreateFollow(w, r)
			return
		}
	case len(segments) == 2 && segments[0] == "follows":
		if r.Method == http.MethodDelete {
			s.handleDeleteFollow(w, r, segments[1])
			return
		}
	case len(segments) == 1 && segments[0] == "reports":
		if r.Method == http.MethodPost {
			s.handleCreateReport(w, r)
			return
		}
		if r.Method == http.MethodGet {
			s.handleListReports(w, r)
			return
		}
	case len(segments) == 3 && segments[0] == "reports":
		if r.Method == http.MethodDelete {
			s.handleDismissReport(w, r, segments[1], segments[2])
			return
		}
	case len(segments) == 1 && segments[0] == "roles":
		if r.Method == http.MethodPost {
			s.handleCreateRole(w, r)
			return
		}
		if r.Method == http.MethodGet {
			s.handleListRoles(w, r)
			return
		}
	case len(segments) == 2 && segments[0] == "roles":
		if r.Method == http.MethodPatch {
			s.handleUpdateRole(w, r, segments[1])
			return
		}
	case len(segments) == 3 && segments[0] == "roles" && segments[2] == "assign":
		if r.Method == http.MethodPost {
			s.handleAssignRole(w, r, segments[1])
			return
		}
	case len(segments) == 2 && segments[0] == "users" && segments[1] == "me":
		if r.Method == http.MethodGet {
			s.handleGetMe(w, r)
			return
		}
	case len(segments) == 2 && segments[0] == "users":
		if r.Method == http.MethodGet {
			s.handleGetProfile(w, r, segments[1])
			return
		}
	case len(segments) == 1 && segments[0] == "stats":
		if r.Method == http.MethodGet {
			s.handleGetStats(w, r)
			return
		}
	default:
		notFound(w)
		return
	}

	// Path matched but the method did not.
	methodNotAllowed(w)
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if !s.allowRateLimit(w, r, "signup", s.cfg.RateLimits.SignupPerMinute) {
		return
	}
	var req struct {
		Email     string `json:"email"`
		Password  string `json:"password"`
		Username  string `json:"username"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Phone     string `json:"phone"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, errors.New("email and password required"))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cfg.BcryptCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" {
		username = generateUsername()
	}

	user := model.User{
		Username:  username,
		Email:     email,
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Phone:     strings.TrimSpace(req.Phone),
		CreatedAt: time.Now(),
	}
	id, err := s.store.CreateUser(r.Context(), &user, string(hash))
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			writeError(w, http.StatusConflict, errors.New("email already registered"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	creds, err := s.auth.IssueCredentials(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) handleSignin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Unknown email and wrong password fail identically.
	user, hash, err := s.store.GetUserByEmail(r.Context(), strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, errors.New("invalid email or password"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, errors.New("invalid email or password"))
		return
	}

	creds, err := s.auth.IssueCredentials(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	creds, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredRefresh) || errors.Is(err, auth.ErrInvalidRefresh) {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) handleSignout(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	if err := s.auth.Revoke(r.Context(), principal.UserID, principal.PairID); err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	if !s.allowRateLimit(w, r, "post", s.cfg.RateLimits.PostPerMinute) {
		return
	}
	principal, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	var req struct {
		Text     string  `json:"text"`
		ParentID *string `json:"parent_id"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text required"))
		return
	}
	if utf8.RuneCountInString(text) > maxPostLen {
		writeError(w, http.StatusBadRequest, fmt.Errorf("text must be <= %d chars", maxPostLen))
		return
	}
	if req.ParentID != nil {
		parent, err := s.store.GetPost(r.Context(), *req.ParentID, nil)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if err != nil || parent.Deleted {
			writeError(w, http.StatusNotFound, errors.New("parent post not found"))
			return
		}
	}

	post := model.Post{
		ID:        newPostID(),
		UserID:    principal.UserID,
		Text:      text,
		ParentID:  req.ParentID,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreatePost(r.Context(), &post); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, postPayload(post))
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	page := parseIntDefault(r.URL.Query().Get("page"), 0)
	followed := r.URL.Query().Get("followed") == "1"

	viewer, ok := s.optionalAuth(w, r)
	if !ok {
		return
	}
	if followed && viewer == nil {
		writeError(w, http.StatusUnauthorized, errors.New("authentication required for followed feed"))
		return
	}

	opts := store.PostListOpts{Page: page, FollowedOnly: followed}
	if viewer != nil {
		opts.ViewerID = &viewer.UserID
	}
	posts, err := s.store.ListPosts(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"posts": postsPayload(posts),
		"page":  page,
	})
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request, id string) {
	viewer, ok := s.optionalAuth(w, r)
	if !ok {
		return
	}
	var viewerID *int64
	if viewer != nil {
		viewerID = &viewer.UserID
	}
	post, err := s.store.GetPost(r.Context(), id, viewerID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	if post.Deleted && !s.canSeeDeleted(r, viewer, post) {
		notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, postPayload(post))
}

// canSeeDeleted decides who may still fetch a soft-deleted post by id:
// moderators always, the author only when configured.
func (s *Server) canSeeDeleted(r *http.Request, viewer *auth.Principal, post model.Post) bool {
	if viewer == nil {
		return false
	}
	if s.cfg.DeletedVisibleToOwner && viewer.UserID == post.UserID {
		return true
	}
	ok, err := s.access.HasAccess(r.Context(), viewer.UserID, auth.RoleAdmin, auth.RoleModerator)
	return err == nil && ok
}

func (s *Server) handleListReplies(w http.ResponseWriter, r *http.Request, parentID string) {
	viewer, ok := s.optionalAuth(w, r)
	if !ok {
		return
	}
	var viewerID *int64
	if viewer != nil {
		viewerID = &viewer.UserID
	}
	if _, err := s.store.GetPost(r.Context(), parentID, nil); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	page := parseIntDefault(r.URL.Query().Get("page"), 0)
	replies, err := s.store.ListReplies(r.Context(), parentID, page, viewerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"replies": postsPayload(replies),
		"page":    page,
	})
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request, id string) {
	principal, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	post, err := s.store.GetPost(r.Context(), id, nil)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	if post.UserID != principal.UserID {
		writeError(w, http.StatusForbidden, errors.New("you can only delete your own posts"))
		return
	}
	if err := s.store.SetPostDeleted(r.Context(), id, true); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleModeratePost(w http.ResponseWriter, r *http.Request, id string) {
	_, ok := s.requireRole(w, r, auth.RoleAdmin, auth.RoleModerator)
	if !ok {
		return
	}
	var req struct {
		Deleted bool `json:"deleted"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.SetPostDeleted(r.Context(), id, req.Deleted); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request, postID string) {
	if !s.allowRateLimit(w, r, "vote", s.cfg.RateLimits.VotePerMinute) {
		return
	}
	principal, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	var req struct {
		Vote int `json:"vote"`
	}
	if err := readJSON(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Vote != 1 && req.Vote != -1 && req.Vote != 0 {
		writeError(w, http.StatusBadRequest, errors.New("vote must be 1, -1 or 0"))
		return
	}

	post, err := s.store.GetPost(r.Context(), postID, nil)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err != nil || post.Deleted {
		writeError(w, http.StatusNotFound, errors.New("post not found"))
		return
	}

	old := 0
	existing, err := s.store.GetVote(r.Context(), principal.UserID, postID)
	switch {
	case err == nil:
		if existing.Positive {
			old = 1
		} else {
			old = -1
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if req.Vote == old {
		writeError(w, http.StatusConflict, errors.New("vote unchanged"))
		return
	}
	delta := int64(req.Vote - old)

	if req.Vote == 0 {
		err = s.store.DeleteVote(r.Context(), principal.UserID, postID)
	} else {
		err = s.store.UpsertVote(r.Context(), model.Vote{
			UserID:   principal.UserID,
			PostID:   postID,
			Positive: req.Vote == 1,
		})
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.UpdatePostScore(r.Context(), postID, delta); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "score": post.Score + delta})
}

func (s *Server) handleListFollows(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	follows, err := s.store.ListFollowing(r.Context(), principal.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	payload := make([]map[string]any, 0, len(follows))
	for _, f := range follows {
		payload = append(payload, map[string]any{
			"user_id":  f.FollowID,
			"username": f.Username,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"follows": payload})
}

func (s *Server) handleCreateFollow(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == principal.UserID {
		writeError(w, http.StatusBadRequest, errors.New("cannot follow yourself"))
		return
	}
	if _, err := s.store.GetUser(r.Context(), req.UserID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	if err := s.store.CreateFollow(r.Context(), principal.UserID, req.UserID); err != nil {
		if errors.Is(err, store.ErrDuplicateFollow) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteFollow(w http.ResponseWriter, r *http.Request, idStr string) {
	principal, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid user id"))
		return
	}
	if err := s.store.DeleteFollow(r.Context(), principal.UserID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, errors.New("not following"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	var req struct {
		PostID string `json:"post_id"`
		Reason string `json:"reason"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.PostID == "" {
		writeError(w, http.StatusBadRequest, errors.New("post_id required"))
		return
	}
	if _, err := s.store.GetPost(r.Context(), req.PostID, nil); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	report := model.Report{
		PostID:    req.PostID,
		UserID:    principal.UserID,
		Reason:    strings.TrimSpace(req.Reason),
		CreatedAt: time.Now(),
	}
	if err := s.store.UpsertReport(r.Context(), report); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	_, ok := s.requireRole(w, r, auth.RoleAdmin, auth.RoleModerator)
	if !ok {
		return
	}
	reports, err := s.store.ListReports(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	payload := make([]map[string]any, 0, len(reports))
	for _, rep := range reports {
		payload = append(payload, map[string]any{
			"post_id":    rep.PostID,
			"user_id":    rep.UserID,
			"reason":     rep.Reason,
			"created_at": rep.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": payload})
}

func (s *Server) handleDismissReport(w http.ResponseWriter, r *http.Request, postID, userStr string) {
	_, ok := s.requireRole(w, r, auth.RoleAdmin, auth.RoleModerator)
	if !ok {
		return
	}
	userID, err := strconv.ParseInt(userStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid user id"))
		return
	}
	if err := s.store.DeleteReport(r.Context(), postID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, errors.New("report not found"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	_, ok := s.requireRole(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, errors.New("name required"))
		return
	}
	role := model.Role{
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
	}
	id, err := s.store.CreateRole(r.Context(), &role)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateRole) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	role.ID = id
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          role.ID,
		"name":        role.Name,
		"description": role.Description,
	})
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request, idStr string) {
	_, ok := s.requireRole(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid role id"))
		return
	}
	role, err := s.store.GetRole(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Name) != "" {
		role.Name = strings.TrimSpace(req.Name)
	}
	if strings.TrimSpace(req.Description) != "" {
		role.Description = strings.TrimSpace(req.Description)
	}
	if err := s.store.UpdateRole(r.Context(), role); err != nil {
		if errors.Is(err, store.ErrDuplicateRole) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request, idStr string) {
	_, ok := s.requireRole(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	roleID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid role id"))
		return
	}
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.store.GetRole(r.Context(), roleID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	if _, err := s.store.GetUser(r.Context(), req.UserID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	if err := s.store.AssignRole(r.Context(), req.UserID, roleID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	_, ok := s.requireRole(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("user_id required"))
		return
	}
	roles, err := s.access.RolesOf(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	payload := make([]map[string]any, 0, len(roles))
	for _, role := range roles {
		payload = append(payload, map[string]any{
			"id":          role.ID,
			"name":        role.Name,
			"description": role.Description,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": payload})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	user, err := s.store.GetUser(r.Context(), principal.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         user.ID,
		"username":   user.Username,
		"email":      user.Email,
		"first_name": user.FirstName,
		"last_name":  user.LastName,
		"phone":      user.Phone,
		"admin":      user.Admin,
		"created_at": user.CreatedAt,
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request, username string) {
	profile, err := s.store.GetProfile(r.Context(), username)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        profile.ID,
		"username":  profile.Username,
		"followers": profile.Followers,
	})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetSiteStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": stats.Users,
		"posts": stats.Posts,
	})
}

func (s *Server) allowRateLimit(w http.ResponseWriter, r *http.Request, action string, limit int) bool {
	if limit <= 0 {
		return true
	}
	key := fmt.Sprintf("%s:ip:%s", action, s.clientIP(r))
	if ok, retry := s.limiter.Allow(key, limit, time.Minute); !ok {
		writeRateLimit(w, retry)
		return false
	}
	return true
}

// optionalAuth resolves the caller on endpoints open to anonymous
// requests. Only the absence of a bearer token passes through as
// anonymous; a presented token that fails verification is rejected,
// not downgraded.
func (s *Server) optionalAuth(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, true
	}
	bearer := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	principal, err := s.auth.Authenticate(r.Context(), bearer)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return nil, false
	}
	return &principal, true
}

func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
		return auth.Principal{}, false
	}
	bearer := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	principal, err := s.auth.Authenticate(r.Context(), bearer)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return auth.Principal{}, false
	}
	return principal, true
}

func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, required ...int64) (auth.Principal, bool) {
	principal, ok := s.requireAuth(w, r)
	if !ok {
		return auth.Principal{}, false
	}
	allowed, err := s.access.HasAccess(r.Context(), principal.UserID, required...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return auth.Principal{}, false
	}
	if !allowed {
		writeError(w, http.StatusUnauthorized, errors.New("insufficient role"))
		return auth.Principal{}, false
	}
	return principal, true
}

func (s *Server) clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func postPayload(p model.Post) map[string]any {
	payload := map[string]any{
		"id":         p.ID,
		"user_id":    p.UserID,
		"username":   p.Username,
		"text":       p.Text,
		"score":      p.Score,
		"created_at": p.CreatedAt,
	}
	if p.ParentID != nil {
		payload["parent_id"] = *p.ParentID
	}
	if p.Vote != nil {
		payload["vote"] = *p.Vote
	}
	if p.Deleted {
		payload["deleted"] = true
	}
	return payload
}

func postsPayload(posts []model.Post) []map[string]any {
	payload := make([]map[string]any, 0, len(posts))
	for _, p := range posts {
		payload = append(payload, postPayload(p))
	}
	return payload
}

// newPostID renders a random UUID as unpadded base64url, 22 chars.
func newPostID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}

func generateUsername() string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("user_%d", time.Now().UnixNano())
	}
	return "user_" + hex.EncodeToString(buf[:])
}

func readJSON(body io.ReadCloser, dest any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeRateLimit(w http.ResponseWriter, retry time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate limit exceeded",
		"retry_after": int(retry.Seconds()),
	})
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, errors.New("not found"))
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	return def
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
