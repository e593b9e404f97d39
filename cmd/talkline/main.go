package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/talkline/talkline/internal/auth"
	"github.com/talkline/talkline/internal/client"
	"github.com/talkline/talkline/internal/config"
	httpapp "github.com/talkline/talkline/internal/http"
	"github.com/talkline/talkline/internal/rate"
	"github.com/talkline/talkline/internal/store/sqlite"
)

// CLIConfig holds the CLI client state persisted to disk.
type CLIConfig struct {
	BaseURL      string `json:"base_url"`
	Email        string `json:"email"`
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	TokenExp     string `json:"token_expires"`
}

func main() {
	if len(os.Args) < 2 {
		runServer()
		return
	}

	cmd := os.Args[1]

	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		printUsage()
		return
	}

	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println("talkline v0.1.0")
		return
	}

	if strings.HasPrefix(cmd, "-") {
		runServer()
		return
	}

	args := os.Args[2:]

	switch cmd {
	case "server", "serve":
		runServer()
	case "signup":
		cmdSignup(args)
	case "signin", "login":
		cmdSignin(args)
	case "refresh":
		cmdRefresh(args)
	case "signout", "logout":
		cmdSignout(args)
	case "post":
		cmdPost(args)
	case "vote":
		cmdVote(args)
	case "follow":
		cmdFollow(args)
	case "unfollow":
		cmdUnfollow(args)
	case "report":
		cmdReport(args)
	case "read", "list":
		cmdRead(args)
	case "status", "whoami":
		cmdStatus(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`talkline - Social micro-posting service

Usage: talkline <command> [options]

Quick Start:
  talkline signup --email me@example.com --password secret
  talkline post --text "Hello, world"

Client Commands:
  signup              Create an account and authenticate
  signin              Authenticate with email and password
  refresh             Rotate credentials using the refresh token
  signout             Revoke the current credentials
  post                Publish a post (or reply with --parent)
  vote                Vote on a post
  follow              Follow a user
  unfollow            Unfollow a user
  report              Report a post
  read                Read the feed or a post with replies
  status              Show current config and token status

Server:
  server              Start the Talkline server (default if no command)

Examples:
  talkline signup --email me@example.com --password secret --username sam
  talkline post --text "First post"
  talkline post --text "Nice one" --parent Ab3dEf6hIj8lMn0pQr2tUv
  talkline vote --post Ab3dEf6hIj8lMn0pQr2tUv --up
  talkline read --page 0 --followed

Environment Variables (server):
  TALKLINE_ADDR          Listen address (default: :8080)
  TALKLINE_DB            Database path (default: talkline.db)
  TALKLINE_JWT_SECRET    Access token signing secret
  TALKLINE_ACCESS_TTL    Access token lifetime (default: 1h)
  TALKLINE_REFRESH_TTL   Refresh credential lifetime (default: 8766h)`)
}

func runServer() {
	cfg := config.Load()

	st, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open db: %v", err)
	}
	defer st.Close()

	limiter := rate.NewMemory()
	codec := auth.NewTokenCodec([]byte(cfg.JWTSecret))
	authSvc := auth.NewService(st, codec, cfg.AccessTTL, cfg.RefreshTTL, cfg.BcryptCost)
	access := auth.NewAccess(st, st)

	server := httpapp.NewServer(st, authSvc, access, limiter, cfg)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("talkline listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
}

func cmdSignup(args []string) {
	fs := flag.NewFlagSet("signup", flag.ExitOnError)
	email := fs.String("email", "", "Email address (required)")
	password := fs.String("password", "", "Password (required)")
	username := fs.String("username", "", "Username (auto-generated if omitted)")
	url := fs.String("url", "http://localhost:8080", "Talkline server URL")
	fs.Parse(args)

	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "Error: --email and --password are required")
		os.Exit(1)
	}

	c := client.New(strings.TrimSuffix(*url, "/"))
	if err := c.Signup(*email, *password, *username); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg := CLIConfig{
		BaseURL:      c.BaseURL,
		Email:        *email,
		Token:        c.Token,
		RefreshToken: c.RefreshToken,
		TokenExp:     c.TokenExp.Format(time.RFC3339),
	}
	if err := saveCLIConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Signed up as %s\n", *email)
	fmt.Printf("  Config: %s\n", cliConfigPath())
	fmt.Printf("  Token expires: %s\n", cfg.TokenExp)
}

func cmdSignin(args []string) {
	fs := flag.NewFlagSet("signin", flag.ExitOnError)
	email := fs.String("email", "", "Email address (required)")
	password := fs.String("password", "", "Password (required)")
	url := fs.String("url", "", "Talkline server URL (defaults to saved)")
	fs.Parse(args)

	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "Error: --email and --password are required")
		os.Exit(1)
	}

	baseURL := strings.TrimSuffix(*url, "/")
	if baseURL == "" {
		if cfg, err := loadCLIConfig(); err == nil {
			baseURL = cfg.BaseURL
		} else {
			baseURL = "http://localhost:8080"
		}
	}

	c := client.New(baseURL)
	if err := c.Signin(*email, *password); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg := CLIConfig{
		BaseURL:      baseURL,
		Email:        *email,
		Token:        c.Token,
		RefreshToken: c.RefreshToken,
		TokenExp:     c.TokenExp.Format(time.RFC3339),
	}
	if err := saveCLIConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Signed in as %s (token expires %s)\n", *email, cfg.TokenExp)
}

func cmdRefresh(args []string) {
	cfg, c, err := loadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := c.Refresh(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\nRun 'talkline signin' to re-authenticate\n", err)
		os.Exit(1)
	}

	cfg.Token = c.Token
	cfg.RefreshToken = c.RefreshToken
	cfg.TokenExp = c.TokenExp.Format(time.RFC3339)
	if err := saveCLIConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Credentials rotated (token expires %s)\n", cfg.TokenExp)
}

func cmdSignout(args []string) {
	cfg, c, err := loadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := c.Signout(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg.Token = ""
	cfg.RefreshToken = ""
	cfg.TokenExp = ""
	if err := saveCLIConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Signed out")
}

func cmdPost(args []string) {
	fs := flag.NewFlagSet("post", flag.ExitOnError)
	text := fs.String("text", "", "Post text (required, max 256 chars)")
	parent := fs.String("parent", "", "Parent post id (makes this a reply)")
	fs.Parse(args)

	if *text == "" {
		fmt.Fprintln(os.Stderr, "Error: --text is required")
		os.Exit(1)
	}

	_, c, err := loadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var parentID *string
	if *parent != "" {
		parentID = parent
	}

	post, err := c.CreatePost(*text, parentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Posted %s\n", post.ID)
}

func cmdVote(args []string) {
	fs := flag.NewFlagSet("vote", flag.ExitOnError)
	post := fs.String("post", "", "Post id (required)")
	up := fs.Bool("up", false, "Upvote")
	down := fs.Bool("down", false, "Downvote")
	retract := fs.Bool("retract", false, "Retract your vote")
	fs.Parse(args)

	if *post == "" {
		fmt.Fprintln(os.Stderr, "Error: --post is required")
		os.Exit(1)
	}
	picked := 0
	for _, b := range []bool{*up, *down, *retract} {
		if b {
			picked++
		}
	}
	if picked != 1 {
		fmt.Fprintln(os.Stderr, "Error: provide exactly one of --up, --down or --retract")
		os.Exit(1)
	}

	_, c, err := loadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	value := 0
	switch {
	case *up:
		value = 1
	case *down:
		value = -1
	}

	if err := c.Vote(*post, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch {
	case *up:
		fmt.Printf("Upvoted %s\n", *post)
	case *down:
		fmt.Printf("Downvoted %s\n", *post)
	default:
		fmt.Printf("Retracted vote on %s\n", *post)
	}
}

func cmdFollow(args []string) {
	fs := flag.NewFlagSet("follow", flag.ExitOnError)
	userID := fs.Int64("user", 0, "User id to follow (required)")
	fs.Parse(args)

	if *userID == 0 {
		fmt.Fprintln(os.Stderr, "Error: --user is required")
		os.Exit(1)
	}

	_, c, err := loadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := c.Follow(*userID); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Following user %d\n", *userID)
}

func cmdUnfollow(args []string) {
	fs := flag.NewFlagSet("unfollow", flag.ExitOnError)
	userID := fs.Int64("user", 0, "User id to unfollow (required)")
	fs.Parse(args)

	if *userID == 0 {
		fmt.Fprintln(os.Stderr, "Error: --user is required")
		os.Exit(1)
	}

	_, c, err := loadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := c.Unfollow(*userID); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Unfollowed user %d\n", *userID)
}

func cmdReport(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	post := fs.String("post", "", "Post id (required)")
	reason := fs.String("reason", "", "Reason for the report")
	fs.Parse(args)

	if *post == "" {
		fmt.Fprintln(os.Stderr, "Error: --post is required")
		os.Exit(1)
	}

	_, c, err := loadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := c.Report(*post, *reason); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Reported %s\n", *post)
}

func cmdRead(args []string) {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	page := fs.Int("page", 0, "Feed page")
	followed := fs.Bool("followed", false, "Only posts from followed users")
	postID := fs.String("post", "", "Read a specific post with replies")
	fs.Parse(args)

	cfg, _ := loadCLIConfig()
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	c := client.New(baseURL)
	c.Token = cfg.Token

	if *postID != "" {
		post, err := c.GetPost(*postID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n@%s (%d pts)\n", post.Username, post.Score)
		fmt.Printf("  %s\n", post.Text)

		replies, err := c.GetReplies(*postID, 0)
		if err == nil && len(replies) > 0 {
			fmt.Printf("\n  --- Replies (%d) ---\n", len(replies))
			for _, reply := range replies {
				fmt.Printf("  [%s] @%s: %s\n", reply.ID, reply.Username, reply.Text)
			}
		}
		return
	}

	posts, err := c.GetPosts(*page, *followed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nTalkline (page %d)\n\n", *page)
	for i, p := range posts {
		fmt.Printf("%d. @%s: %s\n", i+1, p.Username, p.Text)
		fmt.Printf("   %d pts | %s\n\n", p.Score, p.ID)
	}
}

func cmdStatus(args []string) {
	cfg, err := loadCLIConfig()
	if err != nil {
		fmt.Println("Status: Not signed in")
		fmt.Println("\nRun: talkline signup --email <email> --password <password>")
		return
	}

	fmt.Printf("Email:  %s\n", cfg.Email)
	fmt.Printf("Server: %s\n", cfg.BaseURL)

	if cfg.Token == "" {
		fmt.Println("Token:  Not authenticated")
		fmt.Println("\nRun: talkline signin")
		return
	}
	exp, _ := time.Parse(time.RFC3339, cfg.TokenExp)
	if time.Now().After(exp) {
		fmt.Println("Token:  Expired")
		fmt.Println("\nRun: talkline refresh")
	} else {
		fmt.Printf("Token:  Valid until %s\n", cfg.TokenExp)
	}
}

func cliConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".talkline", "config.json")
}

func loadCLIConfig() (CLIConfig, error) {
	data, err := os.ReadFile(cliConfigPath())
	if err != nil {
		return CLIConfig{}, errors.New("not signed in")
	}
	var cfg CLIConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return CLIConfig{}, err
	}
	return cfg, nil
}

func saveCLIConfig(cfg CLIConfig) error {
	path := cliConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, _ := json.MarshalIndent(cfg, "", "  ")
	return os.WriteFile(path, data, 0600)
}

func loadClient() (CLIConfig, *client.Client, error) {
	cfg, err := loadCLIConfig()
	if err != nil {
		return CLIConfig{}, nil, err
	}
	if cfg.Token == "" {
		return CLIConfig{}, nil, errors.New("not authenticated - run 'talkline signin'")
	}

	c := client.New(cfg.BaseURL)
	c.Token = cfg.Token
	c.RefreshToken = cfg.RefreshToken
	c.TokenExp, _ = time.Parse(time.RFC3339, cfg.TokenExp)

	if time.Now().After(c.TokenExp) && c.RefreshToken != "" {
		if err := c.Refresh(); err != nil {
			return CLIConfig{}, nil, errors.New("token expired - run 'talkline signin'")
		}
		cfg.Token = c.Token
		cfg.RefreshToken = c.RefreshToken
		cfg.TokenExp = c.TokenExp.Format(time.RFC3339)
		_ = saveCLIConfig(cfg)
	}

	return cfg, c, nil
}
