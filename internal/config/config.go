package config

import (
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	Addr       string
	DBPath     string
	JWTSecret  string
	BcryptCost int
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// DeletedVisibleToOwner lets authors still fetch their own
	// soft-deleted posts by id; when false only moderators can.
	DeletedVisibleToOwner bool
	RateLimits            RateLimits
}

type RateLimits struct {
	PostPerMinute   int
	VotePerMinute   int
	SignupPerMinute int
}

func Load() Config {
	addr := envString("TALKLINE_ADDR", "")
	if addr == "" {
		if port := os.Getenv("PORT"); port != "" {
			addr = ":" + port
		} else {
			addr = ":8080"
		}
	}
	cfg := Config{
		Addr:                  addr,
		DBPath:                envString("TALKLINE_DB", "talkline.db"),
		JWTSecret:             envString("TALKLINE_JWT_SECRET", "dev-jwt-secret"),
		BcryptCost:            envInt("TALKLINE_BCRYPT_COST", bcrypt.DefaultCost),
		AccessTTL:             envDuration("TALKLINE_ACCESS_TTL", time.Hour),
		RefreshTTL:            envDuration("TALKLINE_REFRESH_TTL", 8766*time.Hour),
		DeletedVisibleToOwner: envBool("TALKLINE_DELETED_VISIBLE_TO_OWNER", true),
		RateLimits: RateLimits{
			PostPerMinute:   envInt("TALKLINE_RL_POST_PER_MIN", 10),
			VotePerMinute:   envInt("TALKLINE_RL_VOTE_PER_MIN", 120),
			SignupPerMinute: envInt("TALKLINE_RL_SIGNUP_PER_MIN", 5),
		},
	}

	return cfg
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
