// Package config loads the settings of the chat client and the development
// server from the environment, an optional .env file and command line flags.
// Flags win over the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/remote-agent-terminal/chatclient/internal/auth"
	"github.com/remote-agent-terminal/chatclient/internal/transport"
)

// EnvFileVar names the variable that points at the .env file to load.
const EnvFileVar = "CHAT_ENV_FILE"

// Client configures cmd/chat.
type Client struct {
	Endpoint    string
	APIURL      string
	Token       string
	Email       string
	Password    string
	Timeout     time.Duration
	Transcript  string
	HistorySize int
	Debug       bool
}

// Server configures cmd/devserver.
type Server struct {
	Addr      string
	DBPath    string
	JWTSecret string
	Issuer    string
	TokenTTL  time.Duration
	Users     []SeedUser
	Debug     bool
}

// SeedUser is an account created when the development server starts.
type SeedUser struct {
	Email    string
	Password string
	Name     string
}

// LoadClient reads the client configuration. args excludes the program name.
func LoadClient(args []string) (*Client, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	timeout, err := getEnvDuration("CHAT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	historySize, err := getEnvInt("CHAT_HISTORY_SIZE", 200)
	if err != nil {
		return nil, err
	}
	debug, err := getEnvBool("CHAT_DEBUG", false)
	if err != nil {
		return nil, err
	}

	cfg := &Client{}
	flags := pflag.NewFlagSet("chat", pflag.ContinueOnError)
	flags.StringVarP(&cfg.Endpoint, "endpoint", "e", getEnv("CHAT_ENDPOINT", transport.DefaultEndpoint), "socket endpoint")
	flags.StringVar(&cfg.APIURL, "api", getEnv("CHAT_API_URL", auth.DefaultBaseURL), "login API root")
	flags.StringVarP(&cfg.Token, "token", "t", getEnv("CHAT_TOKEN", ""), "bearer token; skips the login")
	flags.StringVarP(&cfg.Email, "email", "u", getEnv("CHAT_EMAIL", ""), "login email")
	flags.StringVar(&cfg.Password, "password", getEnv("CHAT_PASSWORD", ""), "login password; prompted when empty")
	flags.DurationVar(&cfg.Timeout, "timeout", timeout, "reply timeout")
	flags.StringVar(&cfg.Transcript, "transcript", getEnv("CHAT_TRANSCRIPT", ""), "append a transcript to this file")
	flags.IntVar(&cfg.HistorySize, "history-size", historySize, "messages kept for scrollback")
	flags.BoolVarP(&cfg.Debug, "debug", "d", debug, "log protocol traffic to stderr")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", cfg.Timeout)
	}
	if cfg.HistorySize <= 0 {
		return nil, fmt.Errorf("history size must be positive, got %d", cfg.HistorySize)
	}
	return cfg, nil
}

// LoadServer reads the development server configuration. args excludes the
// program name.
func LoadServer(args []string) (*Server, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	ttl, err := getEnvDuration("JWT_TTL", auth.DefaultTokenTTL)
	if err != nil {
		return nil, err
	}
	debug, err := getEnvBool("DEVSERVER_DEBUG", false)
	if err != nil {
		return nil, err
	}

	cfg := &Server{}
	var users string
	flags := pflag.NewFlagSet("devserver", pflag.ContinueOnError)
	flags.StringVarP(&cfg.Addr, "addr", "a", getEnv("DEVSERVER_ADDR", "127.0.0.1:4001"), "listen address")
	flags.StringVar(&cfg.DBPath, "db", getEnv("DB_PATH", "data/chat.db"), "sqlite database path")
	flags.StringVar(&cfg.JWTSecret, "jwt-secret", getEnv("JWT_SECRET", "dev-secret"), "token signing secret")
	flags.StringVar(&cfg.Issuer, "jwt-issuer", getEnv("JWT_ISSUER", "chat-devserver"), "token issuer")
	flags.DurationVar(&cfg.TokenTTL, "jwt-ttl", ttl, "token lifetime")
	flags.StringVar(&users, "users", getEnv("DEVSERVER_USERS", ""), "seed users as email:password[:name],...")
	flags.BoolVarP(&cfg.Debug, "debug", "d", debug, "verbose logging")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}

	cfg.Users, err = ParseSeedUsers(users)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseSeedUsers parses a comma separated email:password[:name] list.
func ParseSeedUsers(s string) ([]SeedUser, error) {
	var users []SeedUser
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid seed user %q, want email:password[:name]", entry)
		}
		user := SeedUser{Email: parts[0], Password: parts[1]}
		if len(parts) == 3 {
			user.Name = parts[2]
		}
		users = append(users, user)
	}
	return users, nil
}

// loadEnvFile loads the file named by CHAT_ENV_FILE, or .env. A missing file
// is not an error. Variables already set are kept.
func loadEnvFile() error {
	path := getEnv(EnvFileVar, ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
