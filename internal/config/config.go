package config

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

type Options struct {
	BaseURL   string `long:"base-url" env:"CASEWATCH_BASE_URL" description:"API base URL (e.g. https://cases.example.com); overrides the saved default"`
	Token     string `long:"token" env:"CASEWATCH_TOKEN" description:"Bearer token used for API calls and local introspection"`
	TokenFile string `long:"token-file" env:"CASEWATCH_TOKEN_FILE" description:"File holding the session token; may be absent when the token is server-managed"`
	StateDir  string `long:"state-dir" env:"CASEWATCH_STATE_DIR" description:"Shared state directory used to coordinate sibling agent processes"`
	Public    bool   `long:"public" env:"CASEWATCH_PUBLIC" description:"Run without a session; skips identity resolution and the push channel"`
	Debug     bool   `long:"debug" env:"CASEWATCH_DEBUG" description:"Enable verbose debug output"`
}

type APIEndpoints struct {
	BaseURL    string
	RefreshURL string
	WhoAmIURL  string
	CountsURL  string
	ChannelURL string
}

const (
	refreshPath = "/api/v1/auth/refresh"
	whoamiPath  = "/api/v1/auth/me"
	countsPath  = "/api/v1/cases/messages/unseen_messages_counts"
	channelPath = "/api/v1/cases/messages/ws"

	// Local backend fallback when neither a runtime override nor a saved
	// default is configured.
	fallbackBaseURL = "http://127.0.0.1:8000"
)

func ParseOptions() (Options, error) {
	_ = godotenv.Load()
	opts := Options{}
	if _, err := flags.Parse(&opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// ResolveBaseURL applies the base URL priority order: runtime override,
// saved default, same-origin fallback.
func ResolveBaseURL(opts Options, saved AgentSettings) string {
	if v := strings.TrimSpace(opts.BaseURL); v != "" {
		return v
	}
	if v := strings.TrimSpace(saved.BaseURL); v != "" {
		return v
	}
	return fallbackBaseURL
}

func BuildEndpoints(rawBaseURL string) (APIEndpoints, error) {
	base, err := parseBaseURL(rawBaseURL)
	if err != nil {
		return APIEndpoints{}, err
	}
	prefix := strings.TrimRight(base.Path, "/")
	origin := base.Scheme + "://" + base.Host

	channel := *base
	if strings.EqualFold(base.Scheme, "https") {
		channel.Scheme = "wss"
	} else {
		channel.Scheme = "ws"
	}
	channel.Path = prefix + channelPath

	return APIEndpoints{
		BaseURL:    origin + prefix,
		RefreshURL: origin + prefix + refreshPath,
		WhoAmIURL:  origin + prefix + whoamiPath,
		CountsURL:  origin + prefix + countsPath,
		ChannelURL: channel.Scheme + "://" + channel.Host + channel.Path,
	}, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	value := strings.TrimSpace(raw)
	parsed, err := url.Parse(value)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.New("expected absolute URL like https://example.com")
	}
	if !strings.EqualFold(parsed.Scheme, "http") && !strings.EqualFold(parsed.Scheme, "https") {
		return nil, errors.New("base URL scheme must be http or https")
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed, nil
}

func DefaultStateDir() (string, error) {
	root, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "casewatch", "state"), nil
}
