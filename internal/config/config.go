package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"sitepush/internal/domain"
)

const FileName = "sitepush.yml"

// Config models sitepush.yml.
type Config struct {
	Server struct {
		Addr           string   `yaml:"addr" json:"addr"`
		AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
		SecureCookies  bool     `yaml:"secure_cookies" json:"secure_cookies"`
	} `yaml:"server" json:"server"`
	GitHub struct {
		APIURL       string   `yaml:"api_url" json:"api_url"`
		OAuthURL     string   `yaml:"oauth_url" json:"oauth_url"`
		ClientID     string   `yaml:"client_id" json:"client_id"`
		ClientSecret string   `yaml:"client_secret" json:"-"`
		RedirectURL  string   `yaml:"redirect_url" json:"redirect_url"`
		Scopes       []string `yaml:"scopes" json:"scopes"`
	} `yaml:"github" json:"github"`
	Target struct {
		Owner  string `yaml:"owner" json:"owner"`
		Repo   string `yaml:"repo" json:"repo"`
		Path   string `yaml:"path" json:"path"`
		Branch string `yaml:"branch" json:"branch"`
	} `yaml:"target" json:"target"`
	Session struct {
		Secret     string        `yaml:"secret" json:"-"`
		CookieName string        `yaml:"cookie_name" json:"cookie_name"`
		TTL        time.Duration `yaml:"ttl" json:"ttl"`
	} `yaml:"session" json:"session"`
	Deploy struct {
		PollInterval  time.Duration `yaml:"poll_interval" json:"poll_interval"`
		MaxPolls      int           `yaml:"max_polls" json:"max_polls"`
		CommitMessage string        `yaml:"commit_message" json:"commit_message"`
	} `yaml:"deploy" json:"deploy"`
	Frontend struct {
		PostLoginRedirect string `yaml:"post_login_redirect" json:"post_login_redirect"`
	} `yaml:"frontend" json:"frontend"`
	Storage struct {
		DSN string `yaml:"dsn" json:"-"`
	} `yaml:"storage" json:"storage"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Location is the file jobs read and commit.
func (c *Config) Location() domain.Location {
	return domain.Location{
		Owner:  c.Target.Owner,
		Repo:   c.Target.Repo,
		Path:   c.Target.Path,
		Branch: c.Target.Branch,
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.GitHub.APIURL == "" {
		c.GitHub.APIURL = "https://api.github.com"
	}
	if c.GitHub.OAuthURL == "" {
		c.GitHub.OAuthURL = "https://github.com"
	}
	if len(c.GitHub.Scopes) == 0 {
		c.GitHub.Scopes = []string{"repo"}
	}
	if c.Target.Branch == "" {
		c.Target.Branch = "main"
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = "sitepush.sid"
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = 7 * 24 * time.Hour
	}
	if c.Deploy.PollInterval == 0 {
		c.Deploy.PollInterval = 5 * time.Second
	}
	if c.Deploy.MaxPolls == 0 {
		c.Deploy.MaxPolls = 120
	}
	if c.Deploy.CommitMessage == "" {
		c.Deploy.CommitMessage = "Update markers by {user}"
	}
	if c.Frontend.PostLoginRedirect == "" {
		c.Frontend.PostLoginRedirect = "/"
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Target.Owner == "" || c.Target.Repo == "" {
		return fmt.Errorf("config.target.owner and config.target.repo are required")
	}
	if strings.Trim(c.Target.Path, "/") == "" {
		return fmt.Errorf("config.target.path is required")
	}
	for _, raw := range []struct{ key, value string }{
		{"github.api_url", c.GitHub.APIURL},
		{"github.oauth_url", c.GitHub.OAuthURL},
	} {
		if u, err := url.Parse(raw.value); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.%s must be an absolute url", raw.key)
		}
	}
	if c.Deploy.PollInterval < 0 {
		return fmt.Errorf("config.deploy.poll_interval must not be negative")
	}
	if c.Deploy.MaxPolls < 0 {
		return fmt.Errorf("config.deploy.max_polls must not be negative")
	}
	if c.Session.TTL < 0 {
		return fmt.Errorf("config.session.ttl must not be negative")
	}
	for _, origin := range c.Server.AllowedOrigins {
		if origin == "*" {
			return fmt.Errorf("config.server.allowed_origins cannot be * because sessions use credentials")
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// RequireSecrets reports the credentials serve cannot start without.
func (c *Config) RequireSecrets() error {
	var missing []string
	if c.GitHub.ClientID == "" {
		missing = append(missing, "github.client_id")
	}
	if c.GitHub.ClientSecret == "" {
		missing = append(missing, "github.client_secret")
	}
	if c.Session.Secret == "" {
		missing = append(missing, "session.secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s (set in %s or SITEPUSH_* environment)", strings.Join(missing, ", "), FileName)
	}
	return nil
}

// ApplyEnv overlays values from v, which is expected to read SITEPUSH_*
// variables. PORT sets the listen port when server.addr is not overridden.
func (c *Config) ApplyEnv(v *viper.Viper) {
	set := func(key string, dst *string) {
		if val := strings.TrimSpace(v.GetString(key)); val != "" {
			*dst = val
		}
	}
	set("github.client_id", &c.GitHub.ClientID)
	set("github.client_secret", &c.GitHub.ClientSecret)
	set("github.redirect_url", &c.GitHub.RedirectURL)
	set("session.secret", &c.Session.Secret)
	set("storage.dsn", &c.Storage.DSN)
	set("frontend.post_login_redirect", &c.Frontend.PostLoginRedirect)
	if port := strings.TrimSpace(v.GetString("port")); port != "" {
		c.Server.Addr = ":" + port
	}
	set("server.addr", &c.Server.Addr)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	cfg, err := FromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config %s not found; create one with sitepush config init", path)
	}
	return cfg, err
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return cfg, err
}

// FromYAML parses, defaults and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the config produced by GenerateDefault.
func Default(owner, repo string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(owner, repo)))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(owner, repo string) string {
	return fmt.Sprintf(defaultTemplate, owner, repo)
}

const defaultTemplate = `server:
  addr: ":8080"
  allowed_origins: []
  secure_cookies: true

github:
  api_url: https://api.github.com
  oauth_url: https://github.com
  # client_id and client_secret are usually supplied through
  # SITEPUSH_GITHUB_CLIENT_ID and SITEPUSH_GITHUB_CLIENT_SECRET.
  client_id: ""
  client_secret: ""
  redirect_url: http://localhost:8080/auth/callback
  scopes: [repo]

target:
  owner: %s
  repo: %s
  path: markers.json
  branch: main

session:
  # SITEPUSH_SESSION_SECRET
  secret: ""
  cookie_name: sitepush.sid
  ttl: 168h

deploy:
  poll_interval: 5s
  max_polls: 120
  commit_message: "Update markers by {user}"

frontend:
  post_login_redirect: /

storage:
  # empty uses .sitepush/sitepush.db; postgres://... is also accepted
  dsn: ""

webhooks: []
`
