package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"sitepush/internal/domain"
	"sitepush/internal/repo"
)

const (
	DefaultTTL        = 7 * 24 * time.Hour
	DefaultCookieName = "sitepush.sid"
	issuer            = "sitepush"
)

// ErrUnauthenticated covers every reason a token does not resolve to a live
// session.
var ErrUnauthenticated = errors.New("not authenticated")

type Options struct {
	Repo          repo.Repo
	Secret        string
	TTL           time.Duration
	CookieName    string
	SecureCookies bool
	Now           func() time.Time
}

// Manager issues and resolves login sessions. The GitHub access token stays
// in the store; clients only ever see a signed token naming the session.
type Manager struct {
	repo       repo.Repo
	secret     []byte
	ttl        time.Duration
	cookieName string
	secure     bool
	now        func() time.Time
}

func NewManager(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.Secret) == "" {
		return nil, errors.New("session secret not configured")
	}
	m := &Manager{
		repo:       opts.Repo,
		secret:     []byte(opts.Secret),
		ttl:        opts.TTL,
		cookieName: strings.TrimSpace(opts.CookieName),
		secure:     opts.SecureCookies,
		now:        opts.Now,
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.cookieName == "" {
		m.cookieName = DefaultCookieName
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

func (m *Manager) CookieName() string { return m.cookieName }

type claims struct {
	jwt.RegisteredClaims
	Username string `json:"username,omitempty"`
}

// Create stores a session for username and returns it with its signed token.
func (m *Manager) Create(ctx context.Context, username, accessToken string) (domain.Session, string, error) {
	if strings.TrimSpace(username) == "" || strings.TrimSpace(accessToken) == "" {
		return domain.Session{}, "", errors.New("username and access token required")
	}
	now := m.now().UTC().Truncate(time.Second)
	expires := now.Add(m.ttl)
	s := domain.Session{
		ID:          uuid.NewString(),
		Username:    username,
		AccessToken: accessToken,
		CreatedAt:   now.Format(time.RFC3339),
		ExpiresAt:   expires.Format(time.RFC3339),
	}
	if err := m.repo.InsertSession(ctx, s); err != nil {
		return domain.Session{}, "", fmt.Errorf("store session: %w", err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   s.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Username: username,
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return domain.Session{}, "", fmt.Errorf("sign session: %w", err)
	}
	return s, signed, nil
}

// Resolve verifies token and loads the session it names.
func (m *Manager) Resolve(ctx context.Context, token string) (domain.Session, error) {
	id, err := m.sessionID(token)
	if err != nil {
		return domain.Session{}, err
	}
	s, err := m.repo.GetSession(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Session{}, fmt.Errorf("%w: session revoked", ErrUnauthenticated)
	}
	if err != nil {
		return domain.Session{}, err
	}
	expires, err := time.Parse(time.RFC3339, s.ExpiresAt)
	if err != nil || !m.now().Before(expires) {
		return domain.Session{}, fmt.Errorf("%w: session expired", ErrUnauthenticated)
	}
	return s, nil
}

// Destroy removes the session named by token. Unknown sessions are not an
// error.
func (m *Manager) Destroy(ctx context.Context, token string) error {
	id, err := m.sessionID(token)
	if err != nil {
		return err
	}
	if err := m.repo.DeleteSession(ctx, id); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return nil
}

func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	return m.repo.PurgeExpiredSessions(ctx, m.now())
}

func (m *Manager) sessionID(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthenticated
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now),
	)
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !parsed.Valid || c.Subject == "" {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	return c.Subject, nil
}

// Cookie carries token to the browser. Cross-site frontends need
// SameSite=None, which browsers only accept on secure cookies.
func (m *Manager) Cookie(token string, expires time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     m.cookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(expires.Sub(m.now()).Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if m.secure {
		c.SameSite = http.SameSiteNoneMode
	}
	return c
}

func (m *Manager) ExpiredCookie() *http.Cookie {
	c := m.Cookie("", time.Unix(0, 0))
	c.MaxAge = -1
	return c
}

// TokenFromRequest returns the session token from the cookie or an
// Authorization: Bearer header.
func (m *Manager) TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(m.cookieName); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value)
	}
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}
