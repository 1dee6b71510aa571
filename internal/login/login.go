package login

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"

	"sitepush/internal/domain"
	"sitepush/internal/github"
	"sitepush/internal/session"
)

const (
	DefaultOAuthURL = "https://github.com"
	stateCookieName = "sitepush.oauth_state"
	stateTTL        = 10 * time.Minute
)

var (
	ErrStateMismatch = errors.New("oauth state mismatch")
	ErrMissingCode   = errors.New("authorization code missing")
)

// UserLookup resolves the account behind an access token.
type UserLookup interface {
	User(ctx context.Context, credential string) (github.User, error)
}

type Options struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// OAuthURL is the GitHub web host serving /login/oauth/*.
	OAuthURL      string
	HTTPClient    *http.Client
	Users         UserLookup
	Sessions      *session.Manager
	SecureCookies bool
	Now           func() time.Time
}

// Flow runs the GitHub OAuth web flow and turns a successful callback into a
// session.
type Flow struct {
	oauth      oauth2.Config
	httpClient *http.Client
	users      UserLookup
	sessions   *session.Manager
	secure     bool
	now        func() time.Time
}

func NewFlow(opts Options) (*Flow, error) {
	if strings.TrimSpace(opts.ClientID) == "" || strings.TrimSpace(opts.ClientSecret) == "" {
		return nil, errors.New("github oauth client id and secret required")
	}
	if opts.Users == nil || opts.Sessions == nil {
		return nil, errors.New("login flow needs a user lookup and a session manager")
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{"repo"}
	}
	f := &Flow{
		oauth: oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint(opts.OAuthURL),
		},
		httpClient: opts.HTTPClient,
		users:      opts.Users,
		sessions:   opts.Sessions,
		secure:     opts.SecureCookies,
		now:        opts.Now,
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f, nil
}

func endpoint(base string) oauth2.Endpoint {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" || base == DefaultOAuthURL {
		return githuboauth.Endpoint
	}
	return oauth2.Endpoint{
		AuthURL:   base + "/login/oauth/authorize",
		TokenURL:  base + "/login/oauth/access_token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// Begin stores a fresh state value in a short-lived cookie and returns the
// GitHub authorize URL to redirect to.
func (f *Flow) Begin(w http.ResponseWriter) string {
	state := uuid.NewString()
	http.SetCookie(w, f.stateCookie(state, f.now().Add(stateTTL), int(stateTTL.Seconds())))
	return f.oauth.AuthCodeURL(state)
}

// Result is a completed login.
type Result struct {
	Session domain.Session
	Token   string
	Expires time.Time
}

// Complete checks the callback state, exchanges the code and creates a
// session for the GitHub user.
func (f *Flow) Complete(w http.ResponseWriter, r *http.Request) (Result, error) {
	http.SetCookie(w, f.stateCookie("", time.Unix(0, 0), -1))
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		return Result{}, fmt.Errorf("github denied authorization: %s", errCode)
	}
	c, err := r.Cookie(stateCookieName)
	state := q.Get("state")
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(c.Value), []byte(state)) != 1 {
		return Result{}, ErrStateMismatch
	}
	code := strings.TrimSpace(q.Get("code"))
	if code == "" {
		return Result{}, ErrMissingCode
	}
	ctx := r.Context()
	if f.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	}
	tok, err := f.oauth.Exchange(ctx, code)
	if err != nil {
		return Result{}, fmt.Errorf("exchange code: %w", err)
	}
	user, err := f.users.User(r.Context(), tok.AccessToken)
	if err != nil {
		return Result{}, err
	}
	s, signed, err := f.sessions.Create(r.Context(), user.Login, tok.AccessToken)
	if err != nil {
		return Result{}, err
	}
	expires, _ := time.Parse(time.RFC3339, s.ExpiresAt)
	return Result{Session: s, Token: signed, Expires: expires}, nil
}

func (f *Flow) stateCookie(value string, expires time.Time, maxAge int) *http.Cookie {
	c := &http.Cookie{
		Name:     stateCookieName,
		Value:    value,
		Path:     "/auth",
		Expires:  expires,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   f.secure,
		SameSite: http.SameSiteLaxMode,
	}
	return c
}
