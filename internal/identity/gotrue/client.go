// Package gotrue is an IdentityStore backed by a hosted GoTrue-compatible
// auth API (the one behind Supabase Auth).
//
// Two kinds of call go out:
//
//   - public calls (signup, token, resend) carry the anon key
//   - admin calls (/admin/users...) carry the service-role key
//
// The admin client is built once in New and reused for the life of the
// process. It holds a privileged credential, so nothing outside this
// package ever sees it.
package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/sakif/marketplace-auth/internal/apperror"
	"github.com/sakif/marketplace-auth/internal/model"
	"github.com/sakif/marketplace-auth/internal/repository"
)

var _ repository.IdentityStore = (*Client)(nil)

// DefaultPerPage is the admin listing page size.
const DefaultPerPage = 200

// Config configures a Client.
type Config struct {
	BaseURL        string // e.g. https://<project>.supabase.co/auth/v1
	AnonKey        string
	ServiceRoleKey string
	// HTTPClient is the base transport. Defaults to a client with a 15s
	// timeout.
	HTTPClient *http.Client
	PerPage    int
}

// Client talks to the hosted identity API.
type Client struct {
	base    *url.URL
	anonKey string
	roleKey string
	public  *http.Client
	admin   *http.Client
	perPage int
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.AnonKey == "" || cfg.ServiceRoleKey == "" {
		return nil, errors.New("gotrue: base URL, anon key and service role key are required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("gotrue: parsing base URL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = DefaultPerPage
	}

	// oauth2.NewClient layers the bearer token over the transport found in
	// the context, so both clients share one connection pool.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
	admin := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cfg.ServiceRoleKey,
		TokenType:   "Bearer",
	}))
	admin.Timeout = httpClient.Timeout

	return &Client{
		base:    base,
		anonKey: cfg.AnonKey,
		roleKey: cfg.ServiceRoleKey,
		public:  httpClient,
		admin:   admin,
		perPage: cfg.PerPage,
	}, nil
}

// =========================================================================
// WIRE TYPES
// =========================================================================

type userResponse struct {
	ID               string                 `json:"id"`
	Email            string                 `json:"email"`
	EmailConfirmedAt *time.Time             `json:"email_confirmed_at"`
	UserMetadata     model.IdentityMetadata `json:"user_metadata"`
	CreatedAt        time.Time              `json:"created_at"`
}

func (u userResponse) identity() model.Identity {
	return model.Identity{
		ID:               u.ID,
		Email:            u.Email,
		EmailConfirmedAt: u.EmailConfirmedAt,
		Metadata:         u.UserMetadata,
		CreatedAt:        u.CreatedAt,
	}
}

// signupResponse covers both shapes /signup returns: a bare user when
// confirmation is required, a session wrapping the user when not.
type signupResponse struct {
	userResponse
	User *userResponse `json:"user"`
}

type tokenResponse struct {
	AccessToken string       `json:"access_token"`
	ExpiresIn   int          `json:"expires_in"`
	ExpiresAt   int64        `json:"expires_at"`
	User        userResponse `json:"user"`
}

type listResponse struct {
	Users []userResponse `json:"users"`
}

// errorBody is the union of the error shapes the API has used over time.
type errorBody struct {
	ErrorCode        string `json:"error_code"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Details          string `json:"details"`
	Hint             string `json:"hint"`
}

func decodeError(status int, body []byte) *apperror.ProviderError {
	perr := &apperror.ProviderError{Status: status}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		perr.Message = strings.TrimSpace(string(body))
		if perr.Message == "" {
			perr.Message = http.StatusText(status)
		}
		return perr
	}

	perr.Code = firstNonEmpty(eb.ErrorCode, eb.Error)
	perr.Message = firstNonEmpty(eb.Msg, eb.Message, eb.ErrorDescription, eb.Error, http.StatusText(status))
	perr.Detail = eb.Details
	perr.Hint = eb.Hint
	return perr
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// =========================================================================
// TRANSPORT
// =========================================================================

// do sends a JSON request and decodes a 2xx JSON response into out (which
// may be nil). Any other status becomes a *apperror.ProviderError.
func (c *Client) do(ctx context.Context, hc *http.Client, key, method, path string, query url.Values, in, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("gotrue: encoding %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("gotrue: building %s %s: %w", method, path, err)
	}
	req.Header.Set("apikey", key)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if hc == c.public {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("gotrue: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("gotrue: reading %s %s response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("gotrue: decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) publicCall(ctx context.Context, method, path string, query url.Values, in, out any) error {
	return c.do(ctx, c.public, c.anonKey, method, path, query, in, out)
}

func (c *Client) adminCall(ctx context.Context, method, path string, query url.Values, in, out any) error {
	return c.do(ctx, c.admin, c.roleKey, method, path, query, in, out)
}

// =========================================================================
// IDENTITY STORE
// =========================================================================

// CreateIdentity signs the user up. The provider sends the confirmation
// email itself, with a link that lands on params.RedirectURL.
func (c *Client) CreateIdentity(ctx context.Context, params model.NewIdentity) (*model.Identity, error) {
	var q url.Values
	if params.RedirectURL != "" {
		q = url.Values{"redirect_to": {params.RedirectURL}}
	}

	in := map[string]any{
		"email":    params.Email,
		"password": params.Password,
		"data":     params.Metadata,
	}

	var out signupResponse
	if err := c.publicCall(ctx, http.MethodPost, "/signup", q, in, &out); err != nil {
		return nil, err
	}

	u := out.userResponse
	if out.User != nil {
		u = *out.User
	}
	if u.ID == "" {
		return nil, errors.New("gotrue: signup returned no user")
	}
	ident := u.identity()
	return &ident, nil
}

func (c *Client) GetIdentityByID(ctx context.Context, id string) (*model.Identity, error) {
	var out userResponse
	if err := c.adminCall(ctx, http.MethodGet, "/admin/users/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	ident := out.identity()
	return &ident, nil
}

// ListIdentities walks every page of the admin listing. It stops at the
// first page shorter than the page size.
func (c *Client) ListIdentities(ctx context.Context) ([]model.Identity, error) {
	var all []model.Identity
	for page := 1; ; page++ {
		q := url.Values{
			"page":     {strconv.Itoa(page)},
			"per_page": {strconv.Itoa(c.perPage)},
		}

		var out listResponse
		if err := c.adminCall(ctx, http.MethodGet, "/admin/users", q, nil, &out); err != nil {
			return nil, err
		}
		for _, u := range out.Users {
			all = append(all, u.identity())
		}
		if len(out.Users) < c.perPage {
			return all, nil
		}
	}
}

func (c *Client) DeleteIdentity(ctx context.Context, id string) error {
	return c.adminCall(ctx, http.MethodDelete, "/admin/users/"+url.PathEscape(id), nil, nil, nil)
}

// SignInWithPassword exchanges credentials for a session. The provider
// refuses unconfirmed accounts, which surfaces as ErrEmailNotConfirmed.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	q := url.Values{"grant_type": {"password"}}
	in := map[string]string{"email": email, "password": password}

	var out tokenResponse
	if err := c.publicCall(ctx, http.MethodPost, "/token", q, in, &out); err != nil {
		return nil, classifySignInError(err)
	}

	exp := time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	if out.ExpiresAt > 0 {
		exp = time.Unix(out.ExpiresAt, 0)
	}
	return &model.Session{
		AccessToken: out.AccessToken,
		ExpiresAt:   exp,
		Identity:    out.User.identity(),
	}, nil
}

func classifySignInError(err error) error {
	var perr *apperror.ProviderError
	if !errors.As(err, &perr) || perr.Status != http.StatusBadRequest {
		return err
	}

	switch {
	case perr.Code == "email_not_confirmed" || strings.Contains(strings.ToLower(perr.Message), "email not confirmed"):
		return fmt.Errorf("%w: %w", repository.ErrEmailNotConfirmed, perr)
	case perr.Code == "invalid_credentials" || perr.Code == "invalid_grant":
		return fmt.Errorf("%w: %w", repository.ErrInvalidCredentials, perr)
	}
	return err
}

func (c *Client) ResendConfirmation(ctx context.Context, email string) error {
	in := map[string]string{"type": "signup", "email": email}
	return c.publicCall(ctx, http.MethodPost, "/resend", nil, in, nil)
}
