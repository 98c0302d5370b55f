package gigflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a minimal gigflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at"`
}

type Session struct {
	User      User   `json:"user"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type Gig struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Budget      int64  `json:"budget"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type Bid struct {
	ID        string `json:"id"`
	GigID     string `json:"gig_id"`
	BidderID  string `json:"bidder_id"`
	Message   string `json:"message"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type HireResult struct {
	Message  string `json:"message"`
	Gig      Gig    `json:"gig"`
	Bid      Bid    `json:"bid"`
	Rejected int64  `json:"rejected"`
	Notified bool   `json:"notified"`
}

// Notification is a message pushed over the websocket.
type Notification struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	TS      time.Time       `json:"ts"`
}

// ListGigsOptions filters ListGigs. Zero values use server defaults.
type ListGigsOptions struct {
	Search string
	Status string
	Mine   bool
	Limit  int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a 409, which callers may retry.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// Register creates an account and stores the returned token on the client.
func (c *Client) Register(ctx context.Context, name, email, password string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "auth/register", map[string]any{
		"name":     name,
		"email":    email,
		"password": password,
	}, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp, err
}

// Login starts a session and stores the returned token on the client.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "auth/login", map[string]any{
		"email":    email,
		"password": password,
	}, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp, err
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

func (c *Client) CreateGig(ctx context.Context, title, description string, budget int64) (Gig, error) {
	var resp Gig
	err := c.do(ctx, http.MethodPost, "gigs", map[string]any{
		"title":       title,
		"description": description,
		"budget":      budget,
	}, &resp)
	return resp, err
}

func (c *Client) GetGig(ctx context.Context, id string) (Gig, error) {
	var resp Gig
	err := c.do(ctx, http.MethodGet, "gigs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ListGigs(ctx context.Context, opts ListGigsOptions) ([]Gig, error) {
	q := url.Values{}
	if opts.Search != "" {
		q.Set("search", opts.Search)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Mine {
		q.Set("mine", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprint(opts.Limit))
	}
	endpoint := "gigs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Gig `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) PlaceBid(ctx context.Context, gigID, message string) (Bid, error) {
	var resp Bid
	err := c.do(ctx, http.MethodPost, "bids", map[string]any{
		"gig_id":  gigID,
		"message": message,
	}, &resp)
	return resp, err
}

// ListBids returns the bids on a gig owned by the caller.
func (c *Client) ListBids(ctx context.Context, gigID string) ([]Bid, error) {
	var resp struct {
		Items []Bid `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "gigs/"+url.PathEscape(gigID)+"/bids", nil, &resp)
	return resp.Items, err
}

// Hire awards the bid's gig. A 409 means another hire won or the store was
// busy; see IsConflict.
func (c *Client) Hire(ctx context.Context, bidID string) (HireResult, error) {
	var resp HireResult
	err := c.do(ctx, http.MethodPatch, "bids/"+url.PathEscape(bidID)+"/hire", nil, &resp)
	return resp, err
}

// Subscribe opens the notification socket and delivers messages to fn until
// ctx is cancelled or the connection drops.
func (c *Client) Subscribe(ctx context.Context, fn func(Notification)) error {
	u, err := url.Parse(c.endpoint("ws"))
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	if c.BearerToken != "" {
		header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return err
	}
	defer ws.Close()
	go func() {
		<-ctx.Done()
		ws.Close()
	}()
	for {
		var n Notification
		if err := ws.ReadJSON(&n); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(n)
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) endpoint(p string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	prefix := strings.Trim(c.BasePath, "/")
	if prefix != "" {
		base += "/" + prefix
	}
	return base + "/" + strings.TrimLeft(p, "/")
}
