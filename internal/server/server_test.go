package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gigflow/internal/config"
	"gigflow/internal/db"
	"gigflow/internal/domain"
	"gigflow/internal/engine"
	"gigflow/internal/engine/auth"
	"gigflow/internal/logging"
	"gigflow/internal/migrate"
	"gigflow/internal/realtime"
	"gigflow/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL      string
	Registry *realtime.Registry
	Repo     repo.Repo
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := logging.Discard()
	registry := realtime.NewRegistry()
	e := engine.New(conn, cfg)
	e.Logger = logger
	e.Notifier = realtime.NewDispatcher(registry, logger)
	r := repo.Repo{DB: conn}
	tokens := auth.Tokens{Secret: testSecret, TTL: cfg.Auth.TokenTTL}
	handler, err := New(Config{
		Engine:   e,
		Users:    auth.Service{Repo: r, Tokens: tokens},
		Registry: registry,
		BasePath: "/v0",
		Auth:     AuthConfig{Tokens: tokens, CookieName: "token"},
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:      "http://" + ln.Addr().String(),
		Registry: registry,
		Repo:     r,
		client:   &http.Client{},
		close: func() {
			registry.Close()
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func register(t *testing.T, srv *testServer, name, email string) SessionResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/register", map[string]any{
		"name":     name,
		"email":    email,
		"password": "secret123",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register %s status %d: %s", email, res.StatusCode, string(data))
	}
	var session SessionResponse
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	return session
}

func createGig(t *testing.T, srv *testServer, token, title string) GigResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/gigs", map[string]any{
		"title":       title,
		"description": "Build the thing",
		"budget":      500,
	}, bearer(token))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create gig status %d: %s", res.StatusCode, string(data))
	}
	var g GigResponse
	if err := json.Unmarshal(data, &g); err != nil {
		t.Fatalf("unmarshal gig: %v", err)
	}
	return g
}

func placeBid(t *testing.T, srv *testServer, token, gigID string) BidResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/bids", map[string]any{
		"gig_id":  gigID,
		"message": "I can do it",
	}, bearer(token))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("place bid status %d: %s", res.StatusCode, string(data))
	}
	var b BidResponse
	if err := json.Unmarshal(data, &b); err != nil {
		t.Fatalf("unmarshal bid: %v", err)
	}
	return b
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func dialWS(t *testing.T, srv *testServer, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/ws?access_token=" + token
	ws, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		t.Fatalf("dial ws (status %d): %v", status, err)
	}
	var hello realtime.Message
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := ws.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Event != realtime.EventConnected {
		t.Fatalf("expected %s, got %s", realtime.EventConnected, hello.Event)
	}
	return ws
}

func TestHealthReportsConnections(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var health HealthResponse
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if health.Status != "ok" || health.Realtime.Connections != 0 {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestRegisterLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	session := register(t, srv, "Ada", "ada@example.com")
	if session.Token == "" || session.User.Email != "ada@example.com" {
		t.Fatalf("unexpected session %+v", session)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/register", map[string]any{
		"name": "Ada again", "email": "ADA@example.com", "password": "secret123",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"email": "ada@example.com", "password": "wrong-password",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"email": "ada@example.com", "password": "secret123",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var cookie *http.Cookie
	for _, c := range res.Cookies() {
		if c.Name == "token" {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" || !cookie.HttpOnly {
		t.Fatalf("expected http-only session cookie, got %+v", res.Cookies())
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Cookie": "token=" + cookie.Value})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via cookie status %d: %s", res.StatusCode, string(data))
	}
	var me UserResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ID != session.User.ID {
		t.Fatalf("expected %s, got %s", session.User.ID, me.ID)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous me status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, bearer("not-a-jwt"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad bearer status %d", res.StatusCode)
	}
}

func TestGigListingAndBidRules(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	owner := register(t, srv, "Owner", "owner@example.com")
	dev := register(t, srv, "Dev", "dev@example.com")

	res, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v0/gigs", map[string]any{
		"title": "Anonymous", "description": "nope", "budget": 10,
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous create status %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/gigs", map[string]any{
		"title": "Zero budget", "description": "nope", "budget": 0,
	}, bearer(owner.Token))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("zero budget status %d: %s", res.StatusCode, string(data))
	}

	logo := createGig(t, srv, owner.Token, "Design a logo")
	createGig(t, srv, owner.Token, "Write a parser")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/gigs?search=LOGO", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list GigListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if list.Count != 1 || list.Items[0].ID != logo.ID {
		t.Fatalf("expected only the logo gig, got %+v", list)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/bids", map[string]any{
		"gig_id": logo.ID, "message": "mine",
	}, bearer(owner.Token))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("own gig bid status %d: %s", res.StatusCode, string(data))
	}

	placeBid(t, srv, dev.Token, logo.ID)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/bids", map[string]any{
		"gig_id": logo.ID, "message": "again",
	}, bearer(dev.Token))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate bid status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/bids", map[string]any{
		"gig_id": "missing", "message": "hello",
	}, bearer(dev.Token))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing gig bid status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/gigs/"+logo.ID+"/bids", nil, bearer(dev.Token))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("non-owner bids status %d: %s", res.StatusCode, string(data))
	}
}

func TestHireNotifiesFreelancerOverWebsocket(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	owner := register(t, srv, "Owner", "owner@example.com")
	winner := register(t, srv, "Winner", "winner@example.com")
	loser := register(t, srv, "Loser", "loser@example.com")

	gig := createGig(t, srv, owner.Token, "Build an API")
	winning := placeBid(t, srv, winner.Token, gig.ID)
	losing := placeBid(t, srv, loser.Token, gig.ID)

	ws := dialWS(t, srv, winner.Token)
	defer ws.Close()

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/bids/"+winning.ID+"/hire", nil, bearer(winner.Token))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-owner hire status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/bids/"+winning.ID+"/hire", nil, bearer(owner.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("hire status %d: %s", res.StatusCode, string(data))
	}
	var hired HireResponse
	if err := json.Unmarshal(data, &hired); err != nil {
		t.Fatalf("unmarshal hire: %v", err)
	}
	if hired.Gig.Status != domain.GigAssigned || hired.Bid.Status != domain.BidHired {
		t.Fatalf("unexpected hire result %+v", hired)
	}
	if hired.Rejected != 1 || !hired.Notified {
		t.Fatalf("expected one rejection and a delivered notification, got %+v", hired)
	}

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg struct {
		Event   string              `json:"event"`
		Payload domain.HiredPayload `json:"payload"`
	}
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read notification: %v", err)
	}
	if msg.Event != domain.EventHired || msg.Payload.Title != "Build an API" || msg.Payload.GigID != gig.ID {
		t.Fatalf("unexpected notification %+v", msg)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/bids/"+losing.ID+"/hire", nil, bearer(owner.Token))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "conflict" {
		t.Fatalf("second hire status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/bids/missing/hire", nil, bearer(owner.Token))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing bid hire status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/gigs/"+gig.ID+"/bids", nil, bearer(owner.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list bids status %d: %s", res.StatusCode, string(data))
	}
	var bids BidListResponse
	if err := json.Unmarshal(data, &bids); err != nil {
		t.Fatalf("unmarshal bids: %v", err)
	}
	statuses := map[string]string{}
	for _, b := range bids.Items {
		statuses[b.ID] = b.Status
	}
	if statuses[winning.ID] != domain.BidHired || statuses[losing.ID] != domain.BidRejected {
		t.Fatalf("unexpected bid statuses %v", statuses)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/gigs/"+gig.ID+"/events", nil, bearer(owner.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts []EventResponse
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	seen := map[string]bool{}
	for _, evt := range evts {
		seen[evt.Type] = true
	}
	for _, want := range []string{"gig.created", "bid.placed", "gig.assigned", "bid.hired", "bids.rejected"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}
}

func TestHireWithoutLiveConnectionStillCommits(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	owner := register(t, srv, "Owner", "owner@example.com")
	dev := register(t, srv, "Dev", "dev@example.com")
	gig := createGig(t, srv, owner.Token, "Offline hire")
	bid := placeBid(t, srv, dev.Token, gig.ID)

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/bids/"+bid.ID+"/hire", nil, bearer(owner.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("hire status %d: %s", res.StatusCode, string(data))
	}
	var hired HireResponse
	if err := json.Unmarshal(data, &hired); err != nil {
		t.Fatalf("unmarshal hire: %v", err)
	}
	if hired.Notified {
		t.Fatalf("expected no delivery without a connection")
	}
	stored, err := srv.Repo.GetGig(context.Background(), gig.ID)
	if err != nil {
		t.Fatalf("get gig: %v", err)
	}
	if stored.Status != domain.GigAssigned {
		t.Fatalf("expected assigned, got %s", stored.Status)
	}
}

func TestWebsocketRequiresAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/ws"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", res)
	}
	if srv.Registry.Stats().Connections != 0 {
		t.Fatalf("expected no registered connections")
	}
}

func TestWebhookRelayDeliversSignedEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	type delivery struct {
		event     string
		signature string
		body      []byte
	}
	got := make(chan delivery, 16)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- delivery{event: r.Header.Get("X-Gigflow-Event"), signature: r.Header.Get("X-Gigflow-Signature"), body: body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	relay := &WebhookRelay{
		Source: srv.Repo,
		Hooks:  []config.WebhookConfig{{URL: hook.URL, Events: []string{"gig.*"}, Secret: "s3cret"}},
		Logger: logging.Discard(),
	}
	ctx := context.Background()
	// Establish the cursor before any event exists.
	relay.DispatchOnce(ctx)

	owner := register(t, srv, "Owner", "owner@example.com")
	createGig(t, srv, owner.Token, "Hooked")
	relay.DispatchOnce(ctx)

	select {
	case d := <-got:
		if d.event != "gig.created" {
			t.Fatalf("expected gig.created, got %s", d.event)
		}
		if d.signature != Sign("s3cret", d.body) {
			t.Fatalf("signature mismatch")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no webhook delivery")
	}

	relay.DispatchOnce(ctx)
	select {
	case d := <-got:
		t.Fatalf("unexpected redelivery of %s", d.event)
	default:
	}
}
