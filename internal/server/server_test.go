package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pressroom/internal/config"
	"pressroom/internal/courier"
	"pressroom/internal/db"
	"pressroom/internal/domain"
	"pressroom/internal/events"
	"pressroom/internal/migrate"
	"pressroom/internal/moderation"
	"pressroom/internal/publish"
	"pressroom/internal/repo"
	"pressroom/internal/scheduler"
	"pressroom/internal/session"
)

const testJWTSecret = "test-secret"

type fakeSender struct {
	posts map[string]courier.Post
	next  int64
}

func (f *fakeSender) Publish(ctx context.Context, channel string, post courier.Post) (int64, error) {
	if f.posts == nil {
		f.posts = map[string]courier.Post{}
	}
	f.posts[channel] = post
	f.next++
	return f.next, nil
}

type fakeCourier struct{ sent int }

func (f *fakeCourier) Send(ctx context.Context, moderatorID string, msg courier.Message) error {
	f.sent++
	return nil
}

type fakeSearch struct{}

func (fakeSearch) Search(ctx context.Context, query string, count int) ([]domain.CandidateImage, error) {
	return []domain.CandidateImage{{URL: "https://img/1.jpg"}, {URL: "https://img/2.jpg"}}, nil
}

type fakeStylize struct{}

func (fakeStylize) Stylize(ctx context.Context, imageURL, title string) (string, error) {
	return "https://cdn/final.png", nil
}

type testServer struct {
	URL    string
	Repo   repo.Repo
	Sender *fakeSender
	client *http.Client
	apiKey string
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Default()
	cfg.Channels = []config.Channel{{ID: "@alpha"}, {ID: "@beta", HTML: true}}
	cfg.Moderators = []string{"mod-api", "mod-jwt"}

	r := repo.Repo{DB: conn}
	ev := events.Writer{DB: conn}
	sender := &fakeSender{}
	now := func() time.Time { return time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC) }
	handler := &moderation.Handler{
		DB:       conn,
		Repo:     r,
		Events:   ev,
		Sessions: session.NewStore(),
		Search:   fakeSearch{},
		Stylize:  fakeStylize{},
		Publisher: &publish.Orchestrator{
			DB: conn, Repo: r, Events: ev, Sender: sender,
			HTMLChannels: map[string]bool{"@beta": true}, Now: now,
		},
		Config: cfg,
		Now:    now,
	}
	sched := &scheduler.Scheduler{
		Repo: r, Events: ev, Courier: &fakeCourier{},
		Moderators: cfg.Moderators, Now: now,
	}

	raw := "prk_live_test_key"
	if err := r.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID: "key-1", ModeratorID: "mod-api", Name: "test", KeyHash: repo.HashAPIKey(raw),
		CreatedAt: "2026-01-10T00:00:00Z",
	}); err != nil {
		t.Fatalf("seed api key: %v", err)
	}

	httpHandler, err := New(Config{
		Repo:      r,
		Handler:   handler,
		Scheduler: sched,
		AppConfig: cfg,
		BasePath:  "/v0",
		Auth:      AuthConfig{JWTSecret: testJWTSecret, Moderators: cfg.Moderators},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: httpHandler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Repo:   r,
		Sender: sender,
		client: &http.Client{},
		apiKey: raw,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func (s *testServer) seedDraft(t *testing.T) int64 {
	t.Helper()
	ctx := context.Background()
	sourceID, err := s.Repo.InsertSourcePost(ctx, domain.SourcePost{
		ChannelID: "@source", MessageID: time.Now().UnixNano(), Text: "raw", CapturedAt: "2026-01-10T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("seed source: %v", err)
	}
	id, err := s.Repo.InsertDraft(ctx, nil, domain.Draft{
		SourcePostID: sourceID,
		Body:         domain.DraftBody{Format: domain.BodyFormatPlain, Title: "Headline", Body: "Body.", Tags: []string{"tennis"}},
	})
	if err != nil {
		t.Fatalf("seed draft: %v", err)
	}
	return id
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

func (s *testServer) auth() map[string]string {
	return map[string]string{"X-Api-Key": s.apiKey}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/drafts", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credentials: status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/drafts", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad key: status %d", res.StatusCode)
	}
	// Health stays open.
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d", res.StatusCode)
	}
}

func TestJWTAuth(t *testing.T) {
	srv := newTestServer(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "mod-jwt"})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatal(err)
	}
	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/drafts", nil, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("valid token: status %d", res.StatusCode)
	}

	// A subject outside the moderator list is authenticated but forbidden.
	token = jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "stranger"})
	signed, _ = token.SignedString([]byte(testJWTSecret))
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/drafts", nil, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger: status %d", res.StatusCode)
	}
}

func TestSourceIngestAndDuplicate(t *testing.T) {
	srv := newTestServer(t)
	payload := map[string]any{"channel_id": "@source", "message_id": 5, "text": "hello"}

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/sources", payload, srv.auth())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create source: status %d: %s", res.StatusCode, data)
	}
	var created SourceResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.ID == 0 || created.Duplicate {
		t.Fatalf("unexpected response: %+v", created)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/sources", payload, srv.auth())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("duplicate capture: status %d: %s", res.StatusCode, data)
	}
	var dup SourceResponse
	_ = json.Unmarshal(data, &dup)
	if !dup.Duplicate {
		t.Fatalf("expected duplicate flag: %+v", dup)
	}

	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/sources", map[string]any{"channel_id": "@s"}, srv.auth())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing text: status %d", res.StatusCode)
	}
}

func TestReviewFlowOverAPI(t *testing.T) {
	srv := newTestServer(t)
	id := srv.seedDraft(t)
	base := srv.URL + "/v0/drafts/" + itoa(id)

	res, data := doJSON(t, srv.client, http.MethodPost, base+"/approve", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, base+"/channels/toggle", map[string]any{"channel": "@alpha"}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("toggle: status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, base+"/channels/confirm", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm: status %d: %s", res.StatusCode, data)
	}
	var ack AckResponse
	_ = json.Unmarshal(data, &ack)
	if !ack.Done || !strings.Contains(ack.Text, "published") {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, base, nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get draft: status %d", res.StatusCode)
	}
	var draft DraftResponse
	if err := json.Unmarshal(data, &draft); err != nil {
		t.Fatalf("unmarshal draft: %v", err)
	}
	if draft.Status != domain.DraftStatusPublished || len(draft.PublishTargets) != 1 {
		t.Fatalf("unexpected draft: %+v", draft)
	}
	if _, ok := srv.Sender.posts["@alpha"]; !ok {
		t.Fatalf("nothing published to @alpha")
	}

	// The race loser gets a 200 ack, not an error.
	res, data = doJSON(t, srv.client, http.MethodPost, base+"/reject", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject after publish: status %d", res.StatusCode)
	}
	_ = json.Unmarshal(data, &ack)
	if !strings.Contains(ack.Text, "Already handled") {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestEditOverAPI(t *testing.T) {
	srv := newTestServer(t)
	id := srv.seedDraft(t)
	base := srv.URL + "/v0/drafts/" + itoa(id)

	res, data := doJSON(t, srv.client, http.MethodPost, base+"/edit", map[string]any{"text": "New title\nNew body. #wta"}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("edit: status %d: %s", res.StatusCode, data)
	}
	draft, err := srv.Repo.GetDraft(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if draft.Body.Title != "New title" || len(draft.Body.Tags) != 1 {
		t.Fatalf("edit not applied: %+v", draft.Body)
	}
}

func TestImagesOverAPI(t *testing.T) {
	srv := newTestServer(t)
	id := srv.seedDraft(t)
	base := srv.URL + "/v0/drafts/" + itoa(id)

	res, data := doJSON(t, srv.client, http.MethodPost, base+"/images", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("images: status %d: %s", res.StatusCode, data)
	}
	var images ImagesResponse
	if err := json.Unmarshal(data, &images); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(images.Images) != 2 {
		t.Fatalf("expected 2 candidates: %+v", images)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, base+"/images/0/pick", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pick: status %d: %s", res.StatusCode, data)
	}
	draft, _ := srv.Repo.GetDraft(context.Background(), id)
	if draft.FinalImageURL == nil || *draft.FinalImageURL != "https://cdn/final.png" {
		t.Fatalf("final image not set: %v", draft.FinalImageURL)
	}
}

func TestTickAndEventsOverAPI(t *testing.T) {
	srv := newTestServer(t)
	srv.seedDraft(t)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/tick", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tick: status %d: %s", res.StatusCode, data)
	}
	var tick TickResponse
	_ = json.Unmarshal(data, &tick)
	if tick.Delivered != 1 {
		t.Fatalf("delivered = %d, want 1", tick.Delivered)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/events?type=draft.delivered", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: status %d", res.StatusCode)
	}
	var evts []EventResponse
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected a delivery event per moderator, got %d", len(evts))
	}
}

func TestMissingDraftIs404(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/drafts/9999", nil, srv.auth())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", res.StatusCode)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
