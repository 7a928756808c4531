package publish_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"pressroom/internal/courier"
	"pressroom/internal/db"
	"pressroom/internal/domain"
	"pressroom/internal/events"
	"pressroom/internal/migrate"
	"pressroom/internal/publish"
	"pressroom/internal/repo"
)

type fakeSender struct {
	fail  map[string]error
	sent  []string
	posts map[string]courier.Post
	next  int64
}

func (f *fakeSender) Publish(ctx context.Context, channel string, post courier.Post) (int64, error) {
	if err := f.fail[channel]; err != nil {
		return 0, err
	}
	f.sent = append(f.sent, channel)
	if f.posts == nil {
		f.posts = map[string]courier.Post{}
	}
	f.posts[channel] = post
	f.next++
	return f.next, nil
}

type env struct {
	Orchestrator *publish.Orchestrator
	Repo         repo.Repo
	Sender       *fakeSender
	Ctx          context.Context
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	sender := &fakeSender{fail: map[string]error{}}
	o := &publish.Orchestrator{
		DB:           conn,
		Repo:         r,
		Events:       events.Writer{DB: conn},
		Sender:       sender,
		HTMLChannels: map[string]bool{"@html": true},
		Now:          func() time.Time { return time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC) },
	}
	return &env{Orchestrator: o, Repo: r, Sender: sender, Ctx: context.Background()}
}

func (e *env) seedDraft(t *testing.T, mutate func(*domain.Draft)) domain.Draft {
	t.Helper()
	sourceID, err := e.Repo.InsertSourcePost(e.Ctx, domain.SourcePost{
		ChannelID:  "@source",
		MessageID:  time.Now().UnixNano(),
		Text:       "raw",
		CapturedAt: "2026-01-10T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("seed source: %v", err)
	}
	draft := domain.Draft{
		SourcePostID: sourceID,
		Body:         domain.DraftBody{Format: domain.BodyFormatPlain, Title: "Headline", Body: "Body.", Tags: []string{"tennis"}},
	}
	if mutate != nil {
		mutate(&draft)
	}
	id, err := e.Repo.InsertDraft(e.Ctx, nil, draft)
	if err != nil {
		t.Fatalf("seed draft: %v", err)
	}
	d, err := e.Repo.GetDraft(e.Ctx, id)
	if err != nil {
		t.Fatalf("reload draft: %v", err)
	}
	return d
}

func TestPartialFailureStillCommits(t *testing.T) {
	e := newTestEnv(t)
	d := e.seedDraft(t, nil)
	e.Sender.fail["@b"] = fmt.Errorf("boom")

	res, err := e.Orchestrator.Publish(e.Ctx, d, []string{"@a", "@b", "@c"}, "", "mod-1")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(res.Succeeded) != 2 || res.Succeeded[0] != "@a" || res.Succeeded[1] != "@c" {
		t.Fatalf("unexpected successes: %v", res.Succeeded)
	}
	if res.Errors["@b"] != "boom" {
		t.Fatalf("missing channel error: %v", res.Errors)
	}

	got, _ := e.Repo.GetDraft(e.Ctx, d.ID)
	if got.Status != domain.DraftStatusPublished {
		t.Fatalf("one success must commit published, got %s", got.Status)
	}
	if len(got.PublishTargets) != 2 {
		t.Fatalf("expected 2 targets, got %+v", got.PublishTargets)
	}
}

func TestAllChannelsFailed(t *testing.T) {
	e := newTestEnv(t)
	d := e.seedDraft(t, nil)
	e.Sender.fail["@a"] = fmt.Errorf("first")
	e.Sender.fail["@b"] = fmt.Errorf("second")

	_, err := e.Orchestrator.Publish(e.Ctx, d, []string{"@a", "@b"}, "", "mod-1")
	if !errors.Is(err, publish.ErrAllChannelsFailed) {
		t.Fatalf("expected ErrAllChannelsFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "@a: first") || !strings.Contains(err.Error(), "@b: second") {
		t.Fatalf("error must aggregate per-channel failures: %v", err)
	}

	got, _ := e.Repo.GetDraft(e.Ctx, d.ID)
	if got.Status != domain.DraftStatusPending {
		t.Fatalf("all-fail must leave the draft pending, got %s", got.Status)
	}
	if len(got.PublishTargets) != 0 {
		t.Fatalf("no targets expected: %+v", got.PublishTargets)
	}
}

func TestTerminalDraftIsAlreadyResolved(t *testing.T) {
	e := newTestEnv(t)
	d := e.seedDraft(t, nil)
	if err := e.Repo.MarkDraftRejected(e.Ctx, nil, d.ID, ""); err != nil {
		t.Fatal(err)
	}
	d.Status = domain.DraftStatusRejected
	_, err := e.Orchestrator.Publish(e.Ctx, d, []string{"@a"}, "", "mod-1")
	if !errors.Is(err, repo.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestNoChannelsIsAnError(t *testing.T) {
	e := newTestEnv(t)
	d := e.seedDraft(t, nil)
	if _, err := e.Orchestrator.Publish(e.Ctx, d, nil, "", "mod-1"); err == nil {
		t.Fatalf("expected error for empty channel list")
	}
}

func TestImagePrecedence(t *testing.T) {
	e := newTestEnv(t)
	final := "https://cdn/final.png"

	// Override beats the stylized final image.
	d := e.seedDraft(t, func(d *domain.Draft) { d.FinalImageURL = &final })
	if _, err := e.Orchestrator.Publish(e.Ctx, d, []string{"@a"}, "https://cdn/override.jpg", "mod-1"); err != nil {
		t.Fatal(err)
	}
	if got := e.Sender.posts["@a"].PhotoURL; got != "https://cdn/override.jpg" {
		t.Fatalf("override must win, got %q", got)
	}

	// Final image beats the source photo.
	d = e.seedDraft(t, func(d *domain.Draft) { d.FinalImageURL = &final })
	if _, err := e.Orchestrator.Publish(e.Ctx, d, []string{"@b"}, "", "mod-1"); err != nil {
		t.Fatal(err)
	}
	if got := e.Sender.posts["@b"].PhotoURL; got != final {
		t.Fatalf("final image must win, got %q", got)
	}

	// No image at all publishes text only.
	d = e.seedDraft(t, nil)
	if _, err := e.Orchestrator.Publish(e.Ctx, d, []string{"@c"}, "", "mod-1"); err != nil {
		t.Fatal(err)
	}
	if got := e.Sender.posts["@c"].PhotoURL; got != "" {
		t.Fatalf("expected no photo, got %q", got)
	}
}

func TestSourcePhotoFallsThrough(t *testing.T) {
	e := newTestEnv(t)
	photo := "https://cdn/source.jpg"
	sourceID, err := e.Repo.InsertSourcePost(e.Ctx, domain.SourcePost{
		ChannelID: "@source", MessageID: 42, Text: "raw", PhotoRef: &photo, CapturedAt: "2026-01-10T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	id, err := e.Repo.InsertDraft(e.Ctx, nil, domain.Draft{
		SourcePostID: sourceID,
		Body:         domain.DraftBody{Format: domain.BodyFormatPlain, Title: "T"},
	})
	if err != nil {
		t.Fatal(err)
	}
	d, _ := e.Repo.GetDraft(e.Ctx, id)
	if _, err := e.Orchestrator.Publish(e.Ctx, d, []string{"@a"}, "", "mod-1"); err != nil {
		t.Fatal(err)
	}
	if got := e.Sender.posts["@a"].PhotoURL; got != photo {
		t.Fatalf("source photo must be used, got %q", got)
	}
}

func TestComposePlainAndRich(t *testing.T) {
	e := newTestEnv(t)

	d := e.seedDraft(t, nil)
	if _, err := e.Orchestrator.Publish(e.Ctx, d, []string{"@plain", "@html"}, "", "mod-1"); err != nil {
		t.Fatal(err)
	}
	plain := e.Sender.posts["@plain"]
	if plain.HTML {
		t.Fatalf("plain channel must not get HTML")
	}
	if !strings.Contains(plain.Text, "Headline") || !strings.Contains(plain.Text, "#tennis") {
		t.Fatalf("plain text missing parts: %q", plain.Text)
	}
	html := e.Sender.posts["@html"]
	if !html.HTML || !strings.Contains(html.Text, "<strong>Headline</strong>") {
		t.Fatalf("html channel must get rendered markup: %q", html.Text)
	}

	rich := e.seedDraft(t, func(d *domain.Draft) {
		d.Body = domain.DraftBody{Format: domain.BodyFormatRich, Markup: "<b>Ready</b> markup"}
	})
	if _, err := e.Orchestrator.Publish(e.Ctx, rich, []string{"@plain2"}, "", "mod-1"); err != nil {
		t.Fatal(err)
	}
	post := e.Sender.posts["@plain2"]
	if !post.HTML || post.Text != "<b>Ready</b> markup" {
		t.Fatalf("rich drafts carry their markup verbatim: %+v", post)
	}
}
