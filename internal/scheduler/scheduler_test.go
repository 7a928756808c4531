package scheduler_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"pressroom/internal/courier"
	"pressroom/internal/db"
	"pressroom/internal/domain"
	"pressroom/internal/events"
	"pressroom/internal/migrate"
	"pressroom/internal/repo"
	"pressroom/internal/scheduler"
)

type fakeCourier struct {
	fail     map[string]error
	messages map[string][]courier.Message
}

func (f *fakeCourier) Send(ctx context.Context, moderatorID string, msg courier.Message) error {
	if err := f.fail[moderatorID]; err != nil {
		return err
	}
	if f.messages == nil {
		f.messages = map[string][]courier.Message{}
	}
	f.messages[moderatorID] = append(f.messages[moderatorID], msg)
	return nil
}

func (f *fakeCourier) count(moderator string) int { return len(f.messages[moderator]) }

type env struct {
	Scheduler *scheduler.Scheduler
	Courier   *fakeCourier
	Repo      repo.Repo
	Ctx       context.Context
}

func newTestEnv(t *testing.T, moderators []string) *env {
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
	c := &fakeCourier{fail: map[string]error{}}
	s := &scheduler.Scheduler{
		Repo:       r,
		Events:     events.Writer{DB: conn},
		Courier:    c,
		Moderators: moderators,
		Now:        func() time.Time { return time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC) },
	}
	return &env{Scheduler: s, Courier: c, Repo: r, Ctx: context.Background()}
}

func (e *env) seedDraft(t *testing.T, createdAt string) int64 {
	t.Helper()
	sourceID, err := e.Repo.InsertSourcePost(e.Ctx, domain.SourcePost{
		ChannelID:  "@source",
		MessageID:  time.Now().UnixNano(),
		Text:       "raw",
		CapturedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("seed source: %v", err)
	}
	id, err := e.Repo.InsertDraft(e.Ctx, nil, domain.Draft{
		SourcePostID: sourceID,
		Body:         domain.DraftBody{Format: domain.BodyFormatPlain, Title: fmt.Sprintf("Draft %d", sourceID), Body: "Body.", Tags: []string{"tennis"}},
		CreatedAt:    createdAt,
	})
	if err != nil {
		t.Fatalf("seed draft: %v", err)
	}
	return id
}

func TestPerTickCapDefaultsToOne(t *testing.T) {
	e := newTestEnv(t, []string{"mod-1"})
	e.seedDraft(t, "2026-01-10T10:00:00Z")
	e.seedDraft(t, "2026-01-10T10:01:00Z")
	e.seedDraft(t, "2026-01-10T10:02:00Z")

	for want := 1; want <= 3; want++ {
		n, err := e.Scheduler.Tick(e.Ctx)
		if err != nil {
			t.Fatalf("tick %d: %v", want, err)
		}
		if n != 1 {
			t.Fatalf("tick %d delivered %d drafts, want 1", want, n)
		}
		if got := e.Courier.count("mod-1"); got != want {
			t.Fatalf("after tick %d: %d messages, want %d", want, got, want)
		}
	}
	// Everything delivered; further ticks are quiet.
	if n, _ := e.Scheduler.Tick(e.Ctx); n != 0 {
		t.Fatalf("expected idle tick, delivered %d", n)
	}
}

func TestPerTickCapConfigurable(t *testing.T) {
	e := newTestEnv(t, []string{"mod-1"})
	e.Scheduler.PerTick = 3
	for i := 0; i < 3; i++ {
		e.seedDraft(t, "2026-01-10T10:00:00Z")
	}
	n, err := e.Scheduler.Tick(e.Ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 3 || e.Courier.count("mod-1") != 3 {
		t.Fatalf("delivered %d (messages %d), want 3", n, e.Courier.count("mod-1"))
	}
}

func TestDeliveryIsPerModeratorAtMostOnce(t *testing.T) {
	e := newTestEnv(t, []string{"mod-1", "mod-2"})
	e.seedDraft(t, "2026-01-10T10:00:00Z")

	if _, err := e.Scheduler.Tick(e.Ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if e.Courier.count("mod-1") != 1 || e.Courier.count("mod-2") != 1 {
		t.Fatalf("both moderators must get one preview: %v", e.Courier.messages)
	}
	if _, err := e.Scheduler.Tick(e.Ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if e.Courier.count("mod-1") != 1 || e.Courier.count("mod-2") != 1 {
		t.Fatalf("delivered draft must not be resent: %v", e.Courier.messages)
	}
}

func TestFailedSendIsRetried(t *testing.T) {
	e := newTestEnv(t, []string{"mod-1", "mod-2"})
	e.seedDraft(t, "2026-01-10T10:00:00Z")
	e.Courier.fail["mod-2"] = fmt.Errorf("blocked")

	if _, err := e.Scheduler.Tick(e.Ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if e.Courier.count("mod-1") != 1 || e.Courier.count("mod-2") != 0 {
		t.Fatalf("unexpected deliveries: %v", e.Courier.messages)
	}

	delete(e.Courier.fail, "mod-2")
	if _, err := e.Scheduler.Tick(e.Ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if e.Courier.count("mod-1") != 1 {
		t.Fatalf("mod-1 must not get a duplicate")
	}
	if e.Courier.count("mod-2") != 1 {
		t.Fatalf("failed delivery must be retried on the next tick")
	}
}

func TestStaleDraftsAreSkipped(t *testing.T) {
	e := newTestEnv(t, []string{"mod-1"})
	e.Scheduler.MaxAge = 168 * time.Hour
	e.seedDraft(t, "2025-12-01T00:00:00Z") // far beyond MaxAge
	fresh := e.seedDraft(t, "2026-01-10T10:00:00Z")

	n, err := e.Scheduler.Tick(e.Ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 1 || e.Courier.count("mod-1") != 1 {
		t.Fatalf("only the fresh draft may go out: n=%d messages=%d", n, e.Courier.count("mod-1"))
	}
	msg := e.Courier.messages["mod-1"][0]
	want := fmt.Sprintf("Draft %d", fresh)
	if len(msg.Text) == 0 || msg.Text[:len(want)] != want {
		t.Fatalf("wrong draft delivered: %q", msg.Text)
	}
}

func TestPreviewCarriesActionMenu(t *testing.T) {
	e := newTestEnv(t, []string{"mod-1"})
	e.seedDraft(t, "2026-01-10T10:00:00Z")
	if _, err := e.Scheduler.Tick(e.Ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	msg := e.Courier.messages["mod-1"][0]
	if len(msg.Buttons) != 2 || len(msg.Buttons[0]) != 3 {
		t.Fatalf("unexpected action menu: %+v", msg.Buttons)
	}
	if msg.Buttons[0][0].Text != "Approve" {
		t.Fatalf("first action must be Approve, got %q", msg.Buttons[0][0].Text)
	}
}
