// Package scheduler delivers pending drafts to moderators for review.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"pressroom/internal/courier"
	"pressroom/internal/domain"
	"pressroom/internal/events"
	"pressroom/internal/repo"
)

type Scheduler struct {
	Repo       repo.Repo
	Events     events.Writer
	Courier    courier.Courier
	Moderators []string
	// PerTick caps how many drafts one tick pushes out. The default of 1
	// keeps review traffic to a trickle; raise it to drain a backlog.
	PerTick int
	// MaxAge skips drafts older than this so a restart does not flood
	// moderators with ancient backlog. Zero disables the guard.
	MaxAge time.Duration
	Now    func() time.Time
	Logger *log.Logger

	mu        sync.Mutex
	delivered map[int64]map[string]bool
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

func (s *Scheduler) perTick() int {
	if s.PerTick < 1 {
		return 1
	}
	return s.PerTick
}

// Tick performs one delivery pass and returns how many drafts were pushed
// out. Delivery is at-most-once per moderator per draft for the lifetime of
// the process; a failed send is retried on a later tick.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	pending, err := s.Repo.PendingDrafts(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list pending drafts: %w", err)
	}
	now := s.now()
	sent := 0
	for _, draft := range pending {
		if sent >= s.perTick() {
			break
		}
		if s.stale(draft, now) {
			continue
		}
		remaining := s.undelivered(draft.ID)
		if len(remaining) == 0 {
			continue
		}
		for _, moderator := range remaining {
			if err := s.Courier.Send(ctx, moderator, preview(draft)); err != nil {
				s.logf("deliver draft %d to %s: %v", draft.ID, moderator, err)
				continue
			}
			s.markDelivered(draft.ID, moderator)
			if err := s.Events.Append(ctx, nil, "draft.delivered", "draft", fmt.Sprint(draft.ID), moderator, nil); err != nil {
				s.logf("record delivery of draft %d: %v", draft.ID, err)
			}
		}
		sent++
	}
	return sent, nil
}

// Run ticks on an interval until the context is canceled. Tick errors are
// logged, never fatal.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logf("tick: %v", err)
			}
		}
	}
}

func (s *Scheduler) stale(draft domain.Draft, now time.Time) bool {
	if s.MaxAge <= 0 {
		return false
	}
	created, err := time.Parse(time.RFC3339, draft.CreatedAt)
	if err != nil {
		return false
	}
	return now.Sub(created) > s.MaxAge
}

func (s *Scheduler) undelivered(draftID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := s.delivered[draftID]
	var out []string
	for _, m := range s.Moderators {
		if !seen[m] {
			out = append(out, m)
		}
	}
	return out
}

func (s *Scheduler) markDelivered(draftID int64, moderator string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delivered == nil {
		s.delivered = map[int64]map[string]bool{}
	}
	if s.delivered[draftID] == nil {
		s.delivered[draftID] = map[string]bool{}
	}
	s.delivered[draftID][moderator] = true
}

// preview renders the review message with the fixed action menu.
func preview(draft domain.Draft) courier.Message {
	var b strings.Builder
	switch draft.Body.Format {
	case domain.BodyFormatRich:
		b.WriteString(draft.Body.Markup)
	default:
		b.WriteString(draft.Body.Title)
		if draft.Body.Body != "" {
			b.WriteString("\n\n")
			b.WriteString(draft.Body.Body)
		}
		if len(draft.Body.Tags) > 0 {
			b.WriteString("\n\n")
			for i, t := range draft.Body.Tags {
				if i > 0 {
					b.WriteString(" ")
				}
				if !strings.HasPrefix(t, "#") {
					b.WriteString("#")
				}
				b.WriteString(t)
			}
		}
	}
	msg := courier.Message{
		Text:    b.String(),
		HTML:    draft.Body.Format == domain.BodyFormatRich,
		Buttons: actionMenu(draft.ID),
	}
	if draft.FinalImageURL != nil && *draft.FinalImageURL != "" {
		msg.PhotoURL = *draft.FinalImageURL
	}
	return msg
}

func actionMenu(draftID int64) [][]courier.Button {
	id := fmt.Sprint(draftID)
	return [][]courier.Button{
		{
			{Text: "Approve", Data: "approve:" + id},
			{Text: "Edit", Data: "edit:" + id},
			{Text: "Reject", Data: "reject:" + id},
		},
		{
			{Text: "Pick image", Data: "images:" + id},
		},
	}
}
