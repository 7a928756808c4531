// Package moderation handles moderator actions against drafts. Every action
// produces exactly one acknowledgement; a draft that has already been
// resolved by another moderator yields an informational ack, not an error.
package moderation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"pressroom/internal/config"
	"pressroom/internal/domain"
	"pressroom/internal/events"
	"pressroom/internal/imagery"
	"pressroom/internal/publish"
	"pressroom/internal/repo"
	"pressroom/internal/session"
)

// ErrNoTitle means an edit submission had no usable title line. The session
// stays in editing so the moderator can resend.
var ErrNoTitle = errors.New("edit needs a title line")

const ackAlreadyHandled = "Already handled by someone else."

// Ack is the single acknowledgement returned for each moderator action.
type Ack struct {
	Text string `json:"text"`
	// Done reports whether the draft reached a terminal status during
	// this action.
	Done bool `json:"done"`
}

type Handler struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Sessions  *session.Store
	Search    imagery.Searcher
	Stylize   imagery.Stylizer
	Publisher *publish.Orchestrator
	Config    *config.Config
	Now       func() time.Time
	Logger    *log.Logger
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) logf(format string, args ...any) {
	if h.Logger != nil {
		h.Logger.Printf(format, args...)
	}
}

func (h *Handler) pendingDraft(ctx context.Context, draftID int64) (domain.Draft, *Ack, error) {
	draft, err := h.Repo.GetDraft(ctx, draftID)
	if err != nil {
		return draft, nil, err
	}
	if draft.Terminal() {
		return draft, &Ack{Text: ackAlreadyHandled, Done: true}, nil
	}
	return draft, nil, nil
}

// Approve starts channel selection for a pending draft. The publish happens
// once the moderator confirms a non-empty channel set.
func (h *Handler) Approve(ctx context.Context, moderatorID string, draftID int64) (Ack, error) {
	_, stop, err := h.pendingDraft(ctx, draftID)
	if err != nil {
		return Ack{}, err
	}
	if stop != nil {
		return *stop, nil
	}
	h.Sessions.BeginSelectingChannels(moderatorID, draftID, true)
	return Ack{Text: "Select channels, then confirm: " + strings.Join(h.channelIDs(), ", ")}, nil
}

// Reject moves a pending draft to rejected.
func (h *Handler) Reject(ctx context.Context, moderatorID string, draftID int64) (Ack, error) {
	tx, err := h.DB.BeginTx(ctx, nil)
	if err != nil {
		return Ack{}, err
	}
	defer tx.Rollback()
	ts := h.now().UTC().Format(time.RFC3339)
	err = h.Repo.MarkDraftRejected(ctx, tx, draftID, ts)
	if errors.Is(err, repo.ErrAlreadyResolved) {
		return Ack{Text: ackAlreadyHandled, Done: true}, nil
	}
	if err != nil {
		return Ack{}, err
	}
	if err := h.Events.Append(ctx, tx, "draft.rejected", "draft", fmt.Sprint(draftID), moderatorID, nil); err != nil {
		return Ack{}, err
	}
	if err := tx.Commit(); err != nil {
		return Ack{}, err
	}
	h.Sessions.Clear(moderatorID)
	return Ack{Text: fmt.Sprintf("Draft %d rejected.", draftID), Done: true}, nil
}

// BeginEdit puts the moderator into edit mode for the draft.
func (h *Handler) BeginEdit(ctx context.Context, moderatorID string, draftID int64) (Ack, error) {
	_, stop, err := h.pendingDraft(ctx, draftID)
	if err != nil {
		return Ack{}, err
	}
	if stop != nil {
		return *stop, nil
	}
	h.Sessions.BeginEditing(moderatorID, draftID)
	return Ack{Text: "Send the new text: first line is the title, #tags anywhere."}, nil
}

// SubmitEdit parses the moderator's replacement text and rewrites the draft
// body. The parse failure keeps the session in editing so the text can be
// resent.
func (h *Handler) SubmitEdit(ctx context.Context, moderatorID, text string) (Ack, error) {
	sess := h.Sessions.Get(moderatorID)
	if sess.Mode != session.ModeEditing {
		return Ack{Text: "Nothing is being edited."}, nil
	}
	body, err := ParseEdit(text)
	if errors.Is(err, ErrNoTitle) {
		return Ack{Text: "The first line must be a title. Try again."}, nil
	}
	if err != nil {
		return Ack{}, err
	}
	tx, err := h.DB.BeginTx(ctx, nil)
	if err != nil {
		return Ack{}, err
	}
	defer tx.Rollback()
	ts := h.now().UTC().Format(time.RFC3339)
	err = h.Repo.UpdateDraftContent(ctx, tx, sess.DraftID, body, ts)
	if errors.Is(err, repo.ErrAlreadyResolved) {
		h.Sessions.Clear(moderatorID)
		return Ack{Text: ackAlreadyHandled, Done: true}, nil
	}
	if err != nil {
		return Ack{}, err
	}
	if err := h.Events.Append(ctx, tx, "draft.edited", "draft", fmt.Sprint(sess.DraftID), moderatorID, events.EventPayload{
		"title": body.Title,
		"tags":  body.Tags,
	}); err != nil {
		return Ack{}, err
	}
	if err := tx.Commit(); err != nil {
		return Ack{}, err
	}
	h.Sessions.Clear(moderatorID)
	return Ack{Text: fmt.Sprintf("Draft %d updated.", sess.DraftID)}, nil
}

// ShowImages fetches a fresh candidate set for the draft and caches it so a
// later pick-by-index resolves against what the moderator saw.
func (h *Handler) ShowImages(ctx context.Context, moderatorID string, draftID int64) (Ack, []domain.CandidateImage, error) {
	draft, stop, err := h.pendingDraft(ctx, draftID)
	if err != nil {
		return Ack{}, nil, err
	}
	if stop != nil {
		return *stop, nil, nil
	}
	query, err := h.resolveImageQuery(ctx, draft)
	if err != nil {
		return Ack{}, nil, err
	}
	images, err := h.fetchCandidates(ctx, draft.ID, query)
	if err != nil {
		return Ack{Text: "Image search failed, try again later."}, nil, nil
	}
	if len(images) == 0 {
		return Ack{Text: fmt.Sprintf("No images found for %q.", query)}, nil, nil
	}
	return Ack{Text: fmt.Sprintf("Found %d images for %q. Pick one by number.", len(images), query)}, images, nil
}

// PickImage stylizes the chosen candidate and stores the result. When the
// moderator's session carries publish intent with confirmed channels the
// draft is published right away.
func (h *Handler) PickImage(ctx context.Context, moderatorID string, draftID int64, index int) (Ack, error) {
	draft, stop, err := h.pendingDraft(ctx, draftID)
	if err != nil {
		return Ack{}, err
	}
	if stop != nil {
		return *stop, nil
	}
	images := draft.CandidateImages
	if len(images) == 0 {
		query, err := h.resolveImageQuery(ctx, draft)
		if err != nil {
			return Ack{}, err
		}
		images, err = h.fetchCandidates(ctx, draft.ID, query)
		if err != nil {
			return Ack{Text: "Image search failed, try again later."}, nil
		}
	}
	if index < 0 || index >= len(images) {
		return Ack{Text: fmt.Sprintf("No image %d; there are %d candidates.", index, len(images))}, nil
	}
	finalURL, err := h.Stylize.Stylize(ctx, images[index].URL, draft.Body.Title)
	if err != nil {
		h.logf("stylize draft %d: %v", draft.ID, err)
		return Ack{Text: "Image styling failed, try another image."}, nil
	}
	ts := h.now().UTC().Format(time.RFC3339)
	err = h.Repo.UpdateDraftFinalImage(ctx, draft.ID, finalURL, ts)
	if errors.Is(err, repo.ErrAlreadyResolved) {
		return Ack{Text: ackAlreadyHandled, Done: true}, nil
	}
	if err != nil {
		return Ack{}, err
	}
	if err := h.Events.Append(ctx, nil, "draft.image_set", "draft", fmt.Sprint(draft.ID), moderatorID, events.EventPayload{
		"url": finalURL,
	}); err != nil {
		h.logf("record image for draft %d: %v", draft.ID, err)
	}

	sess := h.Sessions.Get(moderatorID)
	if sess.PublishIntent && sess.DraftID == draft.ID && len(sess.SelectedChannels()) > 0 {
		draft.FinalImageURL = &finalURL
		return h.publishDraft(ctx, moderatorID, draft, sess.SelectedChannels(), "")
	}
	return Ack{Text: "Image set."}, nil
}

// ToggleChannel flips one channel in the moderator's working selection.
func (h *Handler) ToggleChannel(ctx context.Context, moderatorID, channel string) (Ack, error) {
	if !h.knownChannel(channel) {
		return Ack{Text: fmt.Sprintf("Unknown channel %s.", channel)}, nil
	}
	sess, ok := h.Sessions.ToggleChannel(moderatorID, channel)
	if !ok {
		return Ack{Text: "No channel selection in progress."}, nil
	}
	selected := sess.SelectedChannels()
	if len(selected) == 0 {
		return Ack{Text: "No channels selected."}, nil
	}
	return Ack{Text: "Selected: " + strings.Join(selected, ", ")}, nil
}

// ConfirmChannels publishes the session's draft to the selected channels.
func (h *Handler) ConfirmChannels(ctx context.Context, moderatorID string) (Ack, error) {
	sess := h.Sessions.Get(moderatorID)
	if sess.Mode != session.ModeSelectingChannels {
		return Ack{Text: "No channel selection in progress."}, nil
	}
	channels := sess.SelectedChannels()
	if len(channels) == 0 {
		return Ack{Text: "Select at least one channel first."}, nil
	}
	draft, stop, err := h.pendingDraft(ctx, sess.DraftID)
	if err != nil {
		return Ack{}, err
	}
	if stop != nil {
		h.Sessions.Clear(moderatorID)
		return *stop, nil
	}
	return h.publishDraft(ctx, moderatorID, draft, channels, "")
}

// AttachPhoto consumes an uploaded photo for a session waiting on one and
// publishes with it as an explicit override.
func (h *Handler) AttachPhoto(ctx context.Context, moderatorID, photoURL string) (Ack, error) {
	sess := h.Sessions.Get(moderatorID)
	if sess.Mode != session.ModeAwaitingPhoto {
		return Ack{Text: "No photo is expected right now."}, nil
	}
	channels := sess.SelectedChannels()
	if len(channels) == 0 {
		channels = h.channelIDs()
	}
	draft, stop, err := h.pendingDraft(ctx, sess.DraftID)
	if err != nil {
		return Ack{}, err
	}
	if stop != nil {
		h.Sessions.Clear(moderatorID)
		return *stop, nil
	}
	return h.publishDraft(ctx, moderatorID, draft, channels, photoURL)
}

// RequestPhoto switches the session to waiting for a custom photo upload,
// keeping the channel selection made so far.
func (h *Handler) RequestPhoto(ctx context.Context, moderatorID string, draftID int64) (Ack, error) {
	_, stop, err := h.pendingDraft(ctx, draftID)
	if err != nil {
		return Ack{}, err
	}
	if stop != nil {
		return *stop, nil
	}
	sess := h.Sessions.Get(moderatorID)
	h.Sessions.BeginAwaitingPhoto(moderatorID, draftID, sess.Channels)
	return Ack{Text: "Send the photo to publish with."}, nil
}

func (h *Handler) publishDraft(ctx context.Context, moderatorID string, draft domain.Draft, channels []string, photoOverride string) (Ack, error) {
	res, err := h.Publisher.Publish(ctx, draft, channels, photoOverride, moderatorID)
	if errors.Is(err, repo.ErrAlreadyResolved) {
		h.Sessions.Clear(moderatorID)
		return Ack{Text: ackAlreadyHandled, Done: true}, nil
	}
	if errors.Is(err, publish.ErrAllChannelsFailed) {
		// Draft is still pending; keep the session so confirm can be retried.
		return Ack{Text: "Publish failed on every channel: " + summarizeErrors(res.Errors)}, nil
	}
	if err != nil {
		return Ack{}, err
	}
	h.Sessions.Clear(moderatorID)
	text := fmt.Sprintf("Draft %d published to %s.", draft.ID, strings.Join(res.Succeeded, ", "))
	if len(res.Errors) > 0 {
		text += " Failed: " + summarizeErrors(res.Errors)
	}
	return Ack{Text: text, Done: true}, nil
}

// resolveImageQuery returns the draft's search query, deriving and
// persisting a fallback when generation left it empty.
func (h *Handler) resolveImageQuery(ctx context.Context, draft domain.Draft) (string, error) {
	if draft.ImageQuery != nil && strings.TrimSpace(*draft.ImageQuery) != "" {
		return *draft.ImageQuery, nil
	}
	query := FallbackQuery(h.Config, draft.Body.Title+" "+draft.Body.Body+" "+draft.Body.Markup)
	ts := h.now().UTC().Format(time.RFC3339)
	if err := h.Repo.UpdateDraftImageQuery(ctx, draft.ID, query, ts); err != nil {
		return "", err
	}
	return query, nil
}

func (h *Handler) fetchCandidates(ctx context.Context, draftID int64, query string) ([]domain.CandidateImage, error) {
	count := h.Config.Imagery.PerPage
	images, err := h.Search.Search(ctx, query, count)
	if err != nil {
		h.logf("search images for draft %d: %v", draftID, err)
		return nil, err
	}
	ts := h.now().UTC().Format(time.RFC3339)
	if err := h.Repo.UpdateDraftCandidateImages(ctx, draftID, images, ts); err != nil {
		return nil, err
	}
	return images, nil
}

func (h *Handler) channelIDs() []string {
	var out []string
	for _, ch := range h.Config.Channels {
		out = append(out, ch.ID)
	}
	return out
}

func (h *Handler) knownChannel(id string) bool {
	for _, ch := range h.Config.Channels {
		if ch.ID == id {
			return true
		}
	}
	return false
}

// FallbackQuery derives an image search query from draft text using the
// configured keyword rules; the first hit wins.
func FallbackQuery(cfg *config.Config, text string) string {
	low := strings.ToLower(text)
	for _, rule := range cfg.Fallback.Rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(low, strings.ToLower(kw)) {
				return rule.Query
			}
		}
	}
	return cfg.Fallback.Default
}

func summarizeErrors(errs map[string]string) string {
	var parts []string
	for channel, msg := range errs {
		parts = append(parts, fmt.Sprintf("%s: %s", channel, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}
