// Package publish fans a reviewed draft out to its selected channels and
// commits the pending_review -> published transition.
package publish

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"pressroom/internal/courier"
	"pressroom/internal/domain"
	"pressroom/internal/events"
	"pressroom/internal/repo"
)

// ErrAllChannelsFailed means no channel accepted the post. The draft is
// still pending_review and can be retried.
var ErrAllChannelsFailed = errors.New("all channels failed")

type Orchestrator struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Sender courier.Sender
	// HTMLChannels marks channels that accept HTML captions.
	HTMLChannels map[string]bool
	Now          func() time.Time
	Logger       *log.Logger
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
	}
}

// Result summarizes one publish run.
type Result struct {
	Attempted []string
	Succeeded []string
	Targets   []domain.PublishTarget
	Errors    map[string]string
}

// Publish sends the draft to each channel in order. The draft is committed
// published together with the first successful target; later successes only
// append targets. If every channel fails the draft stays pending_review and
// ErrAllChannelsFailed is returned. A concurrent publisher winning the
// status race surfaces as repo.ErrAlreadyResolved.
func (o *Orchestrator) Publish(ctx context.Context, draft domain.Draft, channels []string, photoOverride, actorID string) (Result, error) {
	res := Result{Errors: map[string]string{}}
	if len(channels) == 0 {
		return res, fmt.Errorf("no channels selected")
	}
	if draft.Terminal() {
		return res, repo.ErrAlreadyResolved
	}

	imageURL, err := o.resolveImage(ctx, draft, photoOverride)
	if err != nil {
		return res, err
	}

	committed := false
	for _, channel := range channels {
		res.Attempted = append(res.Attempted, channel)
		post := o.compose(draft, imageURL, o.HTMLChannels[channel])
		messageID, err := o.Sender.Publish(ctx, channel, post)
		if err != nil {
			res.Errors[channel] = err.Error()
			o.logf("publish draft %d to %s: %v", draft.ID, channel, err)
			o.appendEvent(ctx, "publish.channel_failed", draft.ID, actorID, events.EventPayload{
				"channel": channel,
				"error":   err.Error(),
			})
			continue
		}
		target := domain.PublishTarget{
			DraftID:     draft.ID,
			Channel:     channel,
			MessageID:   messageID,
			PublishedAt: o.now().UTC().Format(time.RFC3339),
		}
		if !committed {
			if err := o.commit(ctx, draft.ID, target, actorID); err != nil {
				return res, err
			}
			committed = true
		} else {
			if err := o.appendTarget(ctx, target, actorID); err != nil {
				return res, err
			}
		}
		res.Succeeded = append(res.Succeeded, channel)
		res.Targets = append(res.Targets, target)
	}
	if !committed {
		return res, fmt.Errorf("%w: %s", ErrAllChannelsFailed, summarize(res.Errors))
	}
	return res, nil
}

// commit marks the draft published and records the first target in one
// transaction. Losing the status race rolls everything back.
func (o *Orchestrator) commit(ctx context.Context, draftID int64, target domain.PublishTarget, actorID string) error {
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := o.Repo.MarkDraftPublished(ctx, tx, draftID, target.PublishedAt); err != nil {
		return err
	}
	if err := o.Repo.AppendPublishTarget(ctx, tx, target); err != nil {
		return err
	}
	if err := o.Events.Append(ctx, tx, "draft.published", "draft", fmt.Sprint(draftID), actorID, events.EventPayload{
		"channel":    target.Channel,
		"message_id": target.MessageID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (o *Orchestrator) appendTarget(ctx context.Context, target domain.PublishTarget, actorID string) error {
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := o.Repo.AppendPublishTarget(ctx, tx, target); err != nil {
		return err
	}
	if err := o.Events.Append(ctx, tx, "draft.target_added", "draft", fmt.Sprint(target.DraftID), actorID, events.EventPayload{
		"channel":    target.Channel,
		"message_id": target.MessageID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (o *Orchestrator) appendEvent(ctx context.Context, evtType string, draftID int64, actorID string, payload events.EventPayload) {
	if err := o.Events.Append(ctx, nil, evtType, "draft", fmt.Sprint(draftID), actorID, payload); err != nil {
		o.logf("append event %s: %v", evtType, err)
	}
}

// resolveImage picks the image for the post: explicit override, then the
// stylized final image, then the source post's own photo, then none.
func (o *Orchestrator) resolveImage(ctx context.Context, draft domain.Draft, photoOverride string) (string, error) {
	if photoOverride != "" {
		return photoOverride, nil
	}
	if draft.FinalImageURL != nil && *draft.FinalImageURL != "" {
		return *draft.FinalImageURL, nil
	}
	source, err := o.Repo.GetSourcePost(ctx, draft.SourcePostID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	if source.PhotoRef != nil {
		return *source.PhotoRef, nil
	}
	return "", nil
}

// compose builds the outgoing post from the draft body. Rich drafts carry
// ready markup; plain drafts are assembled from title, body and tags, with
// an HTML rendering for channels that accept it.
func (o *Orchestrator) compose(draft domain.Draft, imageURL string, htmlChannel bool) courier.Post {
	post := courier.Post{PhotoURL: imageURL}
	switch draft.Body.Format {
	case domain.BodyFormatRich:
		post.Text = draft.Body.Markup
		post.HTML = true
	default:
		if htmlChannel {
			post.Text = renderPlainHTML(draft.Body)
			post.HTML = true
		} else {
			post.Text = renderPlainText(draft.Body)
		}
	}
	return post
}

func renderPlainText(body domain.DraftBody) string {
	parts := []string{body.Title}
	if body.Body != "" {
		parts = append(parts, body.Body)
	}
	if len(body.Tags) > 0 {
		parts = append(parts, hashtagLine(body.Tags))
	}
	return strings.Join(parts, "\n\n")
}

func renderPlainHTML(body domain.DraftBody) string {
	md := fmt.Sprintf("**%s**\n\n%s", body.Title, body.Body)
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return renderPlainText(body)
	}
	out := strings.TrimSpace(buf.String())
	if len(body.Tags) > 0 {
		out += "\n\n" + hashtagLine(body.Tags)
	}
	return out
}

func hashtagLine(tags []string) string {
	var out []string
	for _, t := range tags {
		if !strings.HasPrefix(t, "#") {
			t = "#" + t
		}
		out = append(out, t)
	}
	return strings.Join(out, " ")
}

func summarize(errs map[string]string) string {
	var parts []string
	for channel, msg := range errs {
		parts = append(parts, fmt.Sprintf("%s: %s", channel, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}
