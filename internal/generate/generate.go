// Package generate turns captured source posts into review drafts with a
// chat completion model.
package generate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"pressroom/internal/domain"
	"pressroom/internal/events"
	"pressroom/internal/repo"
)

const systemPrompt = `You rewrite raw sports news posts into short publication drafts.
Respond with a JSON object with exactly these keys:
  "title": a punchy one-line headline,
  "body": two to four sentences of body text,
  "hashtags": an array of lowercase hashtag words without the # sign,
  "image_query": a short English stock-photo search query for the story.`

type Worker struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Client *openai.Client
	Model  string
	// Retries is how many times one post is attempted before being left
	// for the next pass.
	Retries int
	Timeout time.Duration
	Now     func() time.Time
	Logger  *log.Logger
}

type generated struct {
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Hashtags   []string `json:"hashtags"`
	ImageQuery string   `json:"image_query"`
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) logf(format string, args ...any) {
	if w.Logger != nil {
		w.Logger.Printf(format, args...)
	}
}

// RunOnce drafts every unprocessed source post and returns how many drafts
// were created. A generation failure leaves the post unprocessed for the
// next pass.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	posts, err := w.Repo.ListSourcePosts(ctx, repo.SourceFilters{Status: domain.SourceStatusNew})
	if err != nil {
		return 0, fmt.Errorf("list new source posts: %w", err)
	}
	created := 0
	for _, post := range posts {
		if err := w.draftOne(ctx, post); err != nil {
			w.logf("draft source post %d: %v", post.ID, err)
			continue
		}
		created++
	}
	return created, nil
}

// Run drafts on an interval until the context is canceled.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logf("generate pass: %v", err)
			}
		}
	}
}

func (w *Worker) draftOne(ctx context.Context, post domain.SourcePost) error {
	gen, raw, err := w.generate(ctx, post.Text)
	if err != nil {
		return err
	}
	now := w.now().UTC().Format(time.RFC3339)
	query := gen.ImageQuery
	draft := domain.Draft{
		SourcePostID: post.ID,
		Body: domain.DraftBody{
			Format: domain.BodyFormatPlain,
			Title:  gen.Title,
			Body:   gen.Body,
			Tags:   cleanTags(gen.Hashtags),
		},
		RawGeneration: &raw,
		Status:        domain.DraftStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if query != "" {
		draft.ImageQuery = &query
	}
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	draftID, err := w.Repo.InsertDraft(ctx, tx, draft)
	if err != nil {
		return fmt.Errorf("insert draft: %w", err)
	}
	if err := w.Repo.MarkSourceProcessed(ctx, tx, post.ID); err != nil {
		return fmt.Errorf("mark source processed: %w", err)
	}
	if err := w.Events.Append(ctx, tx, "draft.created", "draft", fmt.Sprint(draftID), "generator", events.EventPayload{
		"source_post_id": post.ID,
		"title":          gen.Title,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (w *Worker) generate(ctx context.Context, text string) (generated, string, error) {
	retries := w.Retries
	if retries < 1 {
		retries = 1
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return generated{}, "", ctx.Err()
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}
		gen, raw, err := w.complete(ctx, text, timeout)
		if err == nil {
			return gen, raw, nil
		}
		lastErr = err
	}
	return generated{}, "", fmt.Errorf("generation failed after %d attempts: %w", retries, lastErr)
}

func (w *Worker) complete(ctx context.Context, text string, timeout time.Duration) (generated, string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := w.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: w.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return generated{}, "", err
	}
	if len(resp.Choices) == 0 {
		return generated{}, "", fmt.Errorf("empty completion")
	}
	raw := resp.Choices[0].Message.Content
	var gen generated
	if err := json.Unmarshal([]byte(raw), &gen); err != nil {
		return generated{}, "", fmt.Errorf("decode completion: %w", err)
	}
	if strings.TrimSpace(gen.Title) == "" {
		return generated{}, "", fmt.Errorf("completion has no title")
	}
	return gen, raw, nil
}

func cleanTags(tags []string) []string {
	var out []string
	for _, t := range tags {
		t = strings.TrimSpace(strings.TrimPrefix(t, "#"))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
