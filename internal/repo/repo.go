package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pressroom/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate means a source post with the same (channel_id, message_id)
	// already exists. Callers treat it as a no-op.
	ErrDuplicate = errors.New("duplicate source post")
	// ErrAlreadyResolved means a conditional status write lost the race: the
	// draft had already left pending_review.
	ErrAlreadyResolved = errors.New("draft already resolved")
)

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// InsertSourcePost inserts a captured post. A duplicate (channel_id,
// message_id) pair returns ErrDuplicate and leaves the table unchanged.
func (r Repo) InsertSourcePost(ctx context.Context, p domain.SourcePost) (int64, error) {
	if p.Status == "" {
		p.Status = domain.SourceStatusNew
	}
	if p.CreatedAt == "" {
		p.CreatedAt = nowRFC3339()
	}
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO source_posts(channel_id,message_id,text,photo_ref,captured_at,status,created_at) VALUES (?,?,?,?,?,?,?)`,
		p.ChannelID, p.MessageID, p.Text, nullableStringPtr(p.PhotoRef), p.CapturedAt, p.Status, p.CreatedAt)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrDuplicate
	}
	return res.LastInsertId()
}

func (r Repo) GetSourcePost(ctx context.Context, id int64) (domain.SourcePost, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,channel_id,message_id,text,photo_ref,captured_at,status,created_at FROM source_posts WHERE id=?`, id)
	return scanSourcePost(row)
}

func scanSourcePost(row *sql.Row) (domain.SourcePost, error) {
	var p domain.SourcePost
	var photo sql.NullString
	err := row.Scan(&p.ID, &p.ChannelID, &p.MessageID, &p.Text, &photo, &p.CapturedAt, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if photo.Valid {
		p.PhotoRef = &photo.String
	}
	return p, nil
}

type SourceFilters struct {
	Status string
	Limit  int
}

func (r Repo) ListSourcePosts(ctx context.Context, f SourceFilters) ([]domain.SourcePost, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,channel_id,message_id,text,photo_ref,captured_at,status,created_at FROM source_posts ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SourcePost
	for rows.Next() {
		var p domain.SourcePost
		var photo sql.NullString
		if err := rows.Scan(&p.ID, &p.ChannelID, &p.MessageID, &p.Text, &photo, &p.CapturedAt, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		if photo.Valid {
			p.PhotoRef = &photo.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// MarkSourceProcessed flips a source post from new to processed.
func (r Repo) MarkSourceProcessed(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE source_posts SET status=? WHERE id=? AND status=?`,
		domain.SourceStatusProcessed, id, domain.SourceStatusNew)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertDraft stores a new draft in pending_review.
func (r Repo) InsertDraft(ctx context.Context, tx *sql.Tx, d domain.Draft) (int64, error) {
	if d.Status == "" {
		d.Status = domain.DraftStatusPending
	}
	if d.Body.Format == "" {
		return 0, fmt.Errorf("draft body format required")
	}
	if d.CreatedAt == "" {
		d.CreatedAt = nowRFC3339()
	}
	if d.UpdatedAt == "" {
		d.UpdatedAt = d.CreatedAt
	}
	images, err := marshalImages(d.CandidateImages)
	if err != nil {
		return 0, err
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `INSERT INTO drafts(source_post_id,body_format,title,body,tags,markup,raw_generation,image_query,candidate_images_json,final_image_url,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.SourcePostID, d.Body.Format, d.Body.Title, d.Body.Body, strings.Join(d.Body.Tags, " "), d.Body.Markup,
		nullableStringPtr(d.RawGeneration), nullableStringPtr(d.ImageQuery), images, nullableStringPtr(d.FinalImageURL),
		d.Status, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const draftColumns = `id,source_post_id,body_format,title,body,tags,markup,raw_generation,image_query,candidate_images_json,final_image_url,status,created_at,updated_at`

func (r Repo) GetDraft(ctx context.Context, id int64) (domain.Draft, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id=?`, id)
	d, err := scanDraft(row.Scan)
	if err != nil {
		return d, err
	}
	targets, err := r.ListPublishTargets(ctx, d.ID)
	if err != nil {
		return d, err
	}
	d.PublishTargets = targets
	return d, nil
}

type scanFunc func(dest ...any) error

func scanDraft(scan scanFunc) (domain.Draft, error) {
	var d domain.Draft
	var tags string
	var rawGen, imageQuery, images, finalImage sql.NullString
	err := scan(&d.ID, &d.SourcePostID, &d.Body.Format, &d.Body.Title, &d.Body.Body, &tags, &d.Body.Markup,
		&rawGen, &imageQuery, &images, &finalImage, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if tags != "" {
		d.Body.Tags = strings.Fields(tags)
	}
	if rawGen.Valid {
		d.RawGeneration = &rawGen.String
	}
	if imageQuery.Valid {
		d.ImageQuery = &imageQuery.String
	}
	if finalImage.Valid {
		d.FinalImageURL = &finalImage.String
	}
	if images.Valid && images.String != "" {
		if err := json.Unmarshal([]byte(images.String), &d.CandidateImages); err != nil {
			return d, fmt.Errorf("decode candidate images for draft %d: %w", d.ID, err)
		}
	}
	return d, nil
}

type DraftFilters struct {
	Status string
	Limit  int
}

// ListDrafts returns drafts oldest first, so pending review order is stable.
func (r Repo) ListDrafts(ctx context.Context, f DraftFilters) ([]domain.Draft, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + draftColumns + ` FROM drafts ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Draft
	for rows.Next() {
		d, err := scanDraft(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// PendingDrafts returns pending_review drafts oldest first.
func (r Repo) PendingDrafts(ctx context.Context, limit int) ([]domain.Draft, error) {
	return r.ListDrafts(ctx, DraftFilters{Status: domain.DraftStatusPending, Limit: limit})
}

// UpdateDraftContent rewrites the editable body fields of a pending draft.
// Terminal drafts are immutable; the conditional write reports
// ErrAlreadyResolved when the draft has already been published or rejected.
func (r Repo) UpdateDraftContent(ctx context.Context, tx *sql.Tx, id int64, body domain.DraftBody, updatedAt string) error {
	if updatedAt == "" {
		updatedAt = nowRFC3339()
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE drafts SET body_format=?, title=?, body=?, tags=?, markup=?, updated_at=? WHERE id=? AND status=?`,
		body.Format, body.Title, body.Body, strings.Join(body.Tags, " "), body.Markup, updatedAt, id, domain.DraftStatusPending)
	if err != nil {
		return err
	}
	return r.resolveConditional(ctx, tx, res, id)
}

// UpdateDraftImageQuery persists a (possibly fallback-derived) search query.
func (r Repo) UpdateDraftImageQuery(ctx context.Context, id int64, query, updatedAt string) error {
	if updatedAt == "" {
		updatedAt = nowRFC3339()
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE drafts SET image_query=?, updated_at=? WHERE id=?`, query, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDraftCandidateImages caches the last fetched candidate set so a pick
// by index resolves against what the moderator actually saw.
func (r Repo) UpdateDraftCandidateImages(ctx context.Context, id int64, images []domain.CandidateImage, updatedAt string) error {
	if updatedAt == "" {
		updatedAt = nowRFC3339()
	}
	payload, err := marshalImages(images)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE drafts SET candidate_images_json=?, updated_at=? WHERE id=?`, payload, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDraftFinalImage stores the stylized image URL on a pending draft.
func (r Repo) UpdateDraftFinalImage(ctx context.Context, id int64, url, updatedAt string) error {
	if updatedAt == "" {
		updatedAt = nowRFC3339()
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE drafts SET final_image_url=?, updated_at=? WHERE id=? AND status=?`,
		url, updatedAt, id, domain.DraftStatusPending)
	if err != nil {
		return err
	}
	return r.resolveConditional(ctx, nil, res, id)
}

// MarkDraftPublished commits the pending->published transition. Exactly one
// caller wins; everyone else gets ErrAlreadyResolved.
func (r Repo) MarkDraftPublished(ctx context.Context, tx *sql.Tx, id int64, updatedAt string) error {
	return r.markDraftTerminal(ctx, tx, id, domain.DraftStatusPublished, updatedAt)
}

// MarkDraftRejected commits the pending->rejected transition.
func (r Repo) MarkDraftRejected(ctx context.Context, tx *sql.Tx, id int64, updatedAt string) error {
	return r.markDraftTerminal(ctx, tx, id, domain.DraftStatusRejected, updatedAt)
}

func (r Repo) markDraftTerminal(ctx context.Context, tx *sql.Tx, id int64, status, updatedAt string) error {
	if updatedAt == "" {
		updatedAt = nowRFC3339()
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE drafts SET status=?, updated_at=? WHERE id=? AND status=?`,
		status, updatedAt, id, domain.DraftStatusPending)
	if err != nil {
		return err
	}
	return r.resolveConditional(ctx, tx, res, id)
}

// resolveConditional distinguishes a missing row from a lost race after a
// conditional write touched zero rows.
func (r Repo) resolveConditional(ctx context.Context, tx *sql.Tx, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	queryRow := r.DB.QueryRowContext
	if tx != nil {
		queryRow = tx.QueryRowContext
	}
	var status string
	err = queryRow(ctx, `SELECT status FROM drafts WHERE id=?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrAlreadyResolved
}

// AppendPublishTarget records one successful channel publication. The target
// list only grows; re-inserting the same (draft, channel) pair is an error.
func (r Repo) AppendPublishTarget(ctx context.Context, tx *sql.Tx, t domain.PublishTarget) error {
	if t.PublishedAt == "" {
		t.PublishedAt = nowRFC3339()
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO publish_targets(draft_id,channel,message_id,published_at) VALUES (?,?,?,?)`,
		t.DraftID, t.Channel, t.MessageID, t.PublishedAt)
	return err
}

func (r Repo) ListPublishTargets(ctx context.Context, draftID int64) ([]domain.PublishTarget, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT draft_id,channel,message_id,published_at FROM publish_targets WHERE draft_id=? ORDER BY published_at ASC, channel ASC`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PublishTarget
	for rows.Next() {
		var t domain.PublishTarget
		if err := rows.Scan(&t.DraftID, &t.Channel, &t.MessageID, &t.PublishedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// LatestEvents returns events newest first with optional filters.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func marshalImages(images []domain.CandidateImage) (any, error) {
	if len(images) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(images)
	if err != nil {
		return nil, fmt.Errorf("marshal candidate images: %w", err)
	}
	return string(data), nil
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
