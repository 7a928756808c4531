package server

import "pressroom/internal/domain"

type CreateSourceRequest struct {
	ChannelID  string  `json:"channel_id"`
	MessageID  int64   `json:"message_id"`
	Text       string  `json:"text"`
	PhotoRef   *string `json:"photo_ref,omitempty"`
	CapturedAt string  `json:"captured_at,omitempty" format:"date-time"`
}

type SourceResponse struct {
	ID        int64  `json:"id"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Status    string `json:"status,omitempty"`
}

type DraftResponse struct {
	ID              int64                   `json:"id"`
	SourcePostID    int64                   `json:"source_post_id"`
	Body            domain.DraftBody        `json:"body"`
	ImageQuery      *string                 `json:"image_query,omitempty"`
	CandidateImages []domain.CandidateImage `json:"candidate_images,omitempty"`
	FinalImageURL   *string                 `json:"final_image_url,omitempty"`
	Status          string                  `json:"status"`
	PublishTargets  []domain.PublishTarget  `json:"publish_targets,omitempty"`
	CreatedAt       string                  `json:"created_at" format:"date-time"`
	UpdatedAt       string                  `json:"updated_at" format:"date-time"`
}

func draftResponse(d domain.Draft) DraftResponse {
	return DraftResponse{
		ID:              d.ID,
		SourcePostID:    d.SourcePostID,
		Body:            d.Body,
		ImageQuery:      d.ImageQuery,
		CandidateImages: d.CandidateImages,
		FinalImageURL:   d.FinalImageURL,
		Status:          d.Status,
		PublishTargets:  d.PublishTargets,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func mapDrafts(items []domain.Draft) []DraftResponse {
	out := []DraftResponse{}
	for _, d := range items {
		out = append(out, draftResponse(d))
	}
	return out
}

type AckResponse struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

type EditRequest struct {
	Text string `json:"text"`
}

type ToggleChannelRequest struct {
	Channel string `json:"channel"`
}

type PhotoRequest struct {
	PhotoURL string `json:"photo_url,omitempty"`
}

type ImagesResponse struct {
	Ack    AckResponse             `json:"ack"`
	Images []domain.CandidateImage `json:"images,omitempty"`
}

type TickResponse struct {
	Delivered int `json:"delivered"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

func mapEvents(items []domain.Event) []EventResponse {
	out := []EventResponse{}
	for _, e := range items {
		out = append(out, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return out
}
