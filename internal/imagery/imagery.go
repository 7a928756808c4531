// Package imagery wraps the two external image services: a stock photo
// search API and the brand template render service. Both are plain HTTP
// calls with bounded timeouts; a failure is an ordinary error the caller
// handles.
package imagery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"pressroom/internal/domain"
)

// Searcher finds candidate images for a query.
type Searcher interface {
	Search(ctx context.Context, query string, count int) ([]domain.CandidateImage, error)
}

// Stylizer renders a source image into the channel's branded template and
// returns the URL of the final image.
type Stylizer interface {
	Stylize(ctx context.Context, imageURL, title string) (string, error)
}

const maxSearchResults = 80

// SearchClient talks to a Pexels-style photo search API.
type SearchClient struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	HTTP    *http.Client
	// Rand picks the result page so repeated searches surface different
	// photos. Defaults to math/rand.
	Rand func(n int) int
}

func (c *SearchClient) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *SearchClient) Search(ctx context.Context, query string, count int) ([]domain.CandidateImage, error) {
	if count <= 0 {
		count = 4
	}
	pick := c.Rand
	if pick == nil {
		pick = rand.Intn
	}
	// Random page within the provider's first 80 results.
	maxPage := maxSearchResults / count
	if maxPage > 10 {
		maxPage = 10
	}
	if maxPage < 1 {
		maxPage = 1
	}
	page := pick(maxPage) + 1

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := url.Values{}
	params.Set("query", query)
	params.Set("per_page", strconv.Itoa(count))
	params.Set("page", strconv.Itoa(page))
	params.Set("orientation", "landscape")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.APIKey)
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("image search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("image search: status %d: %s", resp.StatusCode, body)
	}
	var payload struct {
		Photos []struct {
			ID           int64  `json:"id"`
			Photographer string `json:"photographer"`
			Src          struct {
				Large2x string `json:"large2x"`
				Large   string `json:"large"`
			} `json:"src"`
		} `json:"photos"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("image search: decode: %w", err)
	}
	var images []domain.CandidateImage
	for _, p := range payload.Photos {
		u := p.Src.Large2x
		if u == "" {
			u = p.Src.Large
		}
		if u == "" {
			continue
		}
		images = append(images, domain.CandidateImage{URL: u, Photographer: p.Photographer, ProviderID: p.ID})
	}
	return images, nil
}

// RenderClient calls the template render service.
type RenderClient struct {
	BaseURL  string
	Template string
	Timeout  time.Duration
	HTTP     *http.Client
}

func (c *RenderClient) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *RenderClient) Stylize(ctx context.Context, imageURL, title string) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	template := c.Template
	if template == "" {
		template = "default"
	}
	body, err := json.Marshal(map[string]string{
		"image_url": imageURL,
		"title":     title,
		"template":  template,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("render: status %d: %s", resp.StatusCode, msg)
	}
	var payload struct {
		FinalImageURL string `json:"final_image_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("render: decode: %w", err)
	}
	if payload.FinalImageURL == "" {
		return "", fmt.Errorf("render: empty final_image_url")
	}
	return payload.FinalImageURL, nil
}
