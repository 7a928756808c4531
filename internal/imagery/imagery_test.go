package imagery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSearchClient(t *testing.T) {
	var gotAuth, gotQuery, gotPage, gotPerPage, gotOrientation string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		q := r.URL.Query()
		gotQuery = q.Get("query")
		gotPage = q.Get("page")
		gotPerPage = q.Get("per_page")
		gotOrientation = q.Get("orientation")
		fmt.Fprint(w, `{"photos":[
			{"id":11,"photographer":"Ann","src":{"large2x":"https://img/1-2x.jpg","large":"https://img/1.jpg"}},
			{"id":22,"photographer":"Bob","src":{"large":"https://img/2.jpg"}},
			{"id":33,"photographer":"Cid","src":{}}
		]}`)
	}))
	defer srv.Close()

	c := &SearchClient{
		BaseURL: srv.URL,
		APIKey:  "pexels-key",
		Rand:    func(n int) int { return 2 },
	}
	images, err := c.Search(context.Background(), "tennis match", 4)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if gotAuth != "pexels-key" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotQuery != "tennis match" || gotPerPage != "4" || gotOrientation != "landscape" {
		t.Fatalf("unexpected params: query=%q per_page=%q orientation=%q", gotQuery, gotPerPage, gotOrientation)
	}
	if gotPage != "3" {
		t.Fatalf("page = %q, want 3 (picked 2 + 1)", gotPage)
	}
	if len(images) != 2 {
		t.Fatalf("photos without a usable url must be dropped: %+v", images)
	}
	if images[0].URL != "https://img/1-2x.jpg" {
		t.Fatalf("large2x preferred, got %q", images[0].URL)
	}
	if images[1].URL != "https://img/2.jpg" || images[1].Photographer != "Bob" {
		t.Fatalf("large fallback, got %+v", images[1])
	}
}

func TestSearchClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	c := &SearchClient{BaseURL: srv.URL, Rand: func(n int) int { return 0 }}
	if _, err := c.Search(context.Background(), "tennis", 4); err == nil {
		t.Fatalf("expected error on non-200 status")
	}
}

func TestRenderClient(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/render" {
			t.Errorf("path = %q", r.URL.Path)
		}
		got = map[string]string{}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		fmt.Fprint(w, `{"final_image_url":"https://cdn/final.png"}`)
	}))
	defer srv.Close()

	c := &RenderClient{BaseURL: srv.URL, Template: "tennis"}
	url, err := c.Stylize(context.Background(), "https://img/1.jpg", "Headline")
	if err != nil {
		t.Fatalf("stylize: %v", err)
	}
	if url != "https://cdn/final.png" {
		t.Fatalf("url = %q", url)
	}
	if got["image_url"] != "https://img/1.jpg" || got["title"] != "Headline" || got["template"] != "tennis" {
		t.Fatalf("unexpected request body: %v", got)
	}
}

func TestRenderClientEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"final_image_url":""}`)
	}))
	defer srv.Close()
	c := &RenderClient{BaseURL: srv.URL}
	if _, err := c.Stylize(context.Background(), "https://img/1.jpg", "T"); err == nil {
		t.Fatalf("empty final_image_url must be an error")
	}
}
