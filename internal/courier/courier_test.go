package courier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBotClientSendMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody = map[string]any{}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":42}}`)
	}))
	defer srv.Close()

	c := &BotClient{BaseURL: srv.URL, Token: "123:abc"}
	err := c.Send(context.Background(), "mod-1", Message{
		Text:    "review this",
		Buttons: [][]Button{{{Text: "Approve", Data: "approve:1"}}},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/bot123:abc/sendMessage" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody["chat_id"] != "mod-1" || gotBody["text"] != "review this" {
		t.Fatalf("unexpected payload: %v", gotBody)
	}
	if _, ok := gotBody["reply_markup"]; !ok {
		t.Fatalf("inline keyboard missing: %v", gotBody)
	}
}

func TestBotClientPublishPhoto(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody = map[string]any{}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":7}}`)
	}))
	defer srv.Close()

	c := &BotClient{BaseURL: srv.URL, Token: "t"}
	id, err := c.Publish(context.Background(), "@channel", Post{
		Text:     "<b>caption</b>",
		PhotoURL: "https://cdn/final.png",
		HTML:     true,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id != 7 {
		t.Fatalf("message id = %d", id)
	}
	if !strings.HasSuffix(gotPath, "/sendPhoto") {
		t.Fatalf("photo posts must use sendPhoto, got %q", gotPath)
	}
	if gotBody["photo"] != "https://cdn/final.png" || gotBody["caption"] != "<b>caption</b>" {
		t.Fatalf("unexpected payload: %v", gotBody)
	}
	if gotBody["parse_mode"] != "HTML" {
		t.Fatalf("parse_mode missing: %v", gotBody)
	}
}

func TestBotClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"description":"chat not found"}`)
	}))
	defer srv.Close()

	c := &BotClient{BaseURL: srv.URL, Token: "t"}
	_, err := c.Publish(context.Background(), "@missing", Post{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected bot API error, got %v", err)
	}
}
