package device

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatpush/internal/dedup"
	"chatpush/pkg/httpclient"
	logx "chatpush/pkg/logx"
)

type recordingDisplay struct{ shown []DisplayRequest }

func (d *recordingDisplay) Show(_ context.Context, req DisplayRequest) error {
	d.shown = append(d.shown, req)
	return nil
}

func TestHandleMessageSuppressesDuplicates(t *testing.T) {
	t.Parallel()
	disp := &recordingDisplay{}
	r := NewReceiver(disp, nil, nil, logx.Nop())
	msg := Incoming{
		Title: "Ana te envió un mensaje",
		Body:  "hola",
		Data:  map[string]string{"senderId": "ana", "conversationId": "c1"},
	}

	shown, err := r.HandleMessage(context.Background(), msg)
	if err != nil || !shown {
		t.Fatalf("first delivery must display: shown=%v err=%v", shown, err)
	}
	shown, err = r.HandleMessage(context.Background(), msg)
	if err != nil || shown {
		t.Fatalf("second delivery must be suppressed: shown=%v err=%v", shown, err)
	}
	if len(disp.shown) != 1 {
		t.Fatalf("want 1 display, got %d", len(disp.shown))
	}
	got := disp.shown[0]
	if got.ConversationID != "c1" || got.SenderID != "ana" || got.Body != "hola" {
		t.Fatalf("unexpected display request %+v", got)
	}
}

type flakyDisplay struct {
	failures int
	shown    []DisplayRequest
}

func (d *flakyDisplay) Show(_ context.Context, req DisplayRequest) error {
	if d.failures > 0 {
		d.failures--
		return errors.New("notification surface busy")
	}
	d.shown = append(d.shown, req)
	return nil
}

func TestHandleMessageRedeliveryAfterFailedDisplay(t *testing.T) {
	t.Parallel()
	disp := &flakyDisplay{failures: 1}
	seen := dedup.NewDefault()
	r := NewReceiver(disp, nil, seen, logx.Nop())
	msg := Incoming{
		Title: "Ana te envió un mensaje",
		Body:  "hola",
		Data:  map[string]string{"senderId": "ana", "conversationId": "c1"},
	}

	if shown, err := r.HandleMessage(context.Background(), msg); err == nil || shown {
		t.Fatalf("failed display must surface the error: shown=%v err=%v", shown, err)
	}
	if seen.Len() != 0 {
		t.Fatalf("failed display must not be remembered, got %d entries", seen.Len())
	}
	shown, err := r.HandleMessage(context.Background(), msg)
	if err != nil || !shown {
		t.Fatalf("redelivery must display: shown=%v err=%v", shown, err)
	}
	if len(disp.shown) != 1 {
		t.Fatalf("want 1 display, got %d", len(disp.shown))
	}
}

func TestHandleMessageFallbackTitle(t *testing.T) {
	t.Parallel()
	disp := &recordingDisplay{}
	r := NewReceiver(disp, nil, dedup.New(5, 1), logx.Nop())
	if _, err := r.HandleMessage(context.Background(), Incoming{Body: "x"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if disp.shown[0].Title != "Nuevo mensaje" {
		t.Fatalf("want fallback title, got %q", disp.shown[0].Title)
	}
}

func TestHandleNewTokenPostsToServer(t *testing.T) {
	t.Parallel()
	var got map[string]string
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := NewRemoteRegistrar(srv.URL, "device-jwt", httpclient.WithHTTPClient(srv.Client()))
	r := NewReceiver(&recordingDisplay{}, reg, nil, logx.Nop())
	if err := r.HandleNewToken(context.Background(), "fresh-token"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got["endpoint"] != "fresh-token" || auth != "Bearer device-jwt" {
		t.Fatalf("unexpected request body=%v auth=%q", got, auth)
	}
}

func TestHandleNewTokenWithoutRegistrar(t *testing.T) {
	t.Parallel()
	r := NewReceiver(&recordingDisplay{}, nil, nil, logx.Nop())
	if err := r.HandleNewToken(context.Background(), "tok"); err != ErrNoRegistrar {
		t.Fatalf("want ErrNoRegistrar, got %v", err)
	}
}
