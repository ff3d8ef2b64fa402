package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"engagekit/core"
)

func awarded(t *testing.T) core.Event {
	t.Helper()
	ev, err := core.NewTypedEvent("test", core.PointsAwarded{UserID: "u1", ActionType: "quiz", Delta: 5, Balance: 5})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return ev
}

func TestSink_HandlePostsToEndpoints(t *testing.T) {
	type capture struct {
		topic, sig string
		body       []byte
	}
	var hits int32
	got := make(chan capture, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		got <- capture{topic: r.Header.Get("X-Engagekit-Event"), sig: r.Header.Get(SignatureHeader), body: body}
	}))
	defer srv.Close()

	sink := New([]string{srv.URL}, WithSecret("s3cret"))
	if err := sink.Handle(context.Background(), awarded(t)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", hits)
	}
	c := <-got
	if c.topic != string(core.TopicPointsAwarded) {
		t.Fatalf("unexpected event header %q", c.topic)
	}
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(c.body)
	if c.sig != hex.EncodeToString(mac.Sum(nil)) {
		t.Fatalf("bad signature %q", c.sig)
	}
}

func TestSink_Non2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := New([]string{srv.URL})
	if err := sink.Handle(context.Background(), awarded(t)); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestSink_NoEndpointsIsNoop(t *testing.T) {
	if err := New(nil).Handle(context.Background(), awarded(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
