package sdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"engagekit/api/httpapi"
	"engagekit/core"
	"engagekit/engage"
	"engagekit/engine"
	"engagekit/realtime"
)

// newTestServer runs the real API over an in-memory system.
func newTestServer(t *testing.T, opts httpapi.Options) (*httptest.Server, *engage.System) {
	t.Helper()
	hub := realtime.NewHub()
	sys, err := engage.New(engage.WithDispatchMode(engine.DispatchSync), engage.WithRealtime(hub))
	if err != nil {
		t.Fatalf("new system: %v", err)
	}
	if err := sys.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(httpapi.Services{
		Points:       sys.Points,
		Bus:          sys.Bus,
		Validator:    sys.Validator,
		Achievements: sys.Achievements,
		Streaks:      sys.Streaks,
		Leaderboards: sys.Leaderboards,
		Hub:          hub,
	}, opts))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sys.Close(ctx)
	})
	return srv, sys
}

func TestClient_AwardDeductBalanceHistory(t *testing.T) {
	srv, _ := newTestServer(t, httpapi.Options{PathPrefix: "/api", APIKeys: []string{"k1"}})

	client, err := NewClient(srv.URL+"/api", WithAPIKey("k1"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	res, err := client.Award(ctx, "alice", AwardRequest{ActionType: "quiz", BaseAmount: 100})
	if err != nil || !res.Success || res.NewBalance != 100 {
		t.Fatalf("award got %+v err=%v", res, err)
	}

	res, err = client.Deduct(ctx, "alice", DeductRequest{Amount: 500, Reason: "shop"})
	if err != nil || res.Success || res.Reason != "insufficient_balance" {
		t.Fatalf("deduct got %+v err=%v", res, err)
	}
	res, err = client.Deduct(ctx, "alice", DeductRequest{Amount: 30, Reason: "shop"})
	if err != nil || !res.Success || res.NewBalance != 70 {
		t.Fatalf("deduct got %+v err=%v", res, err)
	}

	bal, err := client.Balance(ctx, "alice")
	if err != nil || bal != 70 {
		t.Fatalf("balance got %d err=%v", bal, err)
	}

	txs, err := client.History(ctx, "alice", 0, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(txs) != 2 || txs[0].Delta != -30 || txs[1].Delta != 100 {
		t.Fatalf("unexpected history: %+v", txs)
	}

	ach, err := client.Achievements(ctx, "alice")
	if err != nil {
		t.Fatalf("achievements: %v", err)
	}
	found := false
	for _, u := range ach.Unlocked {
		if u.Achievement.ID == "points_100" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected points_100 unlock, got %+v", ach.Unlocked)
	}

	health, err := client.Health(ctx)
	if err != nil || health.Status != "healthy" {
		t.Fatalf("health: %+v err=%v", health, err)
	}
}

func TestClient_Errors(t *testing.T) {
	srv, _ := newTestServer(t, httpapi.Options{PathPrefix: "/api", APIKeys: []string{"k1"}})
	ctx := context.Background()

	noKey, err := NewClient(srv.URL + "/api")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = noKey.Balance(ctx, "alice")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || apiErr.Retryable() {
		t.Fatalf("expected 401, got %v", err)
	}

	client, _ := NewClient(srv.URL+"/api", WithAPIKey("k1"))
	_, err = client.Award(ctx, "alice", AwardRequest{ActionType: "quiz", BaseAmount: -5})
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}

	if _, err := client.Balance(ctx, " "); !errors.Is(err, ErrEmptyUserID) {
		t.Fatalf("expected ErrEmptyUserID, got %v", err)
	}
	if _, err := NewClient(""); err == nil {
		t.Fatal("expected error for empty baseURL")
	}
}

func TestClient_LeaderboardAndPrivacy(t *testing.T) {
	srv, _ := newTestServer(t, httpapi.Options{PathPrefix: "/api"})
	client, _ := NewClient(srv.URL + "/api")
	ctx := context.Background()

	for user, amount := range map[string]int64{"alice": 30, "bob": 50} {
		if _, err := client.Award(ctx, user, AwardRequest{ActionType: "quiz", BaseAmount: amount}); err != nil {
			t.Fatalf("award %s: %v", user, err)
		}
	}

	lb, err := client.Leaderboard(ctx, "total_points", 10, "alice")
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(lb.Entries) != 2 || lb.Entries[0].User != "bob" {
		t.Fatalf("unexpected entries: %+v", lb.Entries)
	}
	if lb.User == nil || lb.User.Rank != 2 {
		t.Fatalf("unexpected own standing: %+v", lb.User)
	}

	if err := client.SetLeaderboardOptOut(ctx, "bob", true); err != nil {
		t.Fatalf("opt out: %v", err)
	}
	lb, err = client.Leaderboard(ctx, "total_points", 10, "")
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(lb.Entries) != 1 || lb.Entries[0].User != "alice" {
		t.Fatalf("opted-out user still listed: %+v", lb.Entries)
	}

	_, err = client.Leaderboard(ctx, "nope", 10, "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestClient_ActivityAndStreaks(t *testing.T) {
	srv, _ := newTestServer(t, httpapi.Options{PathPrefix: "/api"})
	client, _ := NewClient(srv.URL + "/api")
	ctx := context.Background()

	id, err := client.PublishActivity(ctx, "carol", "daily_login", "login")
	if err != nil || id == "" {
		t.Fatalf("publish activity id=%q err=%v", id, err)
	}

	list, err := client.Streaks(ctx, "carol")
	if err != nil {
		t.Fatalf("streaks: %v", err)
	}
	if len(list) != 1 || list[0].Kind != "daily_login" || list[0].Current != 1 {
		t.Fatalf("unexpected streaks: %+v", list)
	}

	if err := client.ForceAllow(ctx, "carol", "quiz", "admin-1"); err != nil {
		t.Fatalf("force allow: %v", err)
	}
	err = client.ForceAllow(ctx, "carol", "quiz", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 without admin, got %v", err)
	}
}

func TestClient_SubscribeEvents(t *testing.T) {
	srv, sys := newTestServer(t, httpapi.Options{PathPrefix: "/api"})
	client, err := NewClient(srv.URL + "/api")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	events, err := client.SubscribeEvents(ctx, SubscribeOptions{UserID: "alice", Topic: "gamification.points.*"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for sys.Hub.Clients() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("client never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, err := client.Award(ctx, "bob", AwardRequest{ActionType: "quiz", BaseAmount: 5}); err != nil {
		t.Fatalf("award bob: %v", err)
	}
	if _, err := client.Award(ctx, "alice", AwardRequest{ActionType: "quiz", BaseAmount: 10}); err != nil {
		t.Fatalf("award alice: %v", err)
	}

	select {
	case evt := <-events:
		if evt.Type != core.TopicPointsAwarded {
			t.Fatalf("unexpected event type: %s", evt.Type)
		}
		p, err := core.DecodePayload[core.PointsAwarded](evt)
		if err != nil || p.UserID != "alice" || p.Delta != 10 {
			t.Fatalf("unexpected payload %+v err=%v", p, err)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}
