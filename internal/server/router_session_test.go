package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/leakline/internal/auth"
	"github.com/MarcoPoloResearchLab/leakline/internal/drafts"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestExpiredSessionFlushesOpenFormAndLogsAtInfoLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	server := newTestServer(t, nil, zap.New(core))
	ctx := context.Background()

	if _, err := server.agent.UpdateOpenForm(ctx, "", drafts.FormSnapshot{MeterNumber: "M-12", Notes: "burst main"}); err != nil {
		t.Fatalf("update open form failed: %v", err)
	}

	expired := mustSignToken(t, server.now.Add(-2*time.Hour), server.now.Add(-time.Hour))
	request := httptest.NewRequest(http.MethodGet, "/status", http.NoBody)
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: expired})
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}

	entries := logs.FilterMessage("session token expired").All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one expiry log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredSessionToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}

	list, err := server.agent.Drafts(ctx)
	if err != nil {
		t.Fatalf("list drafts failed: %v", err)
	}
	if len(list) != 1 || list[0].Snapshot.MeterNumber != "M-12" || !list[0].AutoSaved {
		t.Fatalf("expected the open form to be flushed to an auto-saved draft, got %+v", list)
	}
	if _, ok, _ := server.agent.OpenForm(ctx); ok {
		t.Fatalf("expected the open form slot to be cleared")
	}
}

func TestInvalidSessionLogsAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/status", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: auth.ErrInvalidSessionToken},
		logger:   zap.New(core),
	}

	handler.requireSession(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for invalid token, got %s", entries[0].Level)
	}
	if entries[0].Message != "session validation failed" {
		t.Fatalf("unexpected log message: %q", entries[0].Message)
	}
}

func TestValidSessionStoresOfficerID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/status", http.NoBody)

	handler := &httpHandler{
		sessions: stubSessionValidator{claims: auth.SessionClaims{OfficerID: testOfficerID}},
		logger:   zap.NewNop(),
	}
	handler.requireSession(ctx)

	if ctx.IsAborted() {
		t.Fatalf("expected request to proceed")
	}
	if got := ctx.GetString(officerIDContextKey); got != testOfficerID {
		t.Fatalf("expected officer id %q, got %q", testOfficerID, got)
	}
}

type stubSessionValidator struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	if s.err != nil {
		return auth.SessionClaims{}, s.err
	}
	return s.claims, nil
}
