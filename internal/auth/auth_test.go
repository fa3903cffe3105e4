package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iurnickita/groupbuy/internal/token"
)

func TestMiddleware(t *testing.T) {
	a := NewAuth("secret")
	participant, err := token.Build("secret", "participant-1", token.RoleParticipant, time.Hour)
	require.NoError(t, err)
	admin, err := token.Build("secret", "admin-1", token.RoleAdmin, time.Hour)
	require.NoError(t, err)

	var seen string
	h := func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFrom(r.Context())
		require.True(t, ok)
		seen = actor.ID
		w.WriteHeader(http.StatusNoContent)
	}

	tests := []struct {
		name    string
		handler http.HandlerFunc
		prepare func(r *http.Request)
		status  int
		actor   string
	}{
		{name: "no token", handler: a.Middleware(h), prepare: func(*http.Request) {}, status: http.StatusUnauthorized},
		{
			name: "bearer", handler: a.Middleware(h), status: http.StatusNoContent, actor: "participant-1",
			prepare: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+participant) },
		},
		{
			name: "cookie", handler: a.Middleware(h), status: http.StatusNoContent, actor: "admin-1",
			prepare: func(r *http.Request) { r.AddCookie(&http.Cookie{Name: cookieActorToken, Value: admin}) },
		},
		{
			name: "participant on admin route", handler: a.AdminOnly(h), status: http.StatusForbidden,
			prepare: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+participant) },
		},
		{
			name: "admin route", handler: a.AdminOnly(h), status: http.StatusNoContent, actor: "admin-1",
			prepare: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+admin) },
		},
		{
			name: "bad signature", handler: a.Middleware(h), status: http.StatusUnauthorized,
			prepare: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+participant+"x") },
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			seen = ""
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			test.prepare(r)
			w := httptest.NewRecorder()
			test.handler(w, r)
			require.Equal(t, test.status, w.Code)
			require.Equal(t, test.actor, seen)
		})
	}
}
