package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/iurnickita/groupbuy/internal/model"
	"github.com/iurnickita/groupbuy/internal/token"
)

type Auth interface {
	// Middleware resolves the actor and rejects the request without one.
	Middleware(h http.HandlerFunc) http.HandlerFunc
	// AdminOnly additionally requires the admin role.
	AdminOnly(h http.HandlerFunc) http.HandlerFunc
}

const cookieActorToken = "groupbuyToken"

var ErrNoToken = errors.New("no token")

type ctxKey struct{}

type auth struct {
	secret string
}

func NewAuth(secret string) Auth {
	return &auth{secret: secret}
}

func (a *auth) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// получение участника из токена
		actor, err := a.getActor(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		// передаём управление хендлеру
		h.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	}
}

func (a *auth) AdminOnly(h http.HandlerFunc) http.HandlerFunc {
	return a.Middleware(func(w http.ResponseWriter, r *http.Request) {
		if actor, _ := ActorFrom(r.Context()); !actor.Admin {
			http.Error(w, "admin role required", http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (a *auth) getActor(r *http.Request) (model.Actor, error) {
	raw := bearer(r)
	if raw == "" {
		// куки пользователя
		tokenCookie, err := r.Cookie(cookieActorToken)
		if err != nil {
			return model.Actor{}, ErrNoToken
		}
		raw = tokenCookie.Value
	}

	claims, err := token.Parse(a.secret, raw)
	if err != nil {
		return model.Actor{}, err
	}
	return model.Actor{ID: claims.Subject, Admin: claims.Role == token.RoleAdmin}, nil
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func WithActor(ctx context.Context, actor model.Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, actor)
}

func ActorFrom(ctx context.Context) (model.Actor, bool) {
	actor, ok := ctx.Value(ctxKey{}).(model.Actor)
	return actor, ok
}
