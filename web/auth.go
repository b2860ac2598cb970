package web

import (
	"crypto/subtle"
	"log"
	"net/http"

	"github.com/goji/httpauth"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

const (
	sessionName = "convnet"
	authKey     = "authenticated"
)

// AuthFunc checks the user name and password from a basic auth header.
type AuthFunc func(user, pass string, r *http.Request) bool

// PamAuth checks the credentials against the system login. It is nil unless built with the pam tag.
var PamAuth AuthFunc

// NewSessionStore returns a cookie store with random keys, so sessions do not persist across restarts.
func NewSessionStore() *sessions.CookieStore {
	store := sessions.NewCookieStore(securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32))
	store.Options.HttpOnly = true
	return store
}

// StaticAuth accepts a single user name and password.
func StaticAuth(user, pass string) AuthFunc {
	return func(u, p string, r *http.Request) bool {
		ok := subtle.ConstantTimeCompare([]byte(u), []byte(user)) == 1 &&
			subtle.ConstantTimeCompare([]byte(p), []byte(pass)) == 1
		if !ok {
			log.Println("auth failed for", u)
		}
		return ok
	}
}

type AuthMiddleware struct {
	store sessions.Store
	opts  httpauth.AuthOptions
}

// Setup new middleware for authenticating requests.
func NewAuthMiddleware(store sessions.Store, auth AuthFunc) *AuthMiddleware {
	return &AuthMiddleware{
		store: store,
		opts:  httpauth.AuthOptions{Realm: "Restricted", AuthFunc: auth},
	}
}

// If the session is not authenticated then use basic auth to login and mark the session.
func (mw *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if session, err := mw.store.Get(r, sessionName); err == nil {
			if ok, _ := session.Values[authKey].(bool); ok {
				next.ServeHTTP(w, r)
				return
			}
		}
		httpauth.BasicAuth(mw.opts)(mw.setSession(next)).ServeHTTP(w, r)
	})
}

func (mw *AuthMiddleware) setSession(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, _ := mw.store.Get(r, sessionName)
		session.Values[authKey] = true
		if err := session.Save(r, w); err != nil {
			log.Println("error saving session:", err)
		}
		h.ServeHTTP(w, r)
	})
}
