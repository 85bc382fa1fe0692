package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
)

// Cookie names. The owner cookie identifies whose syncs a browser may manage;
// the login cookie only lives for one OAuth round trip.
const (
	ownerCookie = "calendarsync_session"
	loginCookie = "calendarsync_login"
	loginMaxAge = 10 * 60

	keyOwnerID  = "owner_id"
	keyEmail    = "email"
	keyName     = "name"
	keyCSRF     = "csrf"
	keySignedIn = "signed_in"
	keyState    = "state"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrInvalidSession  = errors.New("invalid session data")
)

// SessionData identifies the signed-in sync owner.
type SessionData struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	CSRFToken string `json:"csrf_token"`
}

// SessionManager keeps owner identity and login state in signed cookies.
type SessionManager struct {
	store  *sessions.CookieStore
	maxAge time.Duration
	now    func() time.Time
}

// NewSessionManager creates a manager whose sign-ins last maxAge seconds.
// The lifetime is enforced on read as well as by the browser.
func NewSessionManager(secret string, secure bool, maxAge int) *SessionManager {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &SessionManager{
		store:  store,
		maxAge: time.Duration(maxAge) * time.Second,
		now:    time.Now,
	}
}

// Get returns the owner signed in on r.
func (sm *SessionManager) Get(r *http.Request) (*SessionData, error) {
	s, err := sm.store.Get(r, ownerCookie)
	if err != nil || s.IsNew {
		return nil, ErrSessionNotFound
	}

	data := &SessionData{
		UserID:    str(s, keyOwnerID),
		Email:     str(s, keyEmail),
		Name:      str(s, keyName),
		CSRFToken: str(s, keyCSRF),
	}
	if data.UserID == "" {
		return nil, ErrSessionNotFound
	}
	if data.CSRFToken == "" {
		return nil, ErrInvalidSession
	}

	signedIn, _ := s.Values[keySignedIn].(int64)
	if sm.maxAge > 0 && sm.now().Sub(time.Unix(signedIn, 0)) > sm.maxAge {
		return nil, ErrSessionExpired
	}
	return data, nil
}

// Set signs data's owner in on w. Any earlier owner's values are discarded,
// and a CSRF token is minted when data has none.
func (sm *SessionManager) Set(w http.ResponseWriter, r *http.Request, data *SessionData) error {
	if data.UserID == "" {
		return ErrInvalidSession
	}
	if data.CSRFToken == "" {
		token, err := randomToken(32)
		if err != nil {
			return err
		}
		data.CSRFToken = token
	}

	s := sm.fresh(ownerCookie)
	s.Values[keyOwnerID] = data.UserID
	s.Values[keyEmail] = data.Email
	s.Values[keyName] = data.Name
	s.Values[keyCSRF] = data.CSRFToken
	s.Values[keySignedIn] = sm.now().Unix()
	return s.Save(r, w)
}

// Clear signs the owner out.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) error {
	s := sm.fresh(ownerCookie)
	s.Options.MaxAge = -1
	return s.Save(r, w)
}

// SetOAuthState records the state of a login in progress.
func (sm *SessionManager) SetOAuthState(w http.ResponseWriter, r *http.Request, state string) error {
	s := sm.fresh(loginCookie)
	s.Options.MaxAge = loginMaxAge
	s.AddFlash(state, keyState)
	return s.Save(r, w)
}

// GetOAuthState consumes the login state; a second call fails.
func (sm *SessionManager) GetOAuthState(w http.ResponseWriter, r *http.Request) (string, error) {
	s, err := sm.store.Get(r, loginCookie)
	if err != nil || s.IsNew {
		return "", ErrSessionNotFound
	}

	flashes := s.Flashes(keyState)
	s.Options.MaxAge = -1
	if err := s.Save(r, w); err != nil {
		return "", err
	}

	if len(flashes) != 1 {
		return "", ErrInvalidSession
	}
	state, _ := flashes[0].(string)
	if state == "" {
		return "", ErrInvalidSession
	}
	return state, nil
}

// GenerateState returns a random OAuth state value.
func GenerateState() (string, error) {
	return randomToken(32)
}

// fresh returns an empty session for name carrying the store's options.
func (sm *SessionManager) fresh(name string) *sessions.Session {
	s := sessions.NewSession(sm.store, name)
	opts := *sm.store.Options
	s.Options = &opts
	s.IsNew = true
	return s
}

func str(s *sessions.Session, key string) string {
	v, _ := s.Values[key].(string)
	return v
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
