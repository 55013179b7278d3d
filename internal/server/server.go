// Package server exposes the engine over HTTP: the polling endpoint for
// discrete exchanges and the websocket endpoint for persistent streams
// and transport upgrades.
package server

import (
	"net/http"
	"time"

	"github.com/switchboard-rt/switchboard/internal/node"
	"github.com/switchboard-rt/switchboard/internal/protocol"

	"github.com/gorilla/securecookie"
	"github.com/segmentio/encoding/json"
)

const sessionCookieName = "sb_sid"

// Config contains options shared by connection handlers.
type Config struct {
	// PollTimeout bounds how long one discrete exchange may be held open
	// waiting for data.
	PollTimeout time.Duration
	// WriteTimeout is a maximum time of one websocket write operation.
	WriteTimeout time.Duration
	// CookieSecret signs the session cookie used for sticky routing. A
	// random per-process key is generated when empty, which is fine for a
	// single node but breaks cookie continuity across restarts.
	CookieSecret string
	// CheckOrigin authorizes cross-origin requests.
	CheckOrigin func(r *http.Request) bool
}

// Server holds the state shared by connection handlers.
type Server struct {
	node   *node.Node
	config Config
	cookie *securecookie.SecureCookie
}

// New creates a Server.
func New(n *node.Node, c Config) *Server {
	if c.PollTimeout == 0 {
		c.PollTimeout = 25 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = time.Second
	}
	hashKey := []byte(c.CookieSecret)
	if len(hashKey) == 0 {
		hashKey = securecookie.GenerateRandomKey(32)
	}
	return &Server{
		node:   n,
		config: c,
		cookie: securecookie.New(hashKey, nil),
	}
}

// sessionID extracts the session identifier of a request: the sid query
// parameter wins, the signed session cookie is the fallback for clients
// which lost the parameter on redirect.
func (s *Server) sessionID(r *http.Request) string {
	if sid := r.URL.Query().Get("sid"); sid != "" {
		return sid
	}
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	var sid string
	if err := s.cookie.Decode(sessionCookieName, cookie.Value, &sid); err != nil {
		return ""
	}
	return sid
}

// setSessionCookie signs and sets the session cookie. Load balancers key
// on it for sticky routing of the discrete exchanges.
func (s *Server) setSessionCookie(w http.ResponseWriter, sid string) {
	encoded, err := s.cookie.Encode(sessionCookieName, sid)
	if err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func writeProtocolError(w http.ResponseWriter, err error) {
	protoErr, ok := err.(*protocol.Error)
	if !ok {
		protoErr = protocol.ErrBadRequest
	}
	data, marshalErr := protocol.MarshalFrame(protocol.NewErrorFrame(protoErr))
	if marshalErr != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write(data)
}

func writeFrames(w http.ResponseWriter, frames [][]byte) {
	w.Header().Set("Content-Type", "application/json")
	raw := make([]json.RawMessage, 0, len(frames))
	for _, f := range frames {
		raw = append(raw, json.RawMessage(f))
	}
	data, err := json.Marshal(raw)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
