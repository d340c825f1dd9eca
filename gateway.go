// Guessing game event gateway.
//
// Clients connect over a websocket and drive everything with named
// events: create-session, join-session, start-game, guess and
// leave-session. Each event is validated, applied to the session
// store, acknowledged to the requester, and followed by a fresh
// session-update broadcast to every connection in that session's room.
//
// All mutations happen on a single dispatcher goroutine: inbound
// events, disconnects, round-deadline expiries and idle reaping are
// drained from channels by run(), so one event is handled to
// completion before the next is processed. The deadline timer is the
// only concurrent construct, and it only posts the session ID and the
// round it was armed for back into the dispatcher rather than touching
// state itself.

package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients
type ClientMessage struct {
	Type      string `json:"type"`                // "create-session", "join-session", "start-game", "guess", "leave-session"
	Name      string `json:"name,omitempty"`      // create-session / join-session
	SessionID string `json:"sessionId,omitempty"` // join-session / start-game / guess / leave-session
	Question  string `json:"question,omitempty"`  // start-game
	Answer    string `json:"answer,omitempty"`    // start-game
	Guess     string `json:"guess,omitempty"`     // guess
}

// UserView is the client-facing shape of a participant.
type UserView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	Score        int    `json:"score"`
	AttemptsLeft int    `json:"attemptsLeft"`
}

// SessionView is the client-facing shape of a session, broadcast on
// every session-update. The answer field is filled in only for the
// game master while a round is live; everyone else sees null until
// the round ends.
type SessionView struct {
	ID         string     `json:"id"`
	GameMaster UserView   `json:"gameMaster"`
	Players    []UserView `json:"players"`
	Question   *string    `json:"question"`
	Answer     *string    `json:"answer"`
	Started    bool       `json:"started"`
	Winner     *UserView  `json:"winner"`
	ExpiresAt  *int64     `json:"expiresAt"` // unix milliseconds
}

// CreateResultMessage acknowledges a create-session request.
type CreateResultMessage struct {
	Type      string `json:"type"` // "create-result"
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// JoinResultMessage acknowledges a join-session request.
type JoinResultMessage struct {
	Type    string `json:"type"` // "join-result"
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StartResultMessage acknowledges a start-game request.
type StartResultMessage struct {
	Type    string `json:"type"` // "start-result"
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// GuessResultMessage acknowledges a guess. AttemptsLeft is present
// only on an accepted incorrect guess.
type GuessResultMessage struct {
	Type         string `json:"type"` // "guess-result"
	Success      bool   `json:"success"`
	Correct      bool   `json:"correct"`
	AttemptsLeft *int   `json:"attemptsLeft,omitempty"`
	Error        string `json:"error,omitempty"`
}

// GameStartedMessage announces a new round to the whole room.
type GameStartedMessage struct {
	Type     string `json:"type"` // "game-started"
	Question string `json:"question"`
}

// GameEndedMessage announces the end of a round, revealing the answer.
// Winner is null when the round timed out with no correct guess.
type GameEndedMessage struct {
	Type   string    `json:"type"` // "game-ended"
	Answer string    `json:"answer"`
	Winner *UserView `json:"winner"`
}

// SessionUpdateMessage carries the fresh session state after any mutation.
type SessionUpdateMessage struct {
	Type    string      `json:"type"` // "session-update"
	Session SessionView `json:"session"`
}

// WelcomeMessage is sent immediately on connect so the client knows
// the transient identifier the server will key it by.
type WelcomeMessage struct {
	Type string `json:"type"` // "welcome"
	ID   string `json:"id"`
}

// SimpleMessage is for generic notifications ("session-closed", etc.)
type SimpleMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Client struct {
	conn *websocket.Conn
	send chan any

	// id is the transient connection identifier; it doubles as the
	// participant's user ID, so identity lasts exactly as long as
	// the connection.
	id string

	// sessionID is the session this connection is currently bound
	// to, or empty. Only the dispatcher goroutine touches it.
	sessionID string
}

type clientEvent struct {
	client *Client
	msg    ClientMessage
}

// Gateway owns the rooms (session ID -> connected clients) and the
// single dispatcher that serializes every store mutation.
type Gateway struct {
	cfg   *Config
	mgr   *SessionManager
	clock clockwork.Clock

	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	events     chan clientEvent
	expiries   chan roundExpiry
}

// roundExpiry identifies the exact round a deadline was armed for.
// Stopping a fired timer cannot recall an expiry that is already
// queued, so the dispatcher checks the round before acting on one.
type roundExpiry struct {
	sessionID string
	round     uint64
}

func newGateway(cfg *Config, mgr *SessionManager, clock clockwork.Clock) *Gateway {
	return &Gateway{
		cfg:        cfg,
		mgr:        mgr,
		clock:      clock,
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan clientEvent),
		expiries:   make(chan roundExpiry, 16),
	}
}

func (g *Gateway) run(ctx context.Context) {
	var reap <-chan time.Time
	if g.cfg.sessionTimeout > 0 {
		ticker := g.clock.NewTicker(g.cfg.sessionTimeout / 2)
		defer ticker.Stop()
		reap = ticker.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			for c := range g.clients {
				g.removeClient(c)
			}
			return

		case c := <-g.register:
			g.clients[c] = true
			g.sendTo(c, WelcomeMessage{
				Type: "welcome",
				ID:   c.id,
			})

		case c := <-g.unregister:
			g.handleDisconnect(c)

		case ev := <-g.events:
			g.handleEvent(ev.client, ev.msg)

		case expiry := <-g.expiries:
			g.handleExpiry(expiry)

		case <-reap:
			g.reapIdle()
		}
	}
}

func (g *Gateway) handleEvent(c *Client, msg ClientMessage) {
	switch msg.Type {
	case "create-session":
		g.handleCreate(c, msg)
	case "join-session":
		g.handleJoin(c, msg)
	case "start-game":
		g.handleStart(c, msg)
	case "guess":
		g.handleGuess(c, msg)
	case "leave-session":
		g.handleLeave(c, msg.SessionID)
	default:
		// ignore unknown types
	}
}

func (g *Gateway) handleCreate(c *Client, msg ClientMessage) {
	name := strings.TrimSpace(msg.Name)
	if name == "" {
		g.sendTo(c, CreateResultMessage{
			Type:  "create-result",
			Error: "A name is required.",
		})
		return
	}

	// A connection drives at most one session at a time.
	if c.sessionID != "" {
		g.handleLeave(c, c.sessionID)
	}

	sessionID := uuid.NewString()
	master := newUser(c.id, name, RoleGameMaster)

	if _, err := g.mgr.CreateSession(sessionID, master); err != nil {
		g.sendTo(c, CreateResultMessage{
			Type:  "create-result",
			Error: "Unable to create session.",
		})
		return
	}

	c.sessionID = sessionID
	g.joinRoom(sessionID, c)

	logf(g.cfg, "GAMES: %q created session %s", name, sessionID)

	g.sendTo(c, CreateResultMessage{
		Type:      "create-result",
		Success:   true,
		SessionID: sessionID,
	})
	g.broadcastSessionUpdate(sessionID)
}

func (g *Gateway) handleJoin(c *Client, msg ClientMessage) {
	name := strings.TrimSpace(msg.Name)
	if name == "" || msg.SessionID == "" {
		g.sendTo(c, JoinResultMessage{
			Type:  "join-result",
			Error: "Unable to join session.",
		})
		return
	}

	if c.sessionID != "" {
		g.handleLeave(c, c.sessionID)
	}

	user := newUser(c.id, name, RolePlayer)
	if !g.mgr.JoinSession(msg.SessionID, user) {
		g.sendTo(c, JoinResultMessage{
			Type:  "join-result",
			Error: "Unable to join session.",
		})
		return
	}

	c.sessionID = msg.SessionID
	g.joinRoom(msg.SessionID, c)

	logf(g.cfg, "GAMES: %q joined session %s", name, msg.SessionID)

	g.sendTo(c, JoinResultMessage{
		Type:    "join-result",
		Success: true,
	})
	g.broadcastSessionUpdate(msg.SessionID)
}

func (g *Gateway) handleStart(c *Client, msg ClientMessage) {
	session, ok := g.mgr.GetSession(msg.SessionID)
	if !ok || session.GameMaster.ID != c.id || len(session.Players) < 2 {
		g.sendTo(c, StartResultMessage{
			Type:  "start-result",
			Error: "Not authorized or not enough players.",
		})
		return
	}

	if !g.mgr.StartGame(msg.SessionID, msg.Question, msg.Answer, g.cfg.roundDuration) {
		g.sendTo(c, StartResultMessage{
			Type:  "start-result",
			Error: "Game could not be started.",
		})
		return
	}

	logf(g.cfg, "GAMES: Round started in session %s", msg.SessionID)

	g.broadcastToRoom(msg.SessionID, GameStartedMessage{
		Type:     "game-started",
		Question: msg.Question,
	})

	g.armTimer(msg.SessionID, session.round)

	g.sendTo(c, StartResultMessage{
		Type:    "start-result",
		Success: true,
	})
	g.broadcastSessionUpdate(msg.SessionID)
}

func (g *Gateway) handleGuess(c *Client, msg ClientMessage) {
	session, ok := g.mgr.GetSession(msg.SessionID)
	if !ok || !session.Started || session.Answer == "" {
		g.sendTo(c, GuessResultMessage{
			Type:  "guess-result",
			Error: "Game not in progress.",
		})
		return
	}

	user := session.player(c.id)
	if user == nil || user.AttemptsLeft <= 0 || session.Winner != nil {
		g.sendTo(c, GuessResultMessage{
			Type:  "guess-result",
			Error: "No attempts left or game already won.",
		})
		return
	}

	if strings.ToLower(strings.TrimSpace(msg.Guess)) == session.Answer {
		answer := session.Answer
		g.mgr.SetWinner(msg.SessionID, c.id)

		logf(g.cfg, "GAMES: %q won the round in session %s", user.Name, msg.SessionID)

		winner := userView(user)
		g.broadcastToRoom(msg.SessionID, GameEndedMessage{
			Type:   "game-ended",
			Answer: answer,
			Winner: &winner,
		})
		g.mgr.EndGame(msg.SessionID)
		g.broadcastSessionUpdate(msg.SessionID)

		g.sendTo(c, GuessResultMessage{
			Type:    "guess-result",
			Success: true,
			Correct: true,
		})
		return
	}

	left, ok := g.mgr.DecrementAttempts(msg.SessionID, c.id)
	if !ok {
		g.sendTo(c, GuessResultMessage{
			Type:  "guess-result",
			Error: "No attempts left or game already won.",
		})
		return
	}
	g.broadcastSessionUpdate(msg.SessionID)

	g.sendTo(c, GuessResultMessage{
		Type:         "guess-result",
		Success:      true,
		AttemptsLeft: &left,
	})
}

func (g *Gateway) handleLeave(c *Client, sessionID string) {
	if sessionID == "" {
		return
	}

	g.mgr.LeaveSession(sessionID, c.id)
	g.leaveRoom(sessionID, c)

	if c.sessionID == sessionID {
		c.sessionID = ""
	}

	// The session is already gone if the last participant left.
	if _, ok := g.mgr.GetSession(sessionID); ok {
		g.broadcastSessionUpdate(sessionID)
	}
}

func (g *Gateway) handleDisconnect(c *Client) {
	if _, ok := g.clients[c]; !ok {
		return
	}

	sessionID := c.sessionID
	g.removeClient(c)

	if sessionID != "" {
		g.mgr.LeaveSession(sessionID, c.id)
		if _, ok := g.mgr.GetSession(sessionID); ok {
			g.broadcastSessionUpdate(sessionID)
		}
	}
}

// handleExpiry force-ends a round whose deadline elapsed with no
// correct guess. A stale expiry is dropped: either the round already
// ended, or it ended and a new one started before the expiry was
// drained, in which case the round numbers no longer match.
func (g *Gateway) handleExpiry(expiry roundExpiry) {
	sessionID := expiry.sessionID

	session, ok := g.mgr.GetSession(sessionID)
	if !ok || !session.Started || session.round != expiry.round {
		return
	}

	logf(g.cfg, "GAMES: Round expired in session %s", sessionID)

	g.broadcastToRoom(sessionID, GameEndedMessage{
		Type:   "game-ended",
		Answer: session.Answer,
	})
	g.mgr.EndGame(sessionID)
	g.broadcastSessionUpdate(sessionID)
}

// armTimer replaces the session's pending deadline with a fresh one.
// The callback never mutates state itself; it hands the session ID
// and the armed round to the dispatcher.
func (g *Gateway) armTimer(sessionID string, round uint64) {
	timer := g.clock.AfterFunc(g.cfg.roundDuration, func() {
		g.expiries <- roundExpiry{sessionID: sessionID, round: round}
	})
	g.mgr.SetTimer(sessionID, timer)
}

func (g *Gateway) reapIdle() {
	cutoff := g.clock.Now().Add(-g.cfg.sessionTimeout)

	for _, sessionID := range g.mgr.ReapIdle(cutoff) {
		logf(g.cfg, "GAMES: Reaped idle session %s", sessionID)

		for c := range g.rooms[sessionID] {
			g.sendTo(c, SimpleMessage{
				Type:    "session-closed",
				Message: "The session has been closed due to inactivity.",
			})
			g.removeClient(c)
		}
		delete(g.rooms, sessionID)
	}
}

func (g *Gateway) joinRoom(sessionID string, c *Client) {
	room, ok := g.rooms[sessionID]
	if !ok {
		room = make(map[*Client]bool)
		g.rooms[sessionID] = room
	}
	room[c] = true
}

func (g *Gateway) leaveRoom(sessionID string, c *Client) {
	if room, ok := g.rooms[sessionID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(g.rooms, sessionID)
		}
	}
}

func (g *Gateway) removeClient(c *Client) {
	if _, ok := g.clients[c]; !ok {
		return
	}
	delete(g.clients, c)
	if c.sessionID != "" {
		g.leaveRoom(c.sessionID, c)
	}
	close(c.send)
}

func (g *Gateway) sendTo(c *Client, msg any) {
	if _, ok := g.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		g.removeClient(c)
	}
}

func (g *Gateway) broadcastToRoom(sessionID string, msg any) {
	for c := range g.rooms[sessionID] {
		g.sendTo(c, msg)
	}
}

// broadcastSessionUpdate renders the session once per recipient, since
// the answer field is only visible to the game master mid-round.
func (g *Gateway) broadcastSessionUpdate(sessionID string) {
	session, ok := g.mgr.GetSession(sessionID)
	if !ok {
		return
	}

	for c := range g.rooms[sessionID] {
		g.sendTo(c, SessionUpdateMessage{
			Type:    "session-update",
			Session: sessionViewFor(session, c.id),
		})
	}
}

func userView(u *User) UserView {
	return UserView{
		ID:           u.ID,
		Name:         u.Name,
		Role:         u.Role,
		Score:        u.Score,
		AttemptsLeft: u.AttemptsLeft,
	}
}

// sessionViewFor builds the client-facing session state as seen by one
// recipient. The stored answer is redacted unless the recipient is the
// game master.
func sessionViewFor(s *Session, viewerID string) SessionView {
	view := SessionView{
		ID:         s.ID,
		GameMaster: userView(s.GameMaster),
		Started:    s.Started,
	}

	view.Players = make([]UserView, 0, len(s.Players))
	for _, p := range s.Players {
		view.Players = append(view.Players, userView(p))
	}

	if s.Started {
		question := s.Question
		view.Question = &question

		expiresAt := s.ExpiresAt.UnixMilli()
		view.ExpiresAt = &expiresAt

		if viewerID == s.GameMaster.ID {
			answer := s.Answer
			view.Answer = &answer
		}
	}

	if s.Winner != nil {
		winner := userView(s.Winner)
		view.Winner = &winner
	}

	return view
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// serveWS upgrades the connection and hands it to the gateway. Session
// membership is established through events, not through the URL, so a
// single endpoint serves every session.
func serveWS(cfg *Config, g *Gateway) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
			id:   uuid.NewString(),
		}

		g.register <- client

		go client.writePump()
		client.readPump(g)
	}
}

func (c *Client) readPump(g *Gateway) {
	defer func() {
		g.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		g.events <- clientEvent{
			client: c,
			msg:    msg,
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// QR handler: generates a PNG QR code for the current session URL.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sessionID := ps.ByName("sessionid")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /game/:sessionid/qr; strip trailing "/qr" to get the session URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// registerGuessingGame sets up the game routes:
//   - /game/:sessionid      → HTML client
//   - /game/:sessionid/qr   → PNG QR code for that session URL
//   - /ws                   → shared websocket gateway
func registerGuessingGame(ctx context.Context, cfg *Config, mux *httprouter.Router) *Gateway {
	clock := clockwork.NewRealClock()
	mgr := newSessionManager(clock)
	gw := newGateway(cfg, mgr, clock)
	go gw.run(ctx)

	mux.GET(cfg.prefix+"/game/:sessionid", serveIndex(cfg))
	mux.GET(cfg.prefix+"/game/:sessionid/qr", qrHandler)
	mux.GET(cfg.prefix+"/ws", serveWS(cfg, gw))

	return gw
}
