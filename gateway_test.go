package main

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupGateway(t *testing.T) (*Gateway, *clockwork.FakeClock) {
	t.Helper()

	cfg := &Config{
		roundDuration:  time.Minute,
		sessionTimeout: time.Hour,
	}
	clock := clockwork.NewFakeClock()
	gw := newGateway(cfg, newSessionManager(clock), clock)

	return gw, clock
}

// newTestClient builds a client the way serveWS does, minus the
// websocket connection; handlers never touch the conn.
func newTestClient(g *Gateway) *Client {
	c := &Client{
		send: make(chan any, 64),
		id:   uuid.NewString(),
	}
	g.clients[c] = true
	return c
}

// drain empties the client's send buffer and returns what was queued.
func drain(c *Client) []any {
	var msgs []any
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func createSession(t *testing.T, g *Gateway, c *Client, name string) string {
	t.Helper()

	g.handleEvent(c, ClientMessage{Type: "create-session", Name: name})

	for _, msg := range drain(c) {
		if result, ok := msg.(CreateResultMessage); ok {
			require.True(t, result.Success)
			require.NotEmpty(t, result.SessionID)
			return result.SessionID
		}
	}
	t.Fatal("no create-result received")
	return ""
}

func joinSession(t *testing.T, g *Gateway, c *Client, sessionID, name string) {
	t.Helper()

	g.handleEvent(c, ClientMessage{Type: "join-session", SessionID: sessionID, Name: name})

	for _, msg := range drain(c) {
		if result, ok := msg.(JoinResultMessage); ok {
			require.True(t, result.Success)
			return
		}
	}
	t.Fatal("no join-result received")
}

func startRound(t *testing.T, g *Gateway, c *Client, sessionID, question, answer string) {
	t.Helper()

	g.handleEvent(c, ClientMessage{Type: "start-game", SessionID: sessionID, Question: question, Answer: answer})

	for _, msg := range drain(c) {
		if result, ok := msg.(StartResultMessage); ok {
			require.True(t, result.Success)
			return
		}
	}
	t.Fatal("no start-result received")
}

func lastSessionUpdate(t *testing.T, msgs []any) SessionUpdateMessage {
	t.Helper()

	var update SessionUpdateMessage
	found := false
	for _, msg := range msgs {
		if u, ok := msg.(SessionUpdateMessage); ok {
			update = u
			found = true
		}
	}
	require.True(t, found, "no session-update received")
	return update
}

func TestCreateSessionEvent(t *testing.T) {
	g, _ := setupGateway(t)
	c := newTestClient(g)

	g.handleEvent(c, ClientMessage{Type: "create-session", Name: "Ava"})

	msgs := drain(c)
	require.NotEmpty(t, msgs)

	result, ok := msgs[0].(CreateResultMessage)
	require.True(t, ok)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.SessionID)

	update := lastSessionUpdate(t, msgs)
	assert.Equal(t, result.SessionID, update.Session.ID)
	assert.Equal(t, "Ava", update.Session.GameMaster.Name)
	assert.Equal(t, RoleGameMaster, update.Session.GameMaster.Role)
	require.Len(t, update.Session.Players, 1)
	assert.False(t, update.Session.Started)

	assert.Equal(t, result.SessionID, c.sessionID)
}

func TestCreateSessionRequiresName(t *testing.T) {
	g, _ := setupGateway(t)
	c := newTestClient(g)

	g.handleEvent(c, ClientMessage{Type: "create-session", Name: "   "})

	msgs := drain(c)
	require.Len(t, msgs, 1)
	result, ok := msgs[0].(CreateResultMessage)
	require.True(t, ok)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestJoinSessionEvent(t *testing.T) {
	g, _ := setupGateway(t)
	master := newTestClient(g)
	player := newTestClient(g)

	sessionID := createSession(t, g, master, "Ava")
	drain(master)

	joinSession(t, g, player, sessionID, "Ben")

	// Both room members got the fresh state
	update := lastSessionUpdate(t, drain(master))
	require.Len(t, update.Session.Players, 2)
	assert.Equal(t, "Ben", update.Session.Players[1].Name)
	assert.Equal(t, RolePlayer, update.Session.Players[1].Role)
}

func TestJoinSessionRejections(t *testing.T) {
	g, _ := setupGateway(t)
	master := newTestClient(g)
	player := newTestClient(g)
	late := newTestClient(g)

	sessionID := createSession(t, g, master, "Ava")
	joinSession(t, g, player, sessionID, "Ben")
	drain(master)
	drain(player)

	// Missing session
	g.handleEvent(late, ClientMessage{Type: "join-session", SessionID: "nope", Name: "Cam"})
	msgs := drain(late)
	require.Len(t, msgs, 1)
	result, ok := msgs[0].(JoinResultMessage)
	require.True(t, ok)
	assert.False(t, result.Success)

	// Started session
	startRound(t, g, master, sessionID, "2+2?", "4")
	g.handleEvent(late, ClientMessage{Type: "join-session", SessionID: sessionID, Name: "Cam"})
	msgs = drain(late)
	require.Len(t, msgs, 1)
	result, ok = msgs[0].(JoinResultMessage)
	require.True(t, ok)
	assert.False(t, result.Success)
}

func TestStartGameEvent(t *testing.T) {
	g, _ := setupGateway(t)
	master := newTestClient(g)
	player := newTestClient(g)

	sessionID := createSession(t, g, master, "Ava")

	// Not enough players
	g.handleEvent(master, ClientMessage{Type: "start-game", SessionID: sessionID, Question: "2+2?", Answer: "4"})
	msgs := drain(master)
	require.Len(t, msgs, 1)
	startResult, ok := msgs[0].(StartResultMessage)
	require.True(t, ok)
	assert.False(t, startResult.Success)

	joinSession(t, g, player, sessionID, "Ben")
	drain(master)
	drain(player)

	// Only the master may start
	g.handleEvent(player, ClientMessage{Type: "start-game", SessionID: sessionID, Question: "2+2?", Answer: "4"})
	msgs = drain(player)
	require.Len(t, msgs, 1)
	startResult, ok = msgs[0].(StartResultMessage)
	require.True(t, ok)
	assert.False(t, startResult.Success)

	// Master starts: game-started precedes session-update
	g.handleEvent(master, ClientMessage{Type: "start-game", SessionID: sessionID, Question: "2+2?", Answer: "FOUR"})

	playerMsgs := drain(player)
	started, ok := playerMsgs[0].(GameStartedMessage)
	require.True(t, ok)
	assert.Equal(t, "2+2?", started.Question)

	playerUpdate := lastSessionUpdate(t, playerMsgs)
	assert.True(t, playerUpdate.Session.Started)
	require.NotNil(t, playerUpdate.Session.Question)
	assert.Equal(t, "2+2?", *playerUpdate.Session.Question)
	assert.Nil(t, playerUpdate.Session.Answer, "players must not see the answer mid-round")
	require.NotNil(t, playerUpdate.Session.ExpiresAt)
	for _, p := range playerUpdate.Session.Players {
		assert.Equal(t, attemptsPerRound, p.AttemptsLeft)
	}

	masterUpdate := lastSessionUpdate(t, drain(master))
	require.NotNil(t, masterUpdate.Session.Answer)
	assert.Equal(t, "four", *masterUpdate.Session.Answer)

	// Already started
	g.handleEvent(master, ClientMessage{Type: "start-game", SessionID: sessionID, Question: "3+3?", Answer: "6"})
	msgs = drain(master)
	require.Len(t, msgs, 1)
	startResult, ok = msgs[0].(StartResultMessage)
	require.True(t, ok)
	assert.False(t, startResult.Success)
}

func TestGuessFlow(t *testing.T) {
	g, _ := setupGateway(t)
	master := newTestClient(g)
	player := newTestClient(g)

	sessionID := createSession(t, g, master, "Ava")
	joinSession(t, g, player, sessionID, "Ben")
	startRound(t, g, master, sessionID, "2+2?", "4")
	drain(master)
	drain(player)

	// Incorrect guess burns an attempt but keeps the round alive
	g.handleEvent(player, ClientMessage{Type: "guess", SessionID: sessionID, Guess: "3"})

	playerMsgs := drain(player)
	var guessResult GuessResultMessage
	for _, msg := range playerMsgs {
		if r, ok := msg.(GuessResultMessage); ok {
			guessResult = r
		}
	}
	assert.True(t, guessResult.Success)
	assert.False(t, guessResult.Correct)
	require.NotNil(t, guessResult.AttemptsLeft)
	assert.Equal(t, 2, *guessResult.AttemptsLeft)

	update := lastSessionUpdate(t, playerMsgs)
	assert.True(t, update.Session.Started)
	assert.Equal(t, 2, update.Session.Players[1].AttemptsLeft)

	// Correct guess (whitespace and case are forgiven) ends the round
	g.handleEvent(player, ClientMessage{Type: "guess", SessionID: sessionID, Guess: "  4 "})

	masterMsgs := drain(master)
	ended, ok := masterMsgs[0].(GameEndedMessage)
	require.True(t, ok)
	assert.Equal(t, "4", ended.Answer)
	require.NotNil(t, ended.Winner)
	assert.Equal(t, "Ben", ended.Winner.Name)

	update = lastSessionUpdate(t, masterMsgs)
	assert.False(t, update.Session.Started)
	assert.Nil(t, update.Session.Answer)
	assert.Nil(t, update.Session.Question)
	assert.Equal(t, winnerBonus, update.Session.Players[1].Score)

	playerMsgs = drain(player)
	for _, msg := range playerMsgs {
		if r, ok := msg.(GuessResultMessage); ok {
			guessResult = r
		}
	}
	assert.True(t, guessResult.Success)
	assert.True(t, guessResult.Correct)

	// The round is over; further guesses are rejected, not ignored
	g.handleEvent(player, ClientMessage{Type: "guess", SessionID: sessionID, Guess: "4"})
	playerMsgs = drain(player)
	require.Len(t, playerMsgs, 1)
	rejected, ok := playerMsgs[0].(GuessResultMessage)
	require.True(t, ok)
	assert.False(t, rejected.Success)
	assert.NotEmpty(t, rejected.Error)
}

func TestGuessAttemptsExhausted(t *testing.T) {
	g, _ := setupGateway(t)
	master := newTestClient(g)
	player := newTestClient(g)

	sessionID := createSession(t, g, master, "Ava")
	joinSession(t, g, player, sessionID, "Ben")
	startRound(t, g, master, sessionID, "capital of France?", "Paris")
	drain(player)

	for i := 0; i < attemptsPerRound; i++ {
		g.handleEvent(player, ClientMessage{Type: "guess", SessionID: sessionID, Guess: "London"})
	}

	var last GuessResultMessage
	for _, msg := range drain(player) {
		if r, ok := msg.(GuessResultMessage); ok {
			last = r
		}
	}
	require.NotNil(t, last.AttemptsLeft)
	assert.Equal(t, 0, *last.AttemptsLeft)

	// Fourth wrong guess is rejected and attempts never go below zero
	g.handleEvent(player, ClientMessage{Type: "guess", SessionID: sessionID, Guess: "Rome"})
	msgs := drain(player)
	require.Len(t, msgs, 1)
	rejected, ok := msgs[0].(GuessResultMessage)
	require.True(t, ok)
	assert.False(t, rejected.Success)

	session, found := g.mgr.GetSession(sessionID)
	require.True(t, found)
	assert.Equal(t, 0, session.player(player.id).AttemptsLeft)
	assert.True(t, session.Started, "round stays live for other players")
}

func TestGuessWithoutRound(t *testing.T) {
	g, _ := setupGateway(t)
	master := newTestClient(g)
	player := newTestClient(g)

	sessionID := createSession(t, g, master, "Ava")
	joinSession(t, g, player, sessionID, "Ben")
	drain(player)

	g.handleEvent(player, ClientMessage{Type: "guess", SessionID: sessionID, Guess: "4"})

	msgs := drain(player)
	require.Len(t, msgs, 1)
	result, ok := msgs[0].(GuessResultMessage)
	require.True(t, ok)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestRoundExpiry(t *testing.T) {
	g, clock := setupGateway(t)
	master := newTestClient(g)
	player := newTestClient(g)

	sessionID := createSession(t, g, master, "Ava")
	joinSession(t, g, player, sessionID, "Ben")
	startRound(t, g, master, sessionID, "2+2?", "4")
	drain(master)
	drain(player)

	clock.Advance(time.Minute)

	select {
	case expired := <-g.expiries:
		assert.Equal(t, sessionID, expired.sessionID)
		g.handleExpiry(expired)
	case <-time.After(time.Second):
		t.Fatal("deadline did not fire")
	}

	msgs := drain(player)
	ended, ok := msgs[0].(GameEndedMessage)
	require.True(t, ok)
	assert.Equal(t, "4", ended.Answer)
	assert.Nil(t, ended.Winner)

	update := lastSessionUpdate(t, msgs)
	assert.False(t, update.Session.Started)
	assert.Nil(t, update.Session.Answer)
}

func TestCorrectGuessCancelsDeadline(t *testing.T) {
	g, clock := setupGateway(t)
	master := newTestClient(g)
	player := newTestClient(g)

	sessionID := createSession(t, g, master, "Ava")
	joinSession(t, g, player, sessionID, "Ben")
	startRound(t, g, master, sessionID, "2+2?", "4")

	g.handleEvent(player, ClientMessage{Type: "guess", SessionID: sessionID, Guess: "4"})

	clock.Advance(2 * time.Minute)
	assert.Empty(t, g.expiries, "cancelled deadline must not fire")
}

func TestRestartReplacesDeadline(t *testing.T) {
	g, clock := setupGateway(t)
	master := newTestClient(g)
	player := newTestClient(g)

	sessionID := createSession(t, g, master, "Ava")
	joinSession(t, g, player, sessionID, "Ben")

	startRound(t, g, master, sessionID, "2+2?", "4")
	g.handleEvent(player, ClientMessage{Type: "guess", SessionID: sessionID, Guess: "4"})
	drain(master)
	drain(player)

	// A new round thirty seconds later must only fire its own deadline
	clock.Advance(30 * time.Second)
	startRound(t, g, master, sessionID, "3+3?", "6")

	clock.Advance(time.Minute)

	select {
	case expired := <-g.expiries:
		assert.Equal(t, sessionID, expired.sessionID)
	case <-time.After(time.Second):
		t.Fatal("deadline did not fire")
	}
	assert.Empty(t, g.expiries, "exactly one deadline may be armed per session")
}

func TestStaleExpiryIgnoredAfterRestart(t *testing.T) {
	g, clock := setupGateway(t)
	master := newTestClient(g)
	player := newTestClient(g)

	sessionID := createSession(t, g, master, "Ava")
	joinSession(t, g, player, sessionID, "Ben")
	startRound(t, g, master, sessionID, "2+2?", "4")

	// Let the first round's deadline fire and queue its expiry,
	// then end the round and start a fresh one before the
	// dispatcher gets to it.
	clock.Advance(time.Minute)

	var expired roundExpiry
	select {
	case expired = <-g.expiries:
	case <-time.After(time.Second):
		t.Fatal("deadline did not fire")
	}

	g.handleEvent(player, ClientMessage{Type: "guess", SessionID: sessionID, Guess: "4"})
	startRound(t, g, master, sessionID, "3+3?", "6")
	drain(master)
	drain(player)

	g.handleExpiry(expired)

	session, ok := g.mgr.GetSession(sessionID)
	require.True(t, ok)
	assert.True(t, session.Started, "queued expiry from a finished round must not end the next one")
	assert.Empty(t, drain(player), "no game-ended may be broadcast for a stale expiry")
}

func TestMasterLeavesPromotesNext(t *testing.T) {
	g, _ := setupGateway(t)
	master := newTestClient(g)
	player := newTestClient(g)

	sessionID := createSession(t, g, master, "Ava")
	joinSession(t, g, player, sessionID, "Ben")
	drain(player)

	g.handleEvent(master, ClientMessage{Type: "leave-session", SessionID: sessionID})

	update := lastSessionUpdate(t, drain(player))
	assert.Equal(t, "Ben", update.Session.GameMaster.Name)
	assert.Equal(t, RoleGameMaster, update.Session.GameMaster.Role)
	require.Len(t, update.Session.Players, 1)
}

func TestLastLeaveDeletesSession(t *testing.T) {
	g, _ := setupGateway(t)
	master := newTestClient(g)

	sessionID := createSession(t, g, master, "Ava")

	g.handleEvent(master, ClientMessage{Type: "leave-session", SessionID: sessionID})

	_, ok := g.mgr.GetSession(sessionID)
	assert.False(t, ok)
	assert.Empty(t, g.rooms)
	assert.Empty(t, master.sessionID)
}

func TestDisconnectLeavesSession(t *testing.T) {
	g, _ := setupGateway(t)
	master := newTestClient(g)
	player := newTestClient(g)

	sessionID := createSession(t, g, master, "Ava")
	joinSession(t, g, player, sessionID, "Ben")
	drain(master)

	g.handleDisconnect(player)

	update := lastSessionUpdate(t, drain(master))
	require.Len(t, update.Session.Players, 1)
	assert.Equal(t, "Ava", update.Session.Players[0].Name)

	_, registered := g.clients[player]
	assert.False(t, registered)
}

func TestReapIdleClosesRoom(t *testing.T) {
	g, clock := setupGateway(t)
	master := newTestClient(g)
	player := newTestClient(g)

	sessionID := createSession(t, g, master, "Ava")
	joinSession(t, g, player, sessionID, "Ben")
	drain(master)
	drain(player)

	clock.Advance(2 * time.Hour)
	g.reapIdle()

	_, ok := g.mgr.GetSession(sessionID)
	assert.False(t, ok)
	assert.Empty(t, g.rooms)

	msgs := drain(player)
	require.NotEmpty(t, msgs)
	closed, isSimple := msgs[0].(SimpleMessage)
	require.True(t, isSimple)
	assert.Equal(t, "session-closed", closed.Type)
}
