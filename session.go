// Guessing game session state.
//
// A session is created by one participant (the game master), joined by
// others with the shared session code, and holds at most one live round
// at a time: a question/answer pair, a per-player guess allowance, and a
// deadline after which the round force-ends with no winner.
//
// Lifecycle:
// - Created on create-session with the master as sole participant
// - Deleted the instant its participant list empties
// - If the master leaves, the first remaining participant is promoted
// - A round needs at least two participants and resets every player's
//   guess allowance to three
// - The first correct guess (case-insensitive, trimmed) wins the round
//   and earns the winner ten points

package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	RoleGameMaster = "game-master"
	RolePlayer     = "player"

	attemptsPerRound = 3
	winnerBonus      = 10
)

// User is one participant, tied to a single websocket connection.
type User struct {
	ID           string
	Name         string
	Role         string
	Score        int
	AttemptsLeft int
}

func newUser(id, name, role string) *User {
	return &User{
		ID:           id,
		Name:         name,
		Role:         role,
		AttemptsLeft: attemptsPerRound,
	}
}

// Session holds the state of one game. Players keeps join order; the
// master is always also present in Players. Answer is stored lowercased
// and is non-empty only while a round is live, as is ExpiresAt.
type Session struct {
	ID         string
	GameMaster *User
	Players    []*User
	Question   string
	Answer     string
	Started    bool
	Winner     *User
	ExpiresAt  time.Time

	// round increments on every StartGame. Deadline expiries carry
	// the round they were armed for, so one that outlived its round
	// can be told apart from the current round's.
	round uint64

	lastActive time.Time
}

func (s *Session) player(userID string) *User {
	for _, p := range s.Players {
		if p.ID == userID {
			return p
		}
	}
	return nil
}

// SessionManager owns the session table and one pending deadline timer
// per active session. It is safe for concurrent use, though in practice
// the gateway dispatcher is the only writer.
type SessionManager struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	sessions map[string]*Session
	timers   map[string]clockwork.Timer
}

func newSessionManager(clock clockwork.Clock) *SessionManager {
	return &SessionManager{
		clock:    clock,
		sessions: make(map[string]*Session),
		timers:   make(map[string]clockwork.Timer),
	}
}

// CreateSession registers a new session with the master as sole
// participant. Callers use random session IDs, so a collision here
// means a caller bug rather than bad luck.
func (m *SessionManager) CreateSession(sessionID string, master *User) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sessionID]; exists {
		return nil, fmt.Errorf("session %q already exists", sessionID)
	}

	session := &Session{
		ID:         sessionID,
		GameMaster: master,
		Players:    []*User{master},
		lastActive: m.clock.Now(),
	}
	m.sessions[sessionID] = session

	return session, nil
}

func (m *SessionManager) GetSession(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	return session, ok
}

// JoinSession appends the user to the session's participant list.
// It fails if the session is missing, already started, or the user
// is already a participant.
func (m *SessionManager) JoinSession(sessionID string, user *User) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok || session.Started {
		return false
	}
	if session.player(user.ID) != nil {
		return false
	}

	session.Players = append(session.Players, user)
	session.lastActive = m.clock.Now()

	return true
}

// LeaveSession removes the participant. The session is deleted the
// moment it empties; otherwise, if the departing participant was the
// master, the first remaining participant is promoted. No-op if the
// session or participant is absent.
func (m *SessionManager) LeaveSession(sessionID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return
	}

	dst := session.Players[:0]
	for _, p := range session.Players {
		if p.ID == userID {
			continue
		}
		dst = append(dst, p)
	}
	session.Players = dst

	if len(session.Players) == 0 {
		m.clearTimerLocked(sessionID)
		delete(m.sessions, sessionID)
		return
	}

	if session.GameMaster.ID == userID {
		session.GameMaster = session.Players[0]
		session.GameMaster.Role = RoleGameMaster
	}

	session.lastActive = m.clock.Now()
}

// StartGame begins a round: it stores the question, lowercases the
// answer, clears any prior winner, resets every participant's attempts,
// and stamps the round deadline. It fails if the session is missing,
// already started, or has fewer than two participants. Any pending
// timer from a previous round is cancelled first so a restart can
// never leave two deadlines armed.
func (m *SessionManager) StartGame(sessionID, question, answer string, duration time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok || session.Started || len(session.Players) < 2 {
		return false
	}

	m.clearTimerLocked(sessionID)

	session.Question = question
	session.Answer = strings.ToLower(answer)
	session.Started = true
	session.Winner = nil
	session.round++
	for _, p := range session.Players {
		p.AttemptsLeft = attemptsPerRound
	}
	session.ExpiresAt = m.clock.Now().Add(duration)
	session.lastActive = m.clock.Now()

	return true
}

// EndGame cancels any pending timer and resets the round fields.
// Idempotent on a missing session.
func (m *SessionManager) EndGame(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clearTimerLocked(sessionID)

	session, ok := m.sessions[sessionID]
	if !ok {
		return
	}

	session.Started = false
	session.Question = ""
	session.Answer = ""
	session.Winner = nil
	session.ExpiresAt = time.Time{}
	session.lastActive = m.clock.Now()
}

// SetWinner records the participant as the round winner and grants the
// score bonus. No-op if the session or participant is absent.
func (m *SessionManager) SetWinner(sessionID, winnerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return
	}

	winner := session.player(winnerID)
	if winner == nil {
		return
	}

	session.Winner = winner
	winner.Score += winnerBonus
	session.lastActive = m.clock.Now()
}

// DecrementAttempts burns one guess attempt for a player and reports
// how many remain. It returns false when the session or player is
// unknown or the player has no attempts left.
func (m *SessionManager) DecrementAttempts(sessionID, userID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return 0, false
	}

	user := session.player(userID)
	if user == nil || user.AttemptsLeft <= 0 {
		return 0, false
	}

	user.AttemptsLeft--
	session.lastActive = m.clock.Now()

	return user.AttemptsLeft, true
}

// SetTimer attaches the pending deadline timer for a session,
// replacing (and stopping) any existing one.
func (m *SessionManager) SetTimer(sessionID string, timer clockwork.Timer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.timers[sessionID]; ok {
		existing.Stop()
	}
	m.timers[sessionID] = timer
}

func (m *SessionManager) ClearTimer(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clearTimerLocked(sessionID)
}

func (m *SessionManager) clearTimerLocked(sessionID string) {
	if timer, ok := m.timers[sessionID]; ok {
		timer.Stop()
		delete(m.timers, sessionID)
	}
}

// Touch refreshes a session's idle clock without mutating game state.
func (m *SessionManager) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.sessions[sessionID]; ok {
		session.lastActive = m.clock.Now()
	}
}

// ReapIdle removes every session whose last activity predates cutoff,
// cancelling its timer, and returns the removed session IDs so the
// caller can close the associated connections.
func (m *SessionManager) ReapIdle(cutoff time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reaped []string
	for id, session := range m.sessions {
		if session.lastActive.Before(cutoff) {
			m.clearTimerLocked(id)
			delete(m.sessions, id)
			reaped = append(reaped, id)
		}
	}
	return reaped
}
