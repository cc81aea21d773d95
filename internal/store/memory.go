// Package store provides storage backends for marketbot.
//
// This file implements an in-memory store used by tests and as a fallback
// when no database is configured.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tandaumarket/marketbot/internal/models"
)

// InMemoryStore keeps all records in process memory behind one mutex.
// Upsert semantics match the SQL stores: last writer wins, one row per user.
type InMemoryStore struct {
	mu sync.Mutex

	users      map[string]models.User
	sessions   map[string]models.Session
	states     map[string]models.InteractionState
	takeovers  map[string]models.AdminTakeover
	listings   []models.Listing
	botStatus  models.BotStatus
	counters   map[string]memCounter
	recent     map[string][]timedMessage
}

type memCounter struct {
	window    time.Time
	count     int
	updatedAt time.Time
}

type timedMessage struct {
	body string
	at   time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:     make(map[string]models.User),
		sessions:  make(map[string]models.Session),
		states:    make(map[string]models.InteractionState),
		takeovers: make(map[string]models.AdminTakeover),
		botStatus: models.BotStatusRunning,
		counters:  make(map[string]memCounter),
		recent:    make(map[string][]timedMessage),
	}
}

func (s *InMemoryStore) GetUser(userID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *InMemoryStore) UpsertUser(u models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.users[u.ID]; ok {
		u.CreatedAt = existing.CreatedAt
	} else {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	s.users[u.ID] = u
	return nil
}

func (s *InMemoryStore) DeleteUser(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
	delete(s.sessions, userID)
	delete(s.states, userID)
	delete(s.takeovers, userID)
	delete(s.recent, userID)
	for key := range s.counters {
		if strings.HasPrefix(key, userID+"/") {
			delete(s.counters, key)
		}
	}
	kept := s.listings[:0]
	for _, l := range s.listings {
		if l.UserID != userID {
			kept = append(kept, l)
		}
	}
	s.listings = kept
	return nil
}

func (s *InMemoryStore) GetSession(userID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (s *InMemoryStore) UpsertSession(sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.sessions[sess.UserID]; ok {
		sess.CreatedAt = existing.CreatedAt
	} else {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	s.sessions[sess.UserID] = sess
	return nil
}

func (s *InMemoryStore) DeleteSession(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	return nil
}

func (s *InMemoryStore) GetInteractionState(userID string) (*models.InteractionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[userID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *InMemoryStore) UpsertInteractionState(st models.InteractionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.states[st.UserID]; ok {
		st.CreatedAt = existing.CreatedAt
	} else {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	s.states[st.UserID] = st
	return nil
}

func (s *InMemoryStore) GetTakeover(userID string) (*models.AdminTakeover, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.takeovers[userID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *InMemoryStore) SaveTakeover(t models.AdminTakeover) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.takeovers[t.UserID] = t
	return nil
}

func (s *InMemoryStore) GetBotStatus() (models.BotStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.botStatus, nil
}

func (s *InMemoryStore) SetBotStatus(status models.BotStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.botStatus = status
	return nil
}

func (s *InMemoryStore) CreateListing(l models.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	s.listings = append(s.listings, l)
	return nil
}

func (s *InMemoryStore) SearchListings(keyword string, limit int) ([]models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kw := strings.ToLower(keyword)
	var out []models.Listing
	for _, l := range s.listings {
		if !l.Active {
			continue
		}
		if strings.Contains(strings.ToLower(l.Title), kw) ||
			strings.Contains(strings.ToLower(l.Description), kw) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ExpireMemberships(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := 0
	for id, u := range s.users {
		if u.MembershipEnd == nil || !u.MembershipEnd.Before(cutoff) {
			continue
		}
		switch u.Status {
		case models.UserStatusRegistered, models.UserStatusActive, models.UserStatusTrial:
			u.Status = models.UserStatusExpired
			u.UpdatedAt = time.Now()
			s.users[id] = u
			expired++
		}
	}
	return expired, nil
}

func (s *InMemoryStore) IncrementCounter(userID, name string, window time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "/" + name
	c := s.counters[key]
	if !c.window.Equal(window) {
		c = memCounter{window: window}
	}
	c.count++
	c.updatedAt = time.Now()
	s.counters[key] = c
	return c.count, nil
}

func (s *InMemoryStore) AddRecentMessage(userID, text string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.recent[userID], timedMessage{body: text, at: at})
	if len(msgs) > recentMessageKeep {
		msgs = msgs[len(msgs)-recentMessageKeep:]
	}
	s.recent[userID] = msgs
	return nil
}

func (s *InMemoryStore) RecentMessages(userID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.recent[userID]
	var out []string
	for i := len(msgs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, msgs[i].body)
	}
	return out, nil
}

func (s *InMemoryStore) SweepCountersBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := 0
	for key, c := range s.counters {
		if c.updatedAt.Before(cutoff) {
			delete(s.counters, key)
			swept++
		}
	}
	for userID, msgs := range s.recent {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.at.Before(cutoff) {
				swept++
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == 0 {
			delete(s.recent, userID)
		} else {
			s.recent[userID] = kept
		}
	}
	return swept, nil
}
