// Package session tracks per-moderator conversation state. State lives in
// memory only; a restart drops every session and moderators fall back to the
// action menu.
package session

import "sync"

type Mode string

const (
	ModeIdle              Mode = "idle"
	ModeEditing           Mode = "editing"
	ModeAwaitingPhoto     Mode = "awaiting_photo"
	ModeSelectingChannels Mode = "selecting_channels"
)

// Session is one moderator's pending interaction. Channels carries the
// working channel selection; PublishIntent marks an approve flow that is
// waiting on an image pick before publishing.
type Session struct {
	Mode          Mode
	DraftID       int64
	Channels      map[string]bool
	PublishIntent bool
}

// Store holds sessions keyed by moderator ID. Beginning a new interaction
// overwrites whatever the moderator was doing before: the last action wins.
type Store struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewStore() *Store {
	return &Store{sessions: map[string]Session{}}
}

// Get returns the moderator's session, idle if none exists.
func (s *Store) Get(moderatorID string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[moderatorID]
	if !ok {
		return Session{Mode: ModeIdle}
	}
	return sess
}

// BeginEditing puts the moderator into edit mode for a draft.
func (s *Store) BeginEditing(moderatorID string, draftID int64) {
	s.set(moderatorID, Session{Mode: ModeEditing, DraftID: draftID})
}

// BeginAwaitingPhoto waits for a photo upload before publishing to the
// given channels.
func (s *Store) BeginAwaitingPhoto(moderatorID string, draftID int64, channels map[string]bool) {
	s.set(moderatorID, Session{Mode: ModeAwaitingPhoto, DraftID: draftID, Channels: cloneSet(channels)})
}

// BeginSelectingChannels starts channel selection for a draft.
func (s *Store) BeginSelectingChannels(moderatorID string, draftID int64, publishIntent bool) {
	s.set(moderatorID, Session{Mode: ModeSelectingChannels, DraftID: draftID, Channels: map[string]bool{}, PublishIntent: publishIntent})
}

// ToggleChannel flips one channel in the working selection and returns the
// updated session. Toggling outside channel selection is a no-op.
func (s *Store) ToggleChannel(moderatorID, channel string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[moderatorID]
	if !ok || sess.Mode != ModeSelectingChannels {
		return Session{Mode: ModeIdle}, false
	}
	if sess.Channels == nil {
		sess.Channels = map[string]bool{}
	}
	if sess.Channels[channel] {
		delete(sess.Channels, channel)
	} else {
		sess.Channels[channel] = true
	}
	s.sessions[moderatorID] = sess
	return sess, true
}

// SetPublishIntent marks or clears the pending-publish flag on the current
// session.
func (s *Store) SetPublishIntent(moderatorID string, intent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[moderatorID]
	if !ok {
		return
	}
	sess.PublishIntent = intent
	s.sessions[moderatorID] = sess
}

// Clear returns the moderator to idle.
func (s *Store) Clear(moderatorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, moderatorID)
}

func (s *Store) set(moderatorID string, sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[moderatorID] = sess
}

func cloneSet(in map[string]bool) map[string]bool {
	out := map[string]bool{}
	for k, v := range in {
		if v {
			out[k] = true
		}
	}
	return out
}

// SelectedChannels returns the session's channel set as a sorted-insensitive
// slice. Order is not significant to callers.
func (sess Session) SelectedChannels() []string {
	var out []string
	for ch, on := range sess.Channels {
		if on {
			out = append(out, ch)
		}
	}
	return out
}
