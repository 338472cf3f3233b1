// Package visual holds the state shared between a voice session and whatever renders it.
package visual

import "sync"

// Source names which stream currently drives the amplitude scale.
type Source string

const (
	SourceNone      Source = ""
	SourceMic       Source = "mic"
	SourceAssistant Source = "assistant"
)

type Snapshot struct {
	Scale    float64
	Speaking bool
	Ready    bool
	Source   Source
}

// State is passed by reference from the session to visual consumers. Listeners are
// invoked synchronously after each change, outside the lock.
type State struct {
	mu        sync.RWMutex
	snap      Snapshot
	rest      float64
	listeners []func(Snapshot)
}

// NewState returns a state resting at scale rest.
func NewState(rest float64) *State {
	return &State{rest: rest, snap: Snapshot{Scale: rest}}
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *State) Scale() float64 {
	return s.Snapshot().Scale
}

func (s *State) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *State) SetScale(scale float64) {
	s.update(func(sn *Snapshot) { sn.Scale = scale })
}

func (s *State) SetSpeaking(speaking bool) {
	s.update(func(sn *Snapshot) { sn.Speaking = speaking })
}

func (s *State) SetReady(ready bool) {
	s.update(func(sn *Snapshot) { sn.Ready = ready })
}

func (s *State) SetSource(src Source) {
	s.update(func(sn *Snapshot) { sn.Source = src })
}

// Rest returns the scale to rest and clears the source, keeping the other flags.
func (s *State) Rest() {
	s.update(func(sn *Snapshot) {
		sn.Scale = s.rest
		sn.Source = SourceNone
	})
}

// Reset returns to the resting scale with no source.
func (s *State) Reset() {
	s.update(func(sn *Snapshot) { *sn = Snapshot{Scale: s.rest} })
}

func (s *State) update(fn func(*Snapshot)) {
	s.mu.Lock()
	prev := s.snap
	fn(&s.snap)
	next := s.snap
	listeners := s.listeners
	s.mu.Unlock()
	if prev == next {
		return
	}
	for _, l := range listeners {
		l(next)
	}
}
