package service

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/noah-isme/gema-live/internal/dto"
)

// Emitter sends client actions on the push channel.
type Emitter interface {
	Emit(kind, scope string, payload interface{}) error
}

// TypingSignal drives the local user's outbound typing indicator for one
// discussion. Emission is advisory: failures are logged, never returned.
type TypingSignal struct {
	mu           sync.Mutex
	emitter      Emitter
	scope        string
	discussionID string
	limiter      *rate.Limiter
	timeout      time.Duration
	timer        *time.Timer
	generation   uint64
	active       bool
	closed       bool
	onClose      func()
	logger       zerolog.Logger
}

// NewTypingSignal constructs a signal emitting at most once per throttle
// window and stopping by itself after timeout without keystrokes.
func NewTypingSignal(emitter Emitter, scope, discussionID string, throttle, timeout time.Duration, logger zerolog.Logger) *TypingSignal {
	if throttle <= 0 {
		throttle = time.Second
	}
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingSignal{
		emitter:      emitter,
		scope:        scope,
		discussionID: discussionID,
		limiter:      rate.NewLimiter(rate.Every(throttle), 1),
		timeout:      timeout,
		logger: logger.With().
			Str("component", "typing_signal").
			Str("scope_id", scope).
			Str("discussion_id", discussionID).
			Logger(),
	}
}

// Keystroke reports local input.
func (s *TypingSignal) Keystroke() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	allowed := s.limiter.Allow()
	if !s.active || allowed {
		s.emitLocked(dto.EventTyping)
	}
	s.active = true

	s.generation++
	generation := s.generation
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.timeout, func() {
		s.expire(generation)
	})
}

// Stop ends the indicator immediately, e.g. when the input is submitted.
func (s *TypingSignal) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.stopLocked()
}

// Close cancels pending timers. No emission happens after Close returns.
func (s *TypingSignal) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.stopLocked()
	s.closed = true
	onClose := s.onClose
	s.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

// Active reports whether the indicator is currently on.
func (s *TypingSignal) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *TypingSignal) expire(generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || generation != s.generation || !s.active {
		return
	}
	s.active = false
	s.emitLocked(dto.EventStopTyping)
}

func (s *TypingSignal) stopLocked() {
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.active {
		s.active = false
		s.emitLocked(dto.EventStopTyping)
	}
}

func (s *TypingSignal) emitLocked(kind string) {
	if err := s.emitter.Emit(kind, s.scope, dto.TypingPayload{DiscussionID: s.discussionID}); err != nil {
		s.logger.Debug().Err(err).Str("type", kind).Msg("typing signal not sent")
	}
}
