package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-live/internal/dto"
)

type recordingEmitter struct {
	mu       sync.Mutex
	kinds    []string
	payloads []interface{}
	err      error
}

func (e *recordingEmitter) Emit(kind, scope string, payload interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kinds = append(e.kinds, kind)
	e.payloads = append(e.payloads, payload)
	return e.err
}

func (e *recordingEmitter) Kinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.kinds...)
}

func TestTypingSignalThrottlesKeystrokes(t *testing.T) {
	emitter := &recordingEmitter{}
	signal := NewTypingSignal(emitter, testScope, "A", time.Hour, time.Hour, zerolog.Nop())
	defer signal.Close()

	signal.Keystroke()
	signal.Keystroke()
	signal.Keystroke()
	require.Equal(t, []string{dto.EventTyping}, emitter.Kinds())
	require.Equal(t, dto.TypingPayload{DiscussionID: "A"}, emitter.payloads[0])

	signal.Stop()
	signal.Stop()
	require.Equal(t, []string{dto.EventTyping, dto.EventStopTyping}, emitter.Kinds())
	require.False(t, signal.Active())
}

func TestTypingSignalStopsAfterTimeout(t *testing.T) {
	emitter := &recordingEmitter{}
	signal := NewTypingSignal(emitter, testScope, "A", time.Hour, 20*time.Millisecond, zerolog.Nop())
	defer signal.Close()

	signal.Keystroke()
	require.Eventually(t, func() bool {
		return len(emitter.Kinds()) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{dto.EventTyping, dto.EventStopTyping}, emitter.Kinds())

	signal.Keystroke()
	require.Equal(t, dto.EventTyping, emitter.Kinds()[2], "a new burst announces itself despite the throttle")
}

func TestTypingSignalCloseCancelsTimers(t *testing.T) {
	emitter := &recordingEmitter{}
	signal := NewTypingSignal(emitter, testScope, "A", time.Millisecond, 30*time.Millisecond, zerolog.Nop())

	signal.Keystroke()
	signal.Close()
	require.Equal(t, []string{dto.EventTyping, dto.EventStopTyping}, emitter.Kinds())

	time.Sleep(60 * time.Millisecond)
	signal.Keystroke()
	signal.Stop()
	require.Len(t, emitter.Kinds(), 2)
}

func TestTypingSignalToleratesEmitFailures(t *testing.T) {
	emitter := &recordingEmitter{err: errors.New("push channel not connected")}
	signal := NewTypingSignal(emitter, testScope, "A", time.Hour, time.Hour, zerolog.Nop())
	defer signal.Close()

	signal.Keystroke()
	require.True(t, signal.Active())
}
