package voicesession

import (
	"context"
	"log/slog"
	"sync"

	"github.com/eleven-am/voice-relay/internal/shared"
	"github.com/eleven-am/voice-relay/internal/transcription"
	"github.com/eleven-am/voice-relay/internal/transport"
)

// DetectorFactory opens a turn detector for a new session.
type DetectorFactory func(ctx context.Context, opts transcription.DetectorOptions, log *slog.Logger) (Detector, error)

// ProviderDetectors returns a DetectorFactory backed by provider.
func ProviderDetectors(provider transcription.Provider) DetectorFactory {
	return func(ctx context.Context, opts transcription.DetectorOptions, log *slog.Logger) (Detector, error) {
		return transcription.NewTurnDetector(ctx, provider, opts, log)
	}
}

type Manager struct {
	detectors DetectorFactory
	pipeline  *Pipeline
	recorder  Recorder
	sessions  map[string]*Session
	mu        sync.RWMutex
	log       *slog.Logger

	defaultDetector transcription.DetectorOptions
}

type ManagerConfig struct {
	Detectors DetectorFactory
	Pipeline  *Pipeline
	Recorder  Recorder
	Detector  transcription.DetectorOptions
	Log       *slog.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return &Manager{
		detectors:       cfg.Detectors,
		pipeline:        cfg.Pipeline,
		recorder:        cfg.Recorder,
		sessions:        make(map[string]*Session),
		log:             cfg.Log.With("component", "voicesession_manager"),
		defaultDetector: cfg.Detector,
	}
}

func (m *Manager) Pipeline() *Pipeline {
	return m.pipeline
}

// CreateSession opens a transcription connection and starts a session that
// reports to target. The provider connection is established before this
// returns.
func (m *Manager) CreateSession(ctx context.Context, target transport.Sender, opts Options) (*Session, error) {
	if opts.ID == "" {
		opts.ID = shared.NewID("sess_")
	}

	detOpts := m.defaultDetector
	if opts.SampleRate > 0 {
		detOpts.SampleRate = opts.SampleRate
	}
	if detOpts.SampleRate <= 0 {
		detOpts.SampleRate = 16000
	}
	opts.SampleRate = detOpts.SampleRate

	detector, err := m.detectors(ctx, detOpts, m.log.With("session_id", opts.ID))
	if err != nil {
		return nil, err
	}

	session := newSession(detector, target, m.pipeline, opts, m.log)
	session.onFailed = m.failSession

	m.mu.Lock()
	m.sessions[session.ID()] = session
	m.mu.Unlock()

	session.start()

	if err := record(m.recorder, func(ctx context.Context, r Recorder) error {
		return r.SessionStarted(ctx, session.ID(), opts.ConnID)
	}); err != nil {
		m.log.Debug("record session start failed", "session_id", session.ID(), "error", err)
	}

	m.log.Info("voice session created", "session_id", session.ID(), "conn_id", opts.ConnID, "sample_rate", opts.SampleRate)
	return session, nil
}

func (m *Manager) GetSession(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	return session, ok
}

// RemoveSession closes the session silently. Used when the client is gone.
func (m *Manager) RemoveSession(sessionID string) {
	m.end(sessionID, false, false)
}

// StopSession closes the session and relays the provider's termination
// report to the client.
func (m *Manager) StopSession(sessionID string) bool {
	return m.end(sessionID, true, false)
}

// CloseSession satisfies the registry's cascade on disconnect.
func (m *Manager) CloseSession(sessionID string) {
	m.RemoveSession(sessionID)
}

func (m *Manager) failSession(sessionID string) {
	m.end(sessionID, false, true)
}

func (m *Manager) end(sessionID string, notify, failed bool) bool {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if session == nil {
		return false
	}
	if notify {
		session.Stop()
	} else {
		session.Close()
	}
	if m.pipeline != nil {
		m.pipeline.Memory().Delete(sessionID)
	}

	if err := record(m.recorder, func(ctx context.Context, r Recorder) error {
		return r.SessionEnded(ctx, sessionID, failed)
	}); err != nil {
		m.log.Debug("record session end failed", "session_id", sessionID, "error", err)
	}
	m.log.Info("voice session removed", "session_id", sessionID, "failed", failed)
	return true
}

func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) ListSessions() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]Status, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s.Status())
	}
	return sessions
}

func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	return nil
}
