package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-lab/internal/model/identity"
	"github.com/zhouzirui/z-lab/internal/model/memory"
	"github.com/zhouzirui/z-lab/internal/model/turn"
	"github.com/zhouzirui/z-lab/internal/store"
)

// DefaultMaxExchanges is the retention bound on durable exchanges.
const DefaultMaxExchanges = 100

// ErrKeyRequired rejects learned facts and preferences with a blank key.
var ErrKeyRequired = errors.New("key is required")

// Store is the durable side of the log. *store.FileStore satisfies it.
type Store interface {
	Update(ctx context.Context, fn func(doc *memory.Document) error) error
	Mutate(fn func(doc *memory.Document) error) error
	View(fn func(doc *memory.Document))
	Flush(ctx context.Context) error
	SaveSession(ctx context.Context, snap memory.SessionSnapshot) error
}

// Config tunes persistence behaviour.
type Config struct {
	// MaxExchanges bounds the durable exchange list; <= 0 uses the default.
	MaxExchanges int
	// SyncWrites writes observations immediately. Exchanges are always
	// written before Record returns.
	SyncWrites bool
	// Archive receives exchanges dropped by retention. Nil drops them.
	Archive store.Archive
}

// Summary describes the current session.
type Summary struct {
	SessionID    string    `json:"sessionId"`
	StartedAt    time.Time `json:"startedAt"`
	Turns        int       `json:"turns"`
	Exchanges    int       `json:"exchanges"`
	Observations int       `json:"observations"`
}

// Log is the interaction log for one session: the in-memory turn sequence,
// the session's exchanges and observations, and a handle on the durable
// document shared with other sessions.
type Log struct {
	mu sync.RWMutex

	sessionID string
	startedAt time.Time
	profile   identity.Profile
	store     Store
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	turns        []turn.Turn
	pending      *turn.Turn
	exchanges    []memory.Exchange
	observations []memory.Observation
}

// NewLog starts a session log over the given durable store.
func NewLog(st Store, profile identity.Profile, cfg Config, logger *zap.Logger) *Log {
	if cfg.MaxExchanges <= 0 {
		cfg.MaxExchanges = DefaultMaxExchanges
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	now := time.Now().UTC()
	return &Log{
		sessionID:    uuid.NewString(),
		startedAt:    now,
		profile:      profile,
		store:        st,
		cfg:          cfg,
		logger:       logger.Named("memory"),
		now:          func() time.Time { return time.Now().UTC() },
		turns:        make([]turn.Turn, 0, 32),
		exchanges:    make([]memory.Exchange, 0, 16),
		observations: make([]memory.Observation, 0, 16),
	}
}

// SessionID returns the identifier of the session this log belongs to.
func (l *Log) SessionID() string { return l.sessionID }

// Record appends a turn. Responder turns close the pending request into an
// exchange that is durable before Record returns.
func (l *Log) Record(ctx context.Context, t turn.Turn) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.turns = append(l.turns, t)

	switch {
	case t.Speaker == turn.Operator && t.Audience == turn.AudienceResponder:
		pending := t
		l.pending = &pending
		return nil

	case t.Speaker == turn.Operator && t.Audience == turn.AudienceExternal:
		return l.observeLocked(ctx, memory.SourceOperatorToExternal, t, true)

	case t.Speaker == turn.Operator:
		return l.observeLocked(ctx, memory.SourceOperator, t, false)

	case t.Speaker == turn.External:
		return l.observeLocked(ctx, memory.SourceExternal, t, true)

	case t.Speaker == turn.Responder:
		return l.closeExchangeLocked(ctx, t)

	default:
		return fmt.Errorf("unknown speaker %q", t.Speaker)
	}
}

func (l *Log) closeExchangeLocked(ctx context.Context, t turn.Turn) error {
	request := ""
	if l.pending != nil {
		request = l.pending.Payload
	}
	l.pending = nil

	ex := memory.Exchange{
		Time:            t.CreatedAt,
		OperatorRequest: request,
		ResponderReply:  t.Payload,
	}
	l.exchanges = append(l.exchanges, ex)

	var trimmed []memory.Exchange
	err := l.store.Update(ctx, func(doc *memory.Document) error {
		doc.Exchanges = append(doc.Exchanges, ex)
		trimmed = trimExchanges(doc, l.cfg.MaxExchanges)
		return nil
	})
	l.archive(ctx, trimmed)
	if err != nil {
		l.logger.Warn("exchange kept in memory only", zap.String("session", l.sessionID), zap.Error(err))
		return err
	}

	l.logger.Debug("exchange recorded", zap.String("session", l.sessionID), zap.Int("replyLength", len(ex.ResponderReply)))
	return nil
}

// observeLocked records an observation in the session; durable ones go to the
// store immediately or on the next flush depending on SyncWrites.
func (l *Log) observeLocked(ctx context.Context, source string, t turn.Turn, durable bool) error {
	obs := memory.Observation{Time: t.CreatedAt, Source: source, Content: t.Payload}
	l.observations = append(l.observations, obs)
	if !durable {
		return nil
	}

	add := func(doc *memory.Document) error {
		doc.Observations = append(doc.Observations, obs)
		return nil
	}
	if l.cfg.SyncWrites {
		return l.store.Update(ctx, add)
	}
	return l.store.Mutate(add)
}

// RecentContext returns the last limit exchanges from the durable record,
// oldest first. It never fails; a non-positive limit yields nothing.
func (l *Log) RecentContext(limit int) []memory.Exchange {
	if limit <= 0 {
		return []memory.Exchange{}
	}

	var out []memory.Exchange
	l.store.View(func(doc *memory.Document) {
		start := len(doc.Exchanges) - limit
		if start < 0 {
			start = 0
		}
		out = append([]memory.Exchange(nil), doc.Exchanges[start:]...)
	})
	if out == nil {
		out = []memory.Exchange{}
	}
	return out
}

// FormatContext renders recent exchanges as responder context.
func (l *Log) FormatContext(limit int) string {
	recent := l.RecentContext(limit)
	if len(recent) == 0 {
		return ""
	}

	operator := l.profile.Label(turn.Operator)
	responder := l.profile.Label(turn.Responder)

	lines := make([]string, 0, len(recent)*2)
	for _, ex := range recent {
		lines = append(lines, fmt.Sprintf("%s: %s", operator, clip(ex.OperatorRequest, 100)))
		lines = append(lines, fmt.Sprintf("%s: %s", responder, clip(ex.ResponderReply, 100)))
	}
	return strings.Join(lines, "\n")
}

// RetentionTrim drops the oldest durable exchanges beyond maxEntries and
// hands them to the archive. It returns the dropped exchanges.
func (l *Log) RetentionTrim(ctx context.Context, maxEntries int) ([]memory.Exchange, error) {
	if maxEntries <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var trimmed []memory.Exchange
	err := l.store.Update(ctx, func(doc *memory.Document) error {
		trimmed = trimExchanges(doc, maxEntries)
		return nil
	})
	l.archive(ctx, trimmed)
	return trimmed, err
}

func (l *Log) archive(ctx context.Context, trimmed []memory.Exchange) {
	if len(trimmed) == 0 {
		return
	}
	if l.cfg.Archive == nil {
		l.logger.Debug("dropped exchanges past retention", zap.Int("count", len(trimmed)))
		return
	}
	if err := l.cfg.Archive.Archive(ctx, trimmed); err != nil {
		l.logger.Error("archive trimmed exchanges", zap.Int("count", len(trimmed)), zap.Error(err))
	}
}

// trimExchanges keeps the newest max exchanges in insertion order and returns
// the removed prefix.
func trimExchanges(doc *memory.Document, max int) []memory.Exchange {
	excess := len(doc.Exchanges) - max
	if excess <= 0 {
		return nil
	}
	removed := append([]memory.Exchange(nil), doc.Exchanges[:excess]...)
	doc.Exchanges = append(doc.Exchanges[:0:0], doc.Exchanges[excess:]...)
	return removed
}

// Learn stores a durable fact about the operator; the last write wins.
func (l *Log) Learn(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrKeyRequired
	}

	fact := memory.LearnedFact{Value: value, LearnedAt: l.now()}
	return l.store.Update(ctx, func(doc *memory.Document) error {
		doc.Learned[key] = fact
		return nil
	})
}

// Learned looks up one learned fact.
func (l *Log) Learned(key string) (memory.LearnedFact, bool) {
	var (
		fact memory.LearnedFact
		ok   bool
	)
	l.store.View(func(doc *memory.Document) {
		fact, ok = doc.Learned[strings.TrimSpace(key)]
	})
	return fact, ok
}

// AllLearned returns a copy of every learned fact.
func (l *Log) AllLearned() map[string]memory.LearnedFact {
	out := make(map[string]memory.LearnedFact)
	l.store.View(func(doc *memory.Document) {
		for k, v := range doc.Learned {
			out[k] = v
		}
	})
	return out
}

// SetPreference stores an operator preference.
func (l *Log) SetPreference(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrKeyRequired
	}
	return l.store.Update(ctx, func(doc *memory.Document) error {
		if doc.Preferences == nil {
			doc.Preferences = make(map[string]string)
		}
		doc.Preferences[key] = value
		return nil
	})
}

// Preference looks up an operator preference.
func (l *Log) Preference(key string) (string, bool) {
	var (
		value string
		ok    bool
	)
	l.store.View(func(doc *memory.Document) {
		value, ok = doc.Preferences[strings.TrimSpace(key)]
	})
	return value, ok
}

// Summary reports counts for the current session.
func (l *Log) Summary() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Summary{
		SessionID:    l.sessionID,
		StartedAt:    l.startedAt,
		Turns:        len(l.turns),
		Exchanges:    len(l.exchanges),
		Observations: len(l.observations),
	}
}

// Snapshot captures this session only.
func (l *Log) Snapshot() memory.SessionSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return memory.SessionSnapshot{
		SessionID:    l.sessionID,
		StartTime:    l.startedAt,
		EndTime:      l.now(),
		Exchanges:    append([]memory.Exchange{}, l.exchanges...),
		Observations: append([]memory.Observation{}, l.observations...),
	}
}

// Close flushes deferred writes and saves the session snapshot. Both are
// attempted even if the first fails.
func (l *Log) Close(ctx context.Context) error {
	flushErr := l.store.Flush(ctx)
	snapErr := l.store.SaveSession(ctx, l.Snapshot())
	if err := errors.Join(flushErr, snapErr); err != nil {
		return err
	}
	l.logger.Info("session saved", zap.String("session", l.sessionID))
	return nil
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
