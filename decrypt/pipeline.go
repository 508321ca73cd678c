// Package decrypt runs end-to-end-encrypted message bodies through an injected
// decryptor without blocking the render path.
//
// Each message moves through ENCRYPTED -> DECRYPTING -> DECRYPTED | FAILED. The
// in-flight task map guarantees at most one concurrent decrypt per message ID.
package decrypt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chatsync/content"
	"chatsync/models"
)

const (
	// DefaultPollInterval is the wait between decryptor availability checks.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultMaxAttempts bounds availability checks before giving up.
	DefaultMaxAttempts = 50

	// DecryptingMarker is rendered while a decrypt is in flight.
	DecryptingMarker = "[Decrypting...]"
	// UnavailableMarker is stored when no decryptor showed up in time.
	UnavailableMarker = "[No decryptor available]"

	failedMarkerFormat = "[Decryption failed: %s]"
)

// ErrDecryptorUnavailable means the decryptor never became ready.
var ErrDecryptorUnavailable = errors.New("decrypt: no decryptor available")

// State is the decryption state of one message version.
type State int

const (
	StatePlain State = iota
	StateEncrypted
	StateDecrypting
	StateDecrypted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePlain:
		return "plain"
	case StateEncrypted:
		return "encrypted"
	case StateDecrypting:
		return "decrypting"
	case StateDecrypted:
		return "decrypted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailureKind separates cryptographic failures from a missing decryptor.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureCrypto
	FailureUnavailable
)

func (k FailureKind) String() string {
	switch k {
	case FailureCrypto:
		return "crypto"
	case FailureUnavailable:
		return "unavailable"
	default:
		return "none"
	}
}

// Record is the current view of one message's content.
//
// Content is the plaintext body when decrypted, a bracketed marker when
// decrypting or failed, and the raw content otherwise.
type Record struct {
	State   State
	Content string
	Failure FailureKind
}

// Stats counts pipeline outcomes.
type Stats struct {
	Started     int64
	Succeeded   int64
	Failed      int64
	Unavailable int64
}

// Options configures a Pipeline.
type Options struct {
	Provider     Provider
	PollInterval time.Duration
	MaxAttempts  int
	// Timeout bounds one decrypt call. Zero means no bound.
	Timeout time.Duration
	// OnChange is called after a task settles into DECRYPTED or FAILED. It is
	// not called once the pipeline is closed.
	OnChange func(id string, record Record)
	Logger   zerolog.Logger
}

type task struct {
	raw  string
	done chan struct{}
}

type record struct {
	raw     string
	state   State
	content string
	failure FailureKind
}

func (r record) view() Record {
	return Record{State: r.state, Content: r.content, Failure: r.failure}
}

// Pipeline owns decryption state for one conversation session.
type Pipeline struct {
	options Options
	log     zerolog.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	records map[string]record
	closed  bool

	started     atomic.Int64
	succeeded   atomic.Int64
	failed      atomic.Int64
	unavailable atomic.Int64
}

// New returns a pipeline. A nil provider is treated as never ready.
func New(options Options) *Pipeline {
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultPollInterval
	}
	if options.MaxAttempts <= 0 {
		options.MaxAttempts = DefaultMaxAttempts
	}
	if options.Provider == nil {
		options.Provider = Static{}
	}

	return &Pipeline{
		options: options,
		log:     options.Logger,
		tasks:   make(map[string]*task),
		records: make(map[string]record),
	}
}

// View reports the state of message id for its current raw content without
// starting any work.
func (p *Pipeline) View(id, raw string) Record {
	if content.Classify(raw).Kind != content.KindEncrypted {
		return Record{State: StatePlain, Content: raw}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewLocked(id, raw)
}

func (p *Pipeline) viewLocked(id, raw string) Record {
	if rec, ok := p.records[id]; ok && rec.raw == raw {
		return rec.view()
	}
	if t, ok := p.tasks[id]; ok && t.raw == raw {
		return Record{State: StateDecrypting, Content: DecryptingMarker}
	}
	return Record{State: StateEncrypted, Content: raw}
}

// Ensure starts a decrypt for id if its content is encrypted and nothing is
// known about it yet. It never blocks on the decryptor.
func (p *Pipeline) Ensure(id, raw string) Record {
	classified := content.Classify(raw)
	if classified.Kind != content.KindEncrypted {
		return Record{State: StatePlain, Content: raw}
	}

	p.mu.Lock()
	current := p.viewLocked(id, raw)
	if current.State != StateEncrypted || p.closed {
		p.mu.Unlock()
		return current
	}
	t := &task{raw: raw, done: make(chan struct{})}
	p.tasks[id] = t
	delete(p.records, id)
	p.mu.Unlock()

	p.started.Add(1)
	p.log.Debug().Str("message_id", id).Msg("decrypt started")
	go p.run(id, t, classified.Envelope)

	return Record{State: StateDecrypting, Content: DecryptingMarker}
}

// Await starts (or joins) the decrypt for id and waits for it to settle.
func (p *Pipeline) Await(ctx context.Context, id, raw string) (Record, error) {
	rec := p.Ensure(id, raw)
	if rec.State != StateDecrypting {
		return rec, nil
	}

	p.mu.Lock()
	t, ok := p.tasks[id]
	p.mu.Unlock()
	if !ok || t.raw != raw {
		return p.View(id, raw), nil
	}

	select {
	case <-t.done:
		return p.View(id, raw), nil
	case <-ctx.Done():
		return rec, ctx.Err()
	}
}

// Reset forgets everything known about the given messages so the next Ensure
// decrypts again. Tasks still running for them are discarded on completion.
func (p *Pipeline) Reset(ids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range ids {
		delete(p.records, id)
		delete(p.tasks, id)
	}
}

// Close stops new work from starting. Running tasks finish, but their results
// are dropped.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// InFlight returns the number of running tasks.
func (p *Pipeline) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Stats returns outcome counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Started:     p.started.Load(),
		Succeeded:   p.succeeded.Load(),
		Failed:      p.failed.Load(),
		Unavailable: p.unavailable.Load(),
	}
}

func (p *Pipeline) run(id string, t *task, envelope models.Envelope) {
	defer close(t.done)

	ctx := context.Background()
	if p.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.options.Timeout)
		defer cancel()
	}

	result := record{raw: t.raw}
	d, err := p.acquire(ctx)
	if err != nil {
		result.state = StateFailed
		result.content = UnavailableMarker
		result.failure = FailureUnavailable
	} else {
		plaintext, err := safeDecrypt(ctx, d, envelope)
		if err != nil {
			result.state = StateFailed
			result.content = fmt.Sprintf(failedMarkerFormat, err)
			result.failure = FailureCrypto
		} else {
			result.state = StateDecrypted
			result.content = plaintext
		}
	}

	switch result.failure {
	case FailureUnavailable:
		p.unavailable.Add(1)
		p.log.Warn().Str("message_id", id).Str("failure_kind", result.failure.String()).Msg("decryptor not available")
	case FailureCrypto:
		p.failed.Add(1)
		p.log.Warn().Str("message_id", id).Str("failure_kind", result.failure.String()).Str("reason", result.content).Msg("decrypt failed")
	default:
		p.succeeded.Add(1)
	}

	p.mu.Lock()
	apply := !p.closed && p.tasks[id] == t
	if p.tasks[id] == t {
		delete(p.tasks, id)
	}
	if apply {
		p.records[id] = result
	}
	p.mu.Unlock()

	if !apply {
		p.log.Debug().Str("message_id", id).Msg("decrypt result discarded")
		return
	}
	if p.options.OnChange != nil {
		p.options.OnChange(id, result.view())
	}
}

// acquire waits for the provider to hand out a decryptor, either through its
// readiness channel or by polling at a fixed interval.
func (p *Pipeline) acquire(ctx context.Context) (Decryptor, error) {
	if d, ok := p.options.Provider.Decryptor(); ok {
		return d, nil
	}

	if r, ok := p.options.Provider.(readiness); ok {
		timer := time.NewTimer(p.options.PollInterval * time.Duration(p.options.MaxAttempts))
		defer timer.Stop()
		select {
		case <-r.Ready():
			if d, ok := p.options.Provider.Decryptor(); ok {
				return d, nil
			}
			return nil, ErrDecryptorUnavailable
		case <-timer.C:
			return nil, ErrDecryptorUnavailable
		case <-ctx.Done():
			return nil, ErrDecryptorUnavailable
		}
	}

	ticker := time.NewTicker(p.options.PollInterval)
	defer ticker.Stop()
	for attempt := 1; attempt < p.options.MaxAttempts; attempt++ {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ErrDecryptorUnavailable
		}
		if d, ok := p.options.Provider.Decryptor(); ok {
			return d, nil
		}
	}
	return nil, ErrDecryptorUnavailable
}

func safeDecrypt(ctx context.Context, d Decryptor, envelope models.Envelope) (plaintext string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decryptor panic: %v", r)
		}
	}()
	return d.Decrypt(ctx, envelope)
}
