package faucet

import (
	"context"
	"log"
	"sync"
	"time"
)

// Config collects the dispensing policy knobs.
type Config struct {
	// GrantAmount is the fixed amount sent per request, in base units.
	GrantAmount uint64
	// Window and WindowCap bound the total granted per identity within a
	// rolling window.
	Window    time.Duration
	WindowCap uint64
	// MaxQueue bounds the dispatch queue; admissions beyond it are denied
	// with a retryable error.
	MaxQueue int
	// SubmitTimeout bounds each broadcast attempt.
	SubmitTimeout time.Duration
	// RetryCeiling is the max number of submit attempts for transient
	// failures; BackoffBase and BackoffMultiplier shape the waits between
	// them.
	RetryCeiling      int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	// ConfirmWait bounds how long a broadcast transaction is polled before
	// the request is closed as unresolved.
	ConfirmWait time.Duration
	// ConfirmPollInterval is the delay between status queries while waiting
	// for confirmation. Defaults to 5s.
	ConfirmPollInterval time.Duration
}

// AddressValidator reports whether a destination is a well-formed address.
// Satisfied by ledger.AddressMatcher.
type AddressValidator interface {
	Valid(string) bool
}

// Faucet owns admission and the single-worker dispatch queue. The queue is
// drained by exactly one goroutine (Run): the shared wallet must never have
// two transactions in flight, or the same funds could be allocated twice
// before the ledger sees the first spend.
type Faucet struct {
	cfg    Config
	store  Store
	ledger LedgerClient
	addrs  AddressValidator

	requests chan Request
	outcomes chan Outcome
	alerts   chan string

	mu          sync.Mutex
	paused      bool
	pauseReason string
	resumed     chan struct{}

	now func() time.Time
}

func New(cfg Config, store Store, lc LedgerClient, addrs AddressValidator) *Faucet {
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 5 * time.Second
	}
	return &Faucet{
		cfg:      cfg,
		store:    store,
		ledger:   lc,
		addrs:    addrs,
		requests: make(chan Request, cfg.MaxQueue),
		outcomes: make(chan Outcome, cfg.MaxQueue),
		alerts:   make(chan string, 8),
		now:      time.Now,
	}
}

// Outcomes is the stream of terminal results, exactly one per admitted
// request. The consumer must keep draining it.
func (f *Faucet) Outcomes() <-chan Outcome {
	return f.outcomes
}

// Alerts carries operator-facing fault notices (e.g. the wallet ran dry and
// intake is paused).
func (f *Faucet) Alerts() <-chan string {
	return f.alerts
}

// QueueDepth is the number of requests waiting for the worker.
func (f *Faucet) QueueDepth() int {
	return len(f.requests)
}

// Pause stops intake and the worker until Resume. Admissions made while
// paused are denied with ErrPaused.
func (f *Faucet) Pause(reason string) {
	f.mu.Lock()
	if !f.paused {
		f.paused = true
		f.pauseReason = reason
		f.resumed = make(chan struct{})
	}
	f.mu.Unlock()
	log.Printf("faucet: paused: %s", reason)
}

// Resume clears a pause. This is the operator signal that clears a fatal
// fault such as an empty wallet.
func (f *Faucet) Resume() {
	f.mu.Lock()
	if f.paused {
		f.paused = false
		f.pauseReason = ""
		close(f.resumed)
	}
	f.mu.Unlock()
	log.Println("faucet: resumed")
}

// Paused reports the pause state and, when paused, the reason.
func (f *Faucet) Paused() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused, f.pauseReason
}

// pauseGate blocks while the queue is paused.
func (f *Faucet) pauseGate(ctx context.Context) error {
	f.mu.Lock()
	paused, resumed := f.paused, f.resumed
	f.mu.Unlock()
	if !paused {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-resumed:
		return nil
	}
}

func (f *Faucet) emit(ctx context.Context, o Outcome) {
	select {
	case f.outcomes <- o:
	case <-ctx.Done():
		log.Printf("faucet: dropping outcome for %s on shutdown (status=%s)", o.Request.Ref, o.Status)
	}
}

func (f *Faucet) alert(msg string) {
	log.Printf("faucet: ALERT: %s", msg)
	select {
	case f.alerts <- msg:
	default:
		// Alert channel backed up; the log line above is the fallback.
	}
}

// sleepCtx waits d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
