package faucet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lumenlabs/faucetbot/internal/ledger"
)

// memStore is an in-memory Store with the same transactional behavior as the
// Postgres implementation: the cap check and the reservation happen under one
// lock.
type memStore struct {
	mu      sync.Mutex
	windows map[string]*memWindow
	rows    map[uuid.UUID]*memRow

	reserveErr error
}

type memWindow struct {
	start   time.Time
	granted int64
	pending int64
}

type memRow struct {
	req    Request
	state  string
	txRef  string
	detail string
	seq    int
}

func newMemStore() *memStore {
	return &memStore{
		windows: make(map[string]*memWindow),
		rows:    make(map[uuid.UUID]*memRow),
	}
}

func (s *memStore) CheckAndReserve(ctx context.Context, req Request, now time.Time, window time.Duration, limit uint64) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserveErr != nil {
		return time.Time{}, s.reserveErr
	}

	w := s.windows[req.Identity]
	if w == nil {
		w = &memWindow{start: now}
		s.windows[req.Identity] = w
	}
	if now.Sub(w.start) >= window {
		w.start = now
		w.granted = 0
	}
	if w.granted+w.pending+int64(req.Amount) > int64(limit) {
		return w.start.Add(window), ErrCapExceeded
	}
	w.pending += int64(req.Amount)
	s.rows[req.Ref] = &memRow{req: req, state: StateQueued, seq: len(s.rows)}
	return time.Time{}, nil
}

func (s *memStore) MarkSubmitting(ctx context.Context, ref uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[ref]
	if !ok || row.state != StateQueued {
		return fmt.Errorf("request %s is not queued", ref)
	}
	row.state = StateSubmitting
	return nil
}

func (s *memStore) SetTxRef(ctx context.Context, ref uuid.UUID, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[ref]
	if !ok {
		return fmt.Errorf("request %s not found", ref)
	}
	row.txRef = txRef
	return nil
}

func (s *memStore) CommitGrant(ctx context.Context, ref uuid.UUID, txRef string, now time.Time) error {
	return s.close(ref, StateGranted, txRef, "", true)
}

func (s *memStore) CloseConsumed(ctx context.Context, ref uuid.UUID, state, txRef, detail string, now time.Time) error {
	return s.close(ref, state, txRef, detail, true)
}

func (s *memStore) RollbackReservation(ctx context.Context, ref uuid.UUID, detail string, now time.Time) error {
	return s.close(ref, StateFailed, "", detail, false)
}

func (s *memStore) close(ref uuid.UUID, state, txRef, detail string, consume bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[ref]
	if !ok {
		return fmt.Errorf("request %s not found", ref)
	}
	if row.state != StateQueued && row.state != StateSubmitting {
		return fmt.Errorf("request %s already closed as %s", ref, row.state)
	}
	w := s.windows[row.req.Identity]
	w.pending -= int64(row.req.Amount)
	if w.pending < 0 {
		w.pending = 0
	}
	if consume {
		w.granted += int64(row.req.Amount)
	}
	row.state = state
	if txRef != "" {
		row.txRef = txRef
	}
	row.detail = detail
	return nil
}

func (s *memStore) OpenRequests(ctx context.Context) ([]OpenRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*memRow
	for _, row := range s.rows {
		if row.state == StateQueued || row.state == StateSubmitting {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	open := make([]OpenRequest, 0, len(rows))
	for _, row := range rows {
		open = append(open, OpenRequest{Request: row.req, State: row.state, TxRef: row.txRef})
	}
	return open, nil
}

func (s *memStore) rowState(ref uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[ref]; ok {
		return row.state
	}
	return ""
}

func (s *memStore) windowTotals(identity string) (granted, pending int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[identity]; ok {
		return w.granted, w.pending
	}
	return 0, 0
}

// seed inserts a dispatch log row directly, as if a previous process had
// reserved and crashed.
func (s *memStore) seed(req Request, state, txRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.windows[req.Identity]
	if w == nil {
		w = &memWindow{start: req.CreatedAt}
		s.windows[req.Identity] = w
	}
	w.pending += int64(req.Amount)
	s.rows[req.Ref] = &memRow{req: req, state: state, txRef: txRef, seq: len(s.rows)}
}

// fakeLedger scripts submit failures and status sequences, and instruments
// concurrency.
type fakeLedger struct {
	mu         sync.Mutex
	submitErrs []error
	submits    int
	submitted  []string

	inflight    int32
	maxInflight int32

	status func(txRef string) (ledger.TxStatus, string, error)
}

func (l *fakeLedger) Submit(ctx context.Context, destination string, amount uint64) (string, error) {
	cur := atomic.AddInt32(&l.inflight, 1)
	defer atomic.AddInt32(&l.inflight, -1)
	for {
		max := atomic.LoadInt32(&l.maxInflight)
		if cur <= max || atomic.CompareAndSwapInt32(&l.maxInflight, max, cur) {
			break
		}
	}
	// Widen the race window so an accidental second worker would be caught.
	time.Sleep(2 * time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.submits++
	l.submitted = append(l.submitted, destination)
	if len(l.submitErrs) > 0 {
		err := l.submitErrs[0]
		l.submitErrs = l.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("tx-%d", l.submits), nil
}

func (l *fakeLedger) QueryStatus(ctx context.Context, txRef string) (ledger.TxStatus, string, error) {
	if l.status != nil {
		return l.status(txRef)
	}
	return ledger.TxConfirmed, "", nil
}

func (l *fakeLedger) submitCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submits
}

type alwaysValid struct{}

func (alwaysValid) Valid(string) bool { return true }

func testConfig() Config {
	return Config{
		GrantAmount:         10,
		Window:              time.Hour,
		WindowCap:           10,
		MaxQueue:            8,
		SubmitTimeout:       250 * time.Millisecond,
		RetryCeiling:        3,
		BackoffBase:         time.Millisecond,
		BackoffMultiplier:   2,
		ConfirmWait:         100 * time.Millisecond,
		ConfirmPollInterval: time.Millisecond,
	}
}

func startWorker(t *testing.T, f *Faucet) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func waitOutcome(t *testing.T, f *Faucet) Outcome {
	t.Helper()
	select {
	case o := <-f.Outcomes():
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func transientErr() error {
	return &ledger.Error{Kind: ledger.KindTransient, Reason: "connection refused"}
}

func TestRetryThenSuccess(t *testing.T) {
	store := newMemStore()
	lc := &fakeLedger{submitErrs: []error{transientErr(), transientErr()}}
	f := New(testConfig(), store, lc, alwaysValid{})
	stop := startWorker(t, f)
	defer stop()

	req, err := f.RequestDispense(context.Background(), "u1", "addr1", "chan", "msg")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	o := waitOutcome(t, f)
	if o.Status != StatusGranted {
		t.Fatalf("Expected granted, got %s (%s)", o.Status, o.Detail)
	}
	if got := lc.submitCount(); got != 3 {
		t.Errorf("Expected 3 submit attempts (2 transient failures + 1 success), got %d", got)
	}
	if o.TxRef == "" {
		t.Error("Expected a tx ref on a granted outcome")
	}
	if state := store.rowState(req.Ref); state != StateGranted {
		t.Errorf("Expected dispatch log state granted, got %s", state)
	}
	if granted, pending := store.windowTotals("u1"); granted != 10 || pending != 0 {
		t.Errorf("Expected quota committed (granted=10 pending=0), got granted=%d pending=%d", granted, pending)
	}
}

func TestRetryCeilingExhaustedRollsBack(t *testing.T) {
	store := newMemStore()
	lc := &fakeLedger{submitErrs: []error{transientErr(), transientErr(), transientErr()}}
	f := New(testConfig(), store, lc, alwaysValid{})
	stop := startWorker(t, f)
	defer stop()

	if _, err := f.RequestDispense(context.Background(), "u1", "addr1", "chan", "msg"); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	o := waitOutcome(t, f)
	if o.Status != StatusFailed {
		t.Fatalf("Expected failed, got %s", o.Status)
	}
	if got := lc.submitCount(); got != 3 {
		t.Errorf("Expected submit attempts to stop at the ceiling (3), got %d", got)
	}
	// The broadcast never happened, so the quota must come back.
	if granted, pending := store.windowTotals("u1"); granted != 0 || pending != 0 {
		t.Errorf("Expected quota returned, got granted=%d pending=%d", granted, pending)
	}
	if _, err := f.RequestDispense(context.Background(), "u1", "addr1", "chan", "msg"); err != nil {
		t.Errorf("Expected a fresh admission after rollback, got %v", err)
	}
}

func TestAmbiguousTimeoutConsumesQuota(t *testing.T) {
	store := newMemStore()
	timeout := &ledger.Error{Kind: ledger.KindTransient, Reason: "request timed out", Ambiguous: true}
	lc := &fakeLedger{submitErrs: []error{timeout, timeout, timeout}}
	f := New(testConfig(), store, lc, alwaysValid{})
	stop := startWorker(t, f)
	defer stop()

	if _, err := f.RequestDispense(context.Background(), "u1", "addr1", "chan", "msg"); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	o := waitOutcome(t, f)
	if o.Status != StatusFailed {
		t.Fatalf("Expected failed, got %s", o.Status)
	}
	// A timed-out attempt may have reached the node; the quota must stay
	// consumed so a retry cannot double-grant.
	if granted, pending := store.windowTotals("u1"); granted != 10 || pending != 0 {
		t.Errorf("Expected quota consumed, got granted=%d pending=%d", granted, pending)
	}
}

func TestInsufficientBalancePausesIntake(t *testing.T) {
	store := newMemStore()
	lc := &fakeLedger{submitErrs: []error{
		&ledger.Error{Kind: ledger.KindInsufficientBalance, Reason: "insufficient_funds: wallet empty"},
	}}
	f := New(testConfig(), store, lc, alwaysValid{})
	stop := startWorker(t, f)
	defer stop()

	req, err := f.RequestDispense(context.Background(), "u1", "addr1", "chan", "msg")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	o := waitOutcome(t, f)
	if o.Status != StatusFailed {
		t.Fatalf("Expected failed, got %s", o.Status)
	}
	if got := lc.submitCount(); got != 1 {
		t.Errorf("Expected no retries on insufficient balance, got %d attempts", got)
	}
	// Not rolled back: fail closed.
	if granted, pending := store.windowTotals("u1"); granted != 10 || pending != 0 {
		t.Errorf("Expected quota consumed, got granted=%d pending=%d", granted, pending)
	}
	if state := store.rowState(req.Ref); state != StateFailed {
		t.Errorf("Expected state failed, got %s", state)
	}

	if paused, _ := f.Paused(); !paused {
		t.Fatal("Expected intake to be paused")
	}
	if _, err := f.RequestDispense(context.Background(), "u2", "addr2", "chan", "msg"); !errors.Is(err, ErrPaused) {
		t.Errorf("Expected ErrPaused while paused, got %v", err)
	}

	select {
	case <-f.Alerts():
	case <-time.After(time.Second):
		t.Error("Expected an operator alert")
	}

	// Operator signal clears the fault.
	f.Resume()
	if _, err := f.RequestDispense(context.Background(), "u2", "addr2", "chan", "msg"); err != nil {
		t.Errorf("Expected admission after resume, got %v", err)
	}
	if o := waitOutcome(t, f); o.Status != StatusGranted {
		t.Errorf("Expected granted after resume, got %s (%s)", o.Status, o.Detail)
	}
}

func TestPermanentRejectionFailsImmediately(t *testing.T) {
	store := newMemStore()
	lc := &fakeLedger{submitErrs: []error{
		&ledger.Error{Kind: ledger.KindInvalidAddress, Reason: "invalid_address: bad checksum"},
	}}
	f := New(testConfig(), store, lc, alwaysValid{})
	stop := startWorker(t, f)
	defer stop()

	if _, err := f.RequestDispense(context.Background(), "u1", "addr1", "chan", "msg"); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	o := waitOutcome(t, f)
	if o.Status != StatusFailed {
		t.Fatalf("Expected failed, got %s", o.Status)
	}
	if got := lc.submitCount(); got != 1 {
		t.Errorf("Expected a single attempt for a permanent rejection, got %d", got)
	}
	if granted, pending := store.windowTotals("u1"); granted != 0 || pending != 0 {
		t.Errorf("Expected quota returned, got granted=%d pending=%d", granted, pending)
	}
}

func TestConfirmFailedConsumesQuota(t *testing.T) {
	store := newMemStore()
	lc := &fakeLedger{status: func(txRef string) (ledger.TxStatus, string, error) {
		return ledger.TxFailed, "out of gas", nil
	}}
	f := New(testConfig(), store, lc, alwaysValid{})
	stop := startWorker(t, f)
	defer stop()

	if _, err := f.RequestDispense(context.Background(), "u1", "addr1", "chan", "msg"); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	o := waitOutcome(t, f)
	if o.Status != StatusFailed {
		t.Fatalf("Expected failed, got %s", o.Status)
	}
	if granted, pending := store.windowTotals("u1"); granted != 10 || pending != 0 {
		t.Errorf("Expected quota consumed after post-broadcast rejection, got granted=%d pending=%d", granted, pending)
	}
}

func TestIndefinitePendingClosesUnresolved(t *testing.T) {
	store := newMemStore()
	lc := &fakeLedger{status: func(txRef string) (ledger.TxStatus, string, error) {
		return ledger.TxPending, "", nil
	}}
	f := New(testConfig(), store, lc, alwaysValid{})
	stop := startWorker(t, f)
	defer stop()

	req, err := f.RequestDispense(context.Background(), "u1", "addr1", "chan", "msg")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	o := waitOutcome(t, f)
	if o.Status != StatusUnresolved {
		t.Fatalf("Expected unresolved, got %s", o.Status)
	}
	if state := store.rowState(req.Ref); state != StateUnresolved {
		t.Errorf("Expected state unresolved, got %s", state)
	}
	if granted, pending := store.windowTotals("u1"); granted != 10 || pending != 0 {
		t.Errorf("Expected quota consumed, got granted=%d pending=%d", granted, pending)
	}
	select {
	case <-f.Alerts():
	case <-time.After(time.Second):
		t.Error("Expected an operator alert for an unresolved request")
	}
}

func TestSingleWorkerStrictFIFO(t *testing.T) {
	store := newMemStore()
	lc := &fakeLedger{}
	cfg := testConfig()
	cfg.WindowCap = 100 // distinct identities below; keep one identity possible too
	f := New(cfg, store, lc, alwaysValid{})

	// Enqueue before the worker starts so ordering is deterministic.
	var wantOrder []string
	for i := 0; i < 5; i++ {
		identity := fmt.Sprintf("u%d", i)
		dest := fmt.Sprintf("addr%d", i)
		if _, err := f.RequestDispense(context.Background(), identity, dest, "chan", "msg"); err != nil {
			t.Fatalf("Admit %d failed: %v", i, err)
		}
		wantOrder = append(wantOrder, dest)
	}

	stop := startWorker(t, f)
	defer stop()

	for i := 0; i < 5; i++ {
		if o := waitOutcome(t, f); o.Status != StatusGranted {
			t.Fatalf("Expected granted, got %s (%s)", o.Status, o.Detail)
		}
	}

	if got := atomic.LoadInt32(&lc.maxInflight); got != 1 {
		t.Errorf("Expected at most one submission in flight, saw %d", got)
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	for i, dest := range wantOrder {
		if lc.submitted[i] != dest {
			t.Errorf("Expected FIFO order %v, got %v", wantOrder, lc.submitted)
			break
		}
	}
}

func TestConcurrentAdmissionsNeverExceedCap(t *testing.T) {
	store := newMemStore()
	f := New(testConfig(), store, &fakeLedger{}, alwaysValid{})

	const attempts = 20
	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.Admit(context.Background(), "u1", "addr1", 10, "chan", "msg"); err == nil {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	// Cap 10, amount 10: exactly one concurrent admission may pass.
	if admitted != 1 {
		t.Errorf("Expected exactly 1 admission under the cap, got %d", admitted)
	}
	if granted, pending := store.windowTotals("u1"); granted+pending > 10 {
		t.Errorf("Reserved total exceeds cap: granted=%d pending=%d", granted, pending)
	}

	// A different identity is unaffected.
	if _, err := f.Admit(context.Background(), "u2", "addr2", 10, "chan", "msg"); err != nil {
		t.Errorf("Expected admission for a different identity, got %v", err)
	}
}

func TestRateLimitedDenialCarriesRetryAfter(t *testing.T) {
	store := newMemStore()
	f := New(testConfig(), store, &fakeLedger{}, alwaysValid{})

	if _, err := f.Admit(context.Background(), "u1", "addr1", 10, "chan", "msg"); err != nil {
		t.Fatalf("First admission failed: %v", err)
	}
	_, err := f.Admit(context.Background(), "u1", "addr1", 10, "chan", "msg")
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("Expected RateLimitedError, got %v", err)
	}
	if rl.RetryAfter.IsZero() || !rl.RetryAfter.After(time.Now()) {
		t.Errorf("Expected a future retry-after time, got %v", rl.RetryAfter)
	}
}

func TestAdmissionValidation(t *testing.T) {
	store := newMemStore()
	f := New(testConfig(), store, &fakeLedger{}, alwaysValid{})

	if _, err := f.Admit(context.Background(), "u1", "addr1", 7, "chan", "msg"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for off-policy amount, got %v", err)
	}

	strict := New(testConfig(), store, &fakeLedger{}, validatorFunc(func(s string) bool { return false }))
	if _, err := strict.Admit(context.Background(), "u1", "nonsense", 10, "chan", "msg"); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Expected ErrInvalidAddress, got %v", err)
	}
}

type validatorFunc func(string) bool

func (f validatorFunc) Valid(s string) bool { return f(s) }

func TestStorageUnavailableDeniesRetryable(t *testing.T) {
	store := newMemStore()
	store.reserveErr = errors.New("connection refused")
	f := New(testConfig(), store, &fakeLedger{}, alwaysValid{})

	_, err := f.Admit(context.Background(), "u1", "addr1", 10, "chan", "msg")
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("Expected StorageError, got %v", err)
	}
}

func TestQueueFullDenied(t *testing.T) {
	store := newMemStore()
	cfg := testConfig()
	cfg.MaxQueue = 2
	cfg.WindowCap = 1000
	cfg.GrantAmount = 1
	f := New(cfg, store, &fakeLedger{}, alwaysValid{})

	for i := 0; i < 2; i++ {
		if _, err := f.Admit(context.Background(), fmt.Sprintf("u%d", i), "addr", 1, "chan", "msg"); err != nil {
			t.Fatalf("Admit %d failed: %v", i, err)
		}
	}
	if _, err := f.Admit(context.Background(), "u9", "addr", 1, "chan", "msg"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
}

func TestEveryAdmittedRequestTerminates(t *testing.T) {
	store := newMemStore()
	// Mixed transient failures; the ledger is always eventually available.
	lc := &fakeLedger{submitErrs: []error{transientErr(), nil, transientErr(), nil}}
	cfg := testConfig()
	cfg.WindowCap = 1000
	cfg.GrantAmount = 1
	f := New(cfg, store, lc, alwaysValid{})
	stop := startWorker(t, f)
	defer stop()

	const n = 6
	for i := 0; i < n; i++ {
		if _, err := f.Admit(context.Background(), fmt.Sprintf("u%d", i), "addr", 1, "chan", "msg"); err != nil {
			t.Fatalf("Admit %d failed: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		o := waitOutcome(t, f)
		if o.Status != StatusGranted && o.Status != StatusFailed && o.Status != StatusUnresolved {
			t.Fatalf("Non-terminal outcome %q", o.Status)
		}
	}
}
