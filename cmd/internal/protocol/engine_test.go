package protocol

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, opts ...StoreOption) (*Engine, *Store) {
	t.Helper()

	st := NewStore(opts...)
	e, err := NewEngine(DefaultConfig(), st)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, st
}

func mustTransmit(t *testing.T, e *Engine) TransmitResult {
	t.Helper()

	res, err := e.Transmit(context.Background(), TransmitInput{To: "bob", Message: DefaultConfig().AlicePhrase})
	if err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	return res
}

func mustSwap(t *testing.T, e *Engine, id string) SwapResult {
	t.Helper()

	res, err := e.Swap(context.Background(), SwapInput{To: "charlie", Message: DefaultConfig().BobPhrase, SessionID: id})
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	return res
}

func validCollapse(id string) CollapseInput {
	return CollapseInput{ResponseType: "proof", Message: DefaultConfig().CharliePhrase, SessionID: id}
}

func TestEngine_FullRun(t *testing.T) {
	t.Parallel()

	e, st := newTestEngine(t)
	ctx := context.Background()
	cfg := DefaultConfig()

	a := mustTransmit(t, e)
	if a.Fragment != cfg.FragmentA || a.State != StateQubitTransmitted || a.SessionID == "" {
		t.Fatalf("unexpected stage 1 result: %+v", a)
	}

	snap, err := e.Status(ctx, a.SessionID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !snap.Stage1Done || snap.Stage2Done || snap.State != StateQubitTransmitted {
		t.Fatalf("unexpected snapshot after stage 1: %+v", snap)
	}

	b := mustSwap(t, e, a.SessionID)
	if b.Fragment != cfg.FragmentB || b.State != StateEntanglementSwapped || !b.Transitioned || b.SessionID != a.SessionID {
		t.Fatalf("unexpected stage 2 result: %+v", b)
	}

	c, err := e.Collapse(ctx, validCollapse(a.SessionID))
	if err != nil {
		t.Fatalf("Collapse: %v", err)
	}
	if c.Fragment != cfg.FragmentC || c.State != StateWavefunctionCollapsed {
		t.Fatalf("unexpected stage 3 result: %+v", c)
	}

	if got := a.Fragment + b.Fragment + c.Fragment; got != cfg.Secret() {
		t.Fatalf("assembled=%q want %q", got, cfg.Secret())
	}
	if st.Len() != 0 {
		t.Fatalf("session must be consumed, len=%d", st.Len())
	}
	if _, err := e.Status(ctx, a.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Status after consume err=%v want ErrSessionNotFound", err)
	}
}

func TestEngine_CollapseReplayIsInvalidToken(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	ctx := context.Background()

	a := mustTransmit(t, e)
	mustSwap(t, e, a.SessionID)

	if _, err := e.Collapse(ctx, validCollapse(a.SessionID)); err != nil {
		t.Fatalf("Collapse: %v", err)
	}
	_, err := e.Collapse(ctx, validCollapse(a.SessionID))
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("replay err=%v want ErrInvalidToken", err)
	}
	if _, err := e.Swap(ctx, SwapInput{To: "charlie", Message: DefaultConfig().BobPhrase, SessionID: a.SessionID}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("swap after consume err=%v want ErrInvalidToken", err)
	}
}

func TestEngine_TransmitRejections(t *testing.T) {
	t.Parallel()

	e, st := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   TransmitInput
		want error
	}{
		{name: "recipient bob2", in: TransmitInput{To: "bob2", Message: DefaultConfig().AlicePhrase}, want: ErrRecipientMismatch},
		{name: "empty message", in: TransmitInput{To: "Bob"}, want: ErrMissingInstruction},
		{name: "wrong message", in: TransmitInput{To: "Bob", Message: "hi"}, want: ErrInstructionMismatch},
		{name: "recipient before instruction", in: TransmitInput{To: "alice", Message: "hi"}, want: ErrRecipientMismatch},
	}
	for _, tc := range cases {
		_, err := e.Transmit(ctx, tc.in)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: err=%v want %v", tc.name, err, tc.want)
		}
	}
	if st.Len() != 0 {
		t.Fatalf("rejected stage 1 must not create sessions, len=%d", st.Len())
	}
}

func TestEngine_TransmitAlwaysCreatesNewSession(t *testing.T) {
	t.Parallel()

	e, st := newTestEngine(t)

	a1 := mustTransmit(t, e)
	a2 := mustTransmit(t, e)
	if a1.SessionID == a2.SessionID {
		t.Fatalf("each stage 1 call must create a new session")
	}
	if st.Len() != 2 {
		t.Fatalf("Len=%d want 2", st.Len())
	}
}

func TestEngine_CaseSensitivityAsymmetry(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := e.Transmit(ctx, TransmitInput{To: "BOB", Message: "  INITIATE QUANTUM ENTANGLEMENT  "})
	if err != nil {
		t.Fatalf("stage 1 must accept case variance: %v", err)
	}
	mustSwap(t, e, a.SessionID)

	in := validCollapse(a.SessionID)
	in.Message = "COLLAPSE THE WAVEFUNCTION AND REVEAL THE PROOF"
	_, err = e.Collapse(ctx, in)
	if !errors.Is(err, ErrInstructionMismatch) {
		t.Fatalf("stage 3 case variance err=%v want ErrInstructionMismatch", err)
	}

	snap, err := e.Status(ctx, a.SessionID)
	if err != nil {
		t.Fatalf("rejected stage 3 must keep the session: %v", err)
	}
	if snap.Stage3Done || snap.State != StateEntanglementSwapped {
		t.Fatalf("rejected stage 3 mutated session: %+v", snap)
	}

	if _, err := e.Collapse(ctx, validCollapse(a.SessionID)); err != nil {
		t.Fatalf("exact phrase must still succeed: %v", err)
	}
}

func TestEngine_SwapGuardOrder(t *testing.T) {
	t.Parallel()

	e, st := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Swap(ctx, SwapInput{To: "nobody", Message: "x", SessionID: "  "}); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("missing token err=%v", err)
	}
	for _, id := range []string{"garbage", "0123456789abcdef", "../../etc/passwd"} {
		if _, err := e.Swap(ctx, SwapInput{To: "nobody", Message: "x", SessionID: id}); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Swap(%q) err=%v want ErrInvalidToken", id, err)
		}
	}

	// A session exists only after stage 1 in normal operation; build one by hand
	// to exercise the ordering guard.
	raw, err := st.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = e.Swap(ctx, SwapInput{To: "nobody", Message: "x", SessionID: raw.ID})
	if !errors.Is(err, ErrOutOfOrder) || HintOf(err) != hintAliceNotDetected {
		t.Fatalf("ordering err=%v hint=%q", err, HintOf(err))
	}

	a := mustTransmit(t, e)
	if _, err := e.Swap(ctx, SwapInput{To: "bob", Message: DefaultConfig().BobPhrase, SessionID: a.SessionID}); !errors.Is(err, ErrRecipientMismatch) {
		t.Fatalf("recipient err=%v", err)
	}
	if _, err := e.Swap(ctx, SwapInput{To: "charlie", Message: "", SessionID: a.SessionID}); !errors.Is(err, ErrMissingInstruction) {
		t.Fatalf("missing instruction err=%v", err)
	}
	if _, err := e.Swap(ctx, SwapInput{To: "charlie", Message: "nope", SessionID: a.SessionID}); !errors.Is(err, ErrInstructionMismatch) {
		t.Fatalf("instruction err=%v", err)
	}

	snap, _ := e.Status(ctx, a.SessionID)
	if snap.Stage2Done {
		t.Fatalf("rejected swaps must not mutate: %+v", snap)
	}
}

func TestEngine_CollapseGuardOrder(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	ctx := context.Background()

	// Response type is checked before the token.
	if _, err := e.Collapse(ctx, CollapseInput{ResponseType: "answer"}); !errors.Is(err, ErrInvalidResponseType) {
		t.Fatalf("response type err=%v", err)
	}
	if _, err := e.Collapse(ctx, CollapseInput{ResponseType: "PROOF"}); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("missing token err=%v", err)
	}
	if _, err := e.Collapse(ctx, CollapseInput{ResponseType: "proof", SessionID: "garbage"}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("invalid token err=%v", err)
	}

	a := mustTransmit(t, e)
	_, err := e.Collapse(ctx, validCollapse(a.SessionID))
	if !errors.Is(err, ErrOutOfOrder) || HintOf(err) != hintBobNotDetected {
		t.Fatalf("stage 2 guard err=%v hint=%q", err, HintOf(err))
	}

	// Ordering is checked before the instruction.
	_, err = e.Collapse(ctx, CollapseInput{ResponseType: "proof", Message: "wrong", SessionID: a.SessionID})
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("ordering before instruction err=%v", err)
	}

	mustSwap(t, e, a.SessionID)
	if _, err := e.Collapse(ctx, CollapseInput{ResponseType: "proof", SessionID: a.SessionID}); !errors.Is(err, ErrMissingInstruction) {
		t.Fatalf("missing instruction err=%v", err)
	}
}

func TestEngine_ExpiredSession(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	e, _ := newTestEngine(t, WithClock(clk.Now))
	ctx := context.Background()

	a := mustTransmit(t, e)

	clk.Advance(SessionTTL - time.Second)
	mustSwap(t, e, a.SessionID)
	snap, err := e.Status(ctx, a.SessionID)
	if err != nil {
		t.Fatalf("Status before TTL: %v", err)
	}
	if snap.Remaining != time.Second {
		t.Fatalf("Remaining=%v want 1s (activity must not extend TTL)", snap.Remaining)
	}

	clk.Advance(2 * time.Second)
	if _, err := e.Status(ctx, a.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Status after TTL err=%v", err)
	}
	if _, err := e.Collapse(ctx, validCollapse(a.SessionID)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Collapse after TTL err=%v", err)
	}
}

func TestEngine_ConcurrentSwapTransitionsOnce(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	a := mustTransmit(t, e)

	const workers = 64
	var (
		wg           sync.WaitGroup
		transitioned atomic.Int32
		failures     atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := e.Swap(context.Background(), SwapInput{To: "charlie", Message: DefaultConfig().BobPhrase, SessionID: a.SessionID})
			if err != nil {
				failures.Add(1)
				return
			}
			if res.Transitioned {
				transitioned.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("unexpected failures: %d", failures.Load())
	}
	if transitioned.Load() != 1 {
		t.Fatalf("transitions=%d want exactly 1", transitioned.Load())
	}

	snap, err := e.Status(context.Background(), a.SessionID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !snap.Stage1Done || !snap.Stage2Done || snap.Stage3Done {
		t.Fatalf("torn flags: %+v", snap)
	}
}

func TestEngine_ConcurrentCollapseConsumesOnce(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	a := mustTransmit(t, e)
	mustSwap(t, e, a.SessionID)

	const workers = 32
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		invalid   atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Collapse(context.Background(), validCollapse(a.SessionID))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrInvalidToken):
				invalid.Add(1)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 || invalid.Load() != workers-1 {
		t.Fatalf("successes=%d invalid=%d", successes.Load(), invalid.Load())
	}
}

func TestEngine_PanicBecomesInternal(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	st := NewStore()
	st.newID = func(int) (string, error) { panic("entropy source exploded") }

	e, err := NewEngine(DefaultConfig(), st, WithStageObserver(obs))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	res, err := e.Transmit(context.Background(), TransmitInput{To: "bob", Message: DefaultConfig().AlicePhrase})
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("err=%v want ErrInternal", err)
	}
	if res != (TransmitResult{}) {
		t.Fatalf("result must be zeroed on internal fault: %+v", res)
	}
	if HintOf(err) != "" {
		t.Fatalf("internal faults must not carry details, hint=%q", HintOf(err))
	}
	if obs.stages["alice/internal_error"] != 1 {
		t.Fatalf("observer stages=%v", obs.stages)
	}

	// Store lock must have been released by the panic path.
	done := make(chan struct{})
	go func() {
		_ = st.Len()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("store lock still held after recovered panic")
	}
}

func TestEngine_ObserverSeesOutcomes(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	st := NewStore(WithObserver(obs))
	e, err := NewEngine(DefaultConfig(), st, WithStageObserver(obs))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx := context.Background()
	_, _ = e.Transmit(ctx, TransmitInput{To: "eve"})
	a := mustTransmit(t, e)
	mustSwap(t, e, a.SessionID)
	_, _ = e.Collapse(ctx, validCollapse(a.SessionID))

	want := map[string]int{
		"alice/recipient_mismatch": 1,
		"alice/ok":                 1,
		"bob/ok":                   1,
		"charlie/ok":               1,
	}
	for k, n := range want {
		if obs.stages[k] != n {
			t.Fatalf("stages[%s]=%d want %d (all=%v)", k, obs.stages[k], n, obs.stages)
		}
	}
	if obs.created != 1 || obs.consumed != 1 {
		t.Fatalf("created=%d consumed=%d", obs.created, obs.consumed)
	}
}

func TestNewEngine_RejectsEmptyConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.FragmentB = " "
	if _, err := NewEngine(cfg, nil); !errors.Is(err, ErrConfig) {
		t.Fatalf("err=%v want ErrConfig", err)
	}
}

func TestCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{err: nil, want: "ok"},
		{err: reject(StageBob, ErrMissingToken, ""), want: "missing_token"},
		{err: reject(StageBob, ErrInvalidToken, ""), want: "invalid_token"},
		{err: ErrSessionNotFound, want: "invalid_token"},
		{err: reject(StageCharlie, ErrOutOfOrder, hintBobNotDetected), want: "out_of_order"},
		{err: errors.New("boom"), want: "internal_error"},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.want {
			t.Fatalf("Code(%v)=%q want %q", tc.err, got, tc.want)
		}
	}
}

func TestEngine_TransmitFailureLeavesNoSession(t *testing.T) {
	t.Parallel()

	e, st := newTestEngine(t)
	st.newID = func(int) (string, error) { return "", errors.New("entropy exhausted") }

	_, err := e.Transmit(context.Background(), TransmitInput{To: "bob", Message: DefaultConfig().AlicePhrase})
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("err=%v want ErrInternal", err)
	}
	if st.Len() != 0 {
		t.Fatalf("failed transmit left %d sessions", st.Len())
	}
}

func TestEngine_CancelledContextIsInternal(t *testing.T) {
	t.Parallel()

	e, st := newTestEngine(t)
	a := mustTransmit(t, e)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Transmit(ctx, TransmitInput{To: "bob", Message: DefaultConfig().AlicePhrase})
	checkCancelled(t, err, StageAlice)
	_, err = e.Swap(ctx, SwapInput{To: "charlie", Message: DefaultConfig().BobPhrase, SessionID: a.SessionID})
	checkCancelled(t, err, StageBob)
	_, err = e.Collapse(ctx, validCollapse(a.SessionID))
	checkCancelled(t, err, StageCharlie)

	if st.Len() != 1 {
		t.Fatalf("cancelled calls must not create sessions: len=%d", st.Len())
	}
	snap, err := e.Status(context.Background(), a.SessionID)
	if err != nil || snap.Stage2Done {
		t.Fatalf("cancelled calls must not mutate: snap=%+v err=%v", snap, err)
	}
}

func checkCancelled(t *testing.T, err error, stage Stage) {
	t.Helper()

	var se *StageError
	if !errors.As(err, &se) || se.Stage != stage {
		t.Fatalf("%s: err=%v want *StageError", stage, err)
	}
	if !errors.Is(err, ErrInternal) || errors.Is(err, context.Canceled) {
		t.Fatalf("%s: err=%v want ErrInternal only", stage, err)
	}
	if Code(err) != "internal_error" {
		t.Fatalf("%s: code=%q", stage, Code(err))
	}
}
