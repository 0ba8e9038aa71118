package session

import (
	"context"
	"sync"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/ledger"
)

// MockFrameSource replays fixed batches, then calls AfterFunc.
type MockFrameSource struct {
	Batches   [][]Detection
	AfterFunc func(ctx context.Context) ([]Detection, error)
	calls     int
}

func (m *MockFrameSource) NextBatch(ctx context.Context) ([]Detection, error) {
	m.calls++
	if len(m.Batches) > 0 {
		b := m.Batches[0]
		m.Batches = m.Batches[1:]
		return b, nil
	}
	if m.AfterFunc != nil {
		return m.AfterFunc(ctx)
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

type appendCall struct {
	SessionID int64
	Identity  gallery.Identity
	At        time.Time
	CtxErr    error
}

// MockLedger is an in-memory ledger with the same at-most-once semantics.
type MockLedger struct {
	AppendFunc func(ctx context.Context, sessionID int64, id gallery.Identity, at time.Time) (ledger.Outcome, error)

	mu    sync.Mutex
	calls []appendCall
	seen  map[int64]map[gallery.Identity]bool
}

func (m *MockLedger) AppendIfAbsent(ctx context.Context, sessionID int64, id gallery.Identity, at time.Time) (ledger.Outcome, error) {
	m.mu.Lock()
	m.calls = append(m.calls, appendCall{SessionID: sessionID, Identity: id, At: at, CtxErr: ctx.Err()})
	m.mu.Unlock()

	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, sessionID, id, at)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = make(map[int64]map[gallery.Identity]bool)
	}
	if m.seen[sessionID] == nil {
		m.seen[sessionID] = make(map[gallery.Identity]bool)
	}
	if m.seen[sessionID][id] {
		return ledger.AlreadyPresent, nil
	}
	m.seen[sessionID][id] = true
	return ledger.Inserted, nil
}

// MockSink collects annotations.
type MockSink struct {
	Annotations []Annotation
	OnAnnotate  func(Annotation)
}

func (m *MockSink) Annotate(a Annotation) {
	m.Annotations = append(m.Annotations, a)
	if m.OnAnnotate != nil {
		m.OnAnnotate(a)
	}
}

// MockRecorder counts observations.
type MockRecorder struct {
	Frames, Matches, Accepted, Appends, AppendErrors, Skipped int
}

func (m *MockRecorder) ObserveFrame(int) { m.Frames++ }

func (m *MockRecorder) ObserveMatch(accepted bool, _ float64) {
	m.Matches++
	if accepted {
		m.Accepted++
	}
}

func (m *MockRecorder) ObserveAppend(_ ledger.Outcome, err error) {
	m.Appends++
	if err != nil {
		m.AppendErrors++
	}
}

func (m *MockRecorder) ObserveSkipped() { m.Skipped++ }
