package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jmerrifield20/icn-node/internal/model"
	"github.com/jmerrifield20/icn-node/internal/trustledger"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubVerifier struct {
	reports []trustledger.ContinuityReport
	err     error
	calls   int
}

func (s *stubVerifier) Verify(_ context.Context) (trustledger.ContinuityReport, error) {
	if s.err != nil {
		return trustledger.ContinuityReport{}, s.err
	}
	r := s.reports[s.calls%len(s.reports)]
	s.calls++
	return r, nil
}

type stubStatus struct {
	mu       sync.Mutex
	statuses []healthpb.HealthCheckResponse_ServingStatus
}

func (s *stubStatus) SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if service == ServiceName {
		s.statuses = append(s.statuses, status)
	}
}

type stubGenerator struct {
	dates []string
	err   error
}

func (s *stubGenerator) Generate(_ context.Context, date string) (*model.Checkpoint, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	for _, d := range s.dates {
		if d == date {
			return &model.Checkpoint{Date: date}, false, nil
		}
	}
	s.dates = append(s.dates, date)
	return &model.Checkpoint{Date: date}, true, nil
}

var (
	intact = trustledger.ContinuityReport{OK: true, Length: 3, Head: "abc"}
	broken = trustledger.ContinuityReport{
		Length: 3,
		Break:  &trustledger.Break{Index: 1, Seq: 2, Reason: trustledger.ReasonPrevMismatch},
	}
)

// ── Tests ────────────────────────────────────────────────────────────────

func TestCheckChain_intactIsServing(t *testing.T) {
	status := &stubStatus{}
	m := New(&stubVerifier{reports: []trustledger.ContinuityReport{intact}}, nil, status, Config{}, zap.NewNop())

	report, err := m.CheckChain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK {
		t.Error("expected intact report")
	}
	if len(status.statuses) != 1 || status.statuses[0] != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("statuses = %v, want [SERVING]", status.statuses)
	}
}

func TestCheckChain_breakIsNotServing(t *testing.T) {
	status := &stubStatus{}
	verifier := &stubVerifier{reports: []trustledger.ContinuityReport{intact, broken, broken}}
	m := New(verifier, nil, status, Config{}, zap.NewNop())

	var recorded []bool
	m.SetMetricsRecord(func(r trustledger.ContinuityReport) { recorded = append(recorded, r.OK) })

	for i := 0; i < 3; i++ {
		if _, err := m.CheckChain(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	want := []healthpb.HealthCheckResponse_ServingStatus{
		healthpb.HealthCheckResponse_SERVING,
		healthpb.HealthCheckResponse_NOT_SERVING,
		healthpb.HealthCheckResponse_NOT_SERVING,
	}
	for i, s := range want {
		if status.statuses[i] != s {
			t.Errorf("status[%d] = %v, want %v", i, status.statuses[i], s)
		}
	}
	if len(recorded) != 3 || recorded[0] != true || recorded[1] != false {
		t.Errorf("recorded = %v", recorded)
	}
	last, ok := m.Last()
	if !ok || last.OK {
		t.Errorf("Last() = %+v, %v; want broken report", last, ok)
	}
}

func TestCheckChain_scanErrorKeepsStatus(t *testing.T) {
	status := &stubStatus{}
	m := New(&stubVerifier{err: errors.New("db down")}, nil, status, Config{}, zap.NewNop())

	if _, err := m.CheckChain(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(status.statuses) != 0 {
		t.Errorf("status should not change on scan error, got %v", status.statuses)
	}
}

func TestGenerateYesterday(t *testing.T) {
	gen := &stubGenerator{}
	m := New(&stubVerifier{reports: []trustledger.ContinuityReport{intact}}, gen, nil, Config{}, zap.NewNop())
	m.SetClock(func() time.Time { return time.Date(2025, 3, 2, 0, 5, 0, 0, time.UTC) })

	var created []bool
	m.SetCheckpointRecord(func(c bool, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		created = append(created, c)
	})

	m.GenerateYesterday(context.Background())
	m.GenerateYesterday(context.Background())

	if len(gen.dates) != 1 || gen.dates[0] != "2025-03-01" {
		t.Errorf("dates = %v, want [2025-03-01]", gen.dates)
	}
	if len(created) != 2 || !created[0] || created[1] {
		t.Errorf("created = %v, want [true false]", created)
	}
}

func TestStart_stopsOnCancel(t *testing.T) {
	verifier := &stubVerifier{reports: []trustledger.ContinuityReport{intact}}
	m := New(verifier, nil, nil, Config{CheckInterval: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
