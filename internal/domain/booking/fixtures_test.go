package booking

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dermalink/booking/internal/platform/session"
)

var monday9 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeIssuer struct {
	mu      sync.Mutex
	calls   int
	fail    error
	failFor string // participant prefix; empty fails everyone
	delay   time.Duration
}

func (f *fakeIssuer) IssueCredential(ctx context.Context, channelID, participantID string) (*session.Credential, error) {
	f.mu.Lock()
	f.calls++
	fail, failFor, delay := f.fail, f.failFor, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil && (failFor == "" || strings.HasPrefix(participantID, failFor)) {
		return nil, fail
	}
	return &session.Credential{
		Token:     "tok/" + channelID + "/" + participantID,
		ExpiresAt: time.Now().Add(time.Hour).UTC(),
	}, nil
}

func (f *fakeIssuer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeIssuer) setFailure(err error, prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail, f.failFor = err, prefix
}

type recordingEvents struct {
	mu       sync.Mutex
	keys     []string
	payloads []any
	err      error
}

func (r *recordingEvents) Publish(_ context.Context, routingKey string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.keys = append(r.keys, routingKey)
	r.payloads = append(r.payloads, payload)
	return nil
}

type testEnv struct {
	store  *MemoryStore
	issuer *fakeIssuer
	events *recordingEvents
	alloc  *Allocator
	svc    *Service
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	return newTestEnvWithIssuer(t, now, &fakeIssuer{}, nil)
}

// newTestEnvWithIssuer lets a test wrap the fake, e.g. in a CachingIssuer.
func newTestEnvWithIssuer(t *testing.T, now time.Time, fake *fakeIssuer, wrap func(session.Issuer) session.Issuer) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  NewMemoryStore(),
		issuer: fake,
		events: &recordingEvents{},
	}
	var issuer session.Issuer = fake
	if wrap != nil {
		issuer = wrap(fake)
	}
	clock := FixedClock(now)
	env.alloc = NewAllocator(AllocatorDeps{
		Providers:    env.store,
		Slots:        env.store,
		Reservations: env.store,
		Tx:           env.store,
		Issuer:       issuer,
		Events:       env.events,
		Clock:        clock,
		Timeout:      2 * time.Second,
		Logger:       zerolog.Nop(),
	})
	env.svc = NewService(ServiceDeps{
		Providers:    env.store,
		Slots:        env.store,
		Reservations: env.store,
		Allocator:    env.alloc,
		Issuer:       issuer,
		AppID:        "test-app",
		Clock:        clock,
	})
	return env
}

func (e *testEnv) addProvider(t *testing.T, name, specialization string) *Provider {
	t.Helper()
	p, err := e.svc.RegisterProvider(context.Background(), name, specialization)
	if err != nil {
		t.Fatalf("register provider: %v", err)
	}
	return p
}

// addSlots publishes one 30 minute slot per start.
func (e *testEnv) addSlots(t *testing.T, providerID int64, starts ...time.Time) []*Slot {
	t.Helper()
	var out []*Slot
	for _, s := range starts {
		slot, err := e.svc.PublishSlot(context.Background(), providerID, s, 30*time.Minute)
		if err != nil {
			t.Fatalf("publish slot at %s: %v", s, err)
		}
		out = append(out, slot)
	}
	return out
}

func (e *testEnv) slot(t *testing.T, id int64) *Slot {
	t.Helper()
	s, err := e.store.GetSlot(context.Background(), id)
	if err != nil {
		t.Fatalf("get slot %d: %v", id, err)
	}
	return s
}
