package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"offline-phone/internal/blobstore"
	"offline-phone/internal/cache"
	"offline-phone/internal/calls"
	"offline-phone/internal/capture"
	"offline-phone/internal/chunks"
	"offline-phone/internal/connectivity"
	"offline-phone/internal/playback"
	"offline-phone/internal/presence"
	"offline-phone/internal/realtime"
	"offline-phone/internal/recording"
	"offline-phone/internal/upload"
)

var errStoreUnreachable = errors.New("store unreachable")

// gatedCallRepo fails every store access while the party's connectivity
// signal says offline, the way a real shared store would.
type gatedCallRepo struct {
	inner calls.Repository
	sig   *connectivity.Manual
}

func (r gatedCallRepo) Create(ctx context.Context, c calls.Call) (calls.Call, error) {
	if !r.sig.Online() {
		return calls.Call{}, errStoreUnreachable
	}
	return r.inner.Create(ctx, c)
}

func (r gatedCallRepo) GetByID(ctx context.Context, id string) (calls.Call, error) {
	if !r.sig.Online() {
		return calls.Call{}, errStoreUnreachable
	}
	return r.inner.GetByID(ctx, id)
}

func (r gatedCallRepo) SetStatus(ctx context.Context, id string, status calls.Status, at time.Time) (calls.Call, error) {
	if !r.sig.Online() {
		return calls.Call{}, errStoreUnreachable
	}
	return r.inner.SetStatus(ctx, id, status, at)
}

func (r gatedCallRepo) NonTerminalForNumber(ctx context.Context, number string) ([]calls.Call, error) {
	if !r.sig.Online() {
		return nil, errStoreUnreachable
	}
	return r.inner.NonTerminalForNumber(ctx, number)
}

func (r gatedCallRepo) EndDangling(ctx context.Context, number string, at time.Time) ([]calls.Call, error) {
	if !r.sig.Online() {
		return nil, errStoreUnreachable
	}
	return r.inner.EndDangling(ctx, number, at)
}

type env struct {
	bus       *realtime.MemoryBus
	callRepo  *calls.MemoryRepo
	presRepo  *presence.MemoryRepo
	chunkRepo *chunks.MemoryRepo
	blobs     *blobstore.Client
	presSvc   *presence.Service
}

type party struct {
	number string
	o      *Orchestrator
	sig    *connectivity.Manual
	dev    *capture.ScriptDevice
	player *playback.MemoryPlayer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	bus := realtime.NewMemoryBus()
	presRepo := presence.NewMemoryRepo()
	return &env{
		bus:       bus,
		callRepo:  calls.NewMemoryRepo(),
		presRepo:  presRepo,
		chunkRepo: chunks.NewMemoryRepo(),
		blobs:     blobstore.TestClient(t, "call-audio"),
		presSvc:   presence.NewService(presRepo, bus, nil, time.Minute),
	}
}

func (e *env) newParty(t *testing.T, number, username string) *party {
	t.Helper()
	sig := connectivity.NewManual(true)
	return e.newPartyOn(t, number, username, sig, gatedCallRepo{inner: e.callRepo, sig: sig})
}

// newPartyOn picks the repo gating. An ungated repo models a degraded
// link: the quality signal says offline while the store stays reachable.
func (e *env) newPartyOn(t *testing.T, number, username string, sig *connectivity.Manual, repo calls.Repository) *party {
	t.Helper()
	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	callSvc := calls.NewService(repo, e.bus, nil)
	chunkSvc := chunks.NewService(e.chunkRepo, store, e.blobs, e.bus, sig.Online, nil)
	dev := &capture.ScriptDevice{Payload: []byte("voice " + number)}
	rec := recording.NewManager(dev, 40*time.Millisecond, nil)
	up := upload.NewCoordinator(e.blobs, chunkSvc, 2*time.Second, nil)
	player := playback.NewMemoryPlayer()
	engine := playback.NewEngine(chunkSvc, player, 500*time.Millisecond, 5*time.Millisecond, nil)

	cfg := Config{
		Number:           number,
		Username:         username,
		RingTimeout:      300 * time.Millisecond,
		EndDismiss:       50 * time.Millisecond,
		UploadRetryDelay: 20 * time.Millisecond,
	}
	o := New(cfg, callSvc, e.presSvc, chunkSvc, rec, up, engine, sig, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := o.Start(ctx); err != nil {
		t.Fatalf("start %s: %v", number, err)
	}

	p := &party{number: number, o: o, sig: sig, dev: dev, player: player}
	p.waitView(t, ViewDialer)
	return p
}

func (p *party) waitView(t *testing.T, v View) {
	t.Helper()
	waitFor(t, p.number+" in view "+string(v), func() bool {
		return p.o.State().View == v
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCallFlow_DialAcceptExchangeHangup(t *testing.T) {
	e := newEnv(t)
	alice := e.newParty(t, "5550000001", "alice")
	bob := e.newParty(t, "5550000002", "bob")

	c, err := alice.o.Dial(context.Background(), bob.number, "bob")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if c.Status != calls.StatusRinging {
		t.Fatalf("dialed status = %s, want ringing", c.Status)
	}
	alice.waitView(t, ViewCalling)
	bob.waitView(t, ViewIncoming)

	if _, err := bob.o.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	bob.waitView(t, ViewCalling)
	waitFor(t, "caller sees active", func() bool {
		s := alice.o.State()
		return s.Call != nil && s.Call.Status == calls.StatusActive
	})

	// One capture window per side, blob then row, then the counterpart
	// hears it.
	waitFor(t, "both chunks recorded", func() bool {
		rows, err := e.chunkRepo.ListForCall(context.Background(), c.ID)
		return err == nil && len(rows) == 2
	})
	waitFor(t, "alice hears bob", func() bool { return len(alice.player.PlayedRefs()) >= 1 })
	waitFor(t, "bob hears alice", func() bool { return len(bob.player.PlayedRefs()) >= 1 })

	if err := alice.o.Hangup(context.Background()); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	alice.waitView(t, ViewDialer)
	bob.waitView(t, ViewDialer)

	got, err := e.callRepo.GetByID(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != calls.StatusEnded {
		t.Fatalf("final status = %s, want ended", got.Status)
	}
}

func TestDial_OfflinePeerGetsNoCallRow(t *testing.T) {
	e := newEnv(t)
	alice := e.newParty(t, "5550000001", "alice")

	_, err := alice.o.Dial(context.Background(), "5550000009", "nobody")
	if !errors.Is(err, ErrPeerOffline) {
		t.Fatalf("err = %v, want ErrPeerOffline", err)
	}
	rows, err := e.callRepo.NonTerminalForNumber(context.Background(), "5550000009")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("dialing an offline peer must not create a row, got %d", len(rows))
	}
}

func TestDial_OnlyFromDialer(t *testing.T) {
	e := newEnv(t)
	alice := e.newParty(t, "5550000001", "alice")
	bob := e.newParty(t, "5550000002", "bob")

	if _, err := alice.o.Dial(context.Background(), bob.number, "bob"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := alice.o.Dial(context.Background(), bob.number, "bob"); !errors.Is(err, ErrWrongView) {
		t.Fatalf("second dial err = %v, want ErrWrongView", err)
	}
}

func TestIncoming_RingTimeoutAutoRejects(t *testing.T) {
	e := newEnv(t)
	alice := e.newParty(t, "5550000001", "alice")
	bob := e.newParty(t, "5550000002", "bob")

	c, err := alice.o.Dial(context.Background(), bob.number, "bob")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	bob.waitView(t, ViewIncoming)

	waitFor(t, "ring timeout rejects", func() bool {
		got, err := e.callRepo.GetByID(context.Background(), c.ID)
		return err == nil && got.Status == calls.StatusRejected
	})
	alice.waitView(t, ViewDialer)
	bob.waitView(t, ViewDialer)
}

func TestReject_EndsBothSides(t *testing.T) {
	e := newEnv(t)
	alice := e.newParty(t, "5550000001", "alice")
	bob := e.newParty(t, "5550000002", "bob")

	c, err := alice.o.Dial(context.Background(), bob.number, "bob")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	bob.waitView(t, ViewIncoming)
	if err := bob.o.Reject(context.Background()); err != nil {
		t.Fatalf("reject: %v", err)
	}
	bob.waitView(t, ViewDialer)
	alice.waitView(t, ViewDialer)

	got, _ := e.callRepo.GetByID(context.Background(), c.ID)
	if got.Status != calls.StatusRejected {
		t.Fatalf("status = %s, want rejected", got.Status)
	}
}

func TestOfflineMidCall_DegradesToCachedPlaybackAndRecovers(t *testing.T) {
	e := newEnv(t)
	alice := e.newParty(t, "5550000001", "alice")
	bob := e.newParty(t, "5550000002", "bob")

	if _, err := alice.o.Dial(context.Background(), bob.number, "bob"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	bob.waitView(t, ViewIncoming)
	if _, err := bob.o.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitFor(t, "alice upload confirmed", func() bool {
		s := alice.o.State()
		return s.View == ViewCalling && s.Uploaded
	})
	waitFor(t, "alice heard bob live", func() bool { return len(alice.player.PlayedRefs()) >= 1 })

	alice.sig.Set(false)
	alice.waitView(t, ViewConnected)

	alice.sig.Set(true)
	alice.waitView(t, ViewCalling)

	// The first online period confirmed its upload, so the second period
	// gets the next session index.
	waitFor(t, "session index advanced", func() bool {
		return alice.o.State().SessionIndex == 1
	})
}

func TestHangupOffline_EndsLocallyThenReapsOnRegain(t *testing.T) {
	e := newEnv(t)
	alice := e.newParty(t, "5550000001", "alice")
	bob := e.newParty(t, "5550000002", "bob")

	c, err := alice.o.Dial(context.Background(), bob.number, "bob")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	bob.waitView(t, ViewIncoming)
	if _, err := bob.o.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	alice.waitView(t, ViewCalling)

	alice.sig.Set(false)
	alice.waitView(t, ViewConnected)

	// The store is unreachable; the view still ends immediately.
	if err := alice.o.Hangup(context.Background()); err != nil {
		t.Fatalf("offline hangup: %v", err)
	}
	alice.waitView(t, ViewDialer)

	got, _ := e.callRepo.GetByID(context.Background(), c.ID)
	if got.Status != calls.StatusActive {
		t.Fatalf("store row should still be active while offline, got %s", got.Status)
	}

	// Regaining connectivity from the dialer reaps the dangling row.
	alice.sig.Set(true)
	waitFor(t, "dangling row reaped", func() bool {
		got, err := e.callRepo.GetByID(context.Background(), c.ID)
		return err == nil && got.Status == calls.StatusEnded
	})
}

func TestIncoming_IgnoredWhileBusy(t *testing.T) {
	e := newEnv(t)
	alice := e.newParty(t, "5550000001", "alice")
	bob := e.newParty(t, "5550000002", "bob")
	carol := e.newParty(t, "5550000003", "carol")

	first, err := alice.o.Dial(context.Background(), bob.number, "bob")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	bob.waitView(t, ViewIncoming)
	if _, err := bob.o.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	bob.waitView(t, ViewCalling)

	if _, err := carol.o.Dial(context.Background(), bob.number, "bob"); err != nil {
		t.Fatalf("carol dial: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	s := bob.o.State()
	if s.View != ViewCalling || s.Call == nil || s.Call.ID != first.ID {
		t.Fatalf("busy callee must keep its call, got view=%s", s.View)
	}
}

// failingSubscribeBus refuses subscriptions; publishes are swallowed.
type failingSubscribeBus struct{}

func (failingSubscribeBus) Publish(context.Context, realtime.Event) error { return nil }
func (failingSubscribeBus) Subscribe(context.Context, realtime.Filter) (<-chan realtime.Event, func(), error) {
	return nil, nil, errors.New("subscribe refused")
}

func TestStart_FailsWhenIncomingSubscribeFails(t *testing.T) {
	e := newEnv(t)
	sig := connectivity.NewManual(true)
	callSvc := calls.NewService(e.callRepo, failingSubscribeBus{}, nil)
	o := New(Config{Number: "5550000001", Username: "alice"},
		callSvc, e.presSvc, nil, nil, nil, nil, sig, nil, nil, nil)

	// The subscription must be in place before Start returns; a ring
	// published right after has nowhere else to land.
	if err := o.Start(context.Background()); err == nil {
		t.Fatalf("expected an error when the incoming subscription cannot be established")
	}
}

func TestIncoming_RingRightAfterStartIsNotLost(t *testing.T) {
	e := newEnv(t)
	alice := e.newParty(t, "5550000001", "alice")
	bob := e.newParty(t, "5550000002", "bob")

	// No settling pause: the callee's subscription must already exist.
	if _, err := alice.o.Dial(context.Background(), bob.number, "bob"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	bob.waitView(t, ViewIncoming)
}

func TestAccept_OnDegradedLinkEntersCachedPlayback(t *testing.T) {
	e := newEnv(t)
	alice := e.newParty(t, "5550000001", "alice")
	bobSig := connectivity.NewManual(true)
	// Ungated repo: the store stays reachable while the quality signal
	// drops below the live threshold.
	bob := e.newPartyOn(t, "5550000002", "bob", bobSig, e.callRepo)

	if _, err := alice.o.Dial(context.Background(), bob.number, "bob"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	bob.waitView(t, ViewIncoming)

	bob.sig.Set(false)
	if _, err := bob.o.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	bob.waitView(t, ViewConnected)
	if s := bob.o.State(); s.Recording {
		t.Fatalf("no capture window may open while effectively offline")
	}

	// Regain upgrades the same call to the live view.
	bob.sig.Set(true)
	bob.waitView(t, ViewCalling)
}

func TestRestart_DanglingRowReapedOnDialerEntry(t *testing.T) {
	e := newEnv(t)

	// A row left active by a crashed process.
	c, err := e.callRepo.Create(context.Background(), calls.Call{
		FromNumber: "5550000001", ToNumber: "5550000002",
		FromUsername: "alice", ToUsername: "bob",
		Status: calls.StatusActive, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed call: %v", err)
	}

	e.newParty(t, "5550000001", "alice")
	waitFor(t, "dangling row reaped at startup", func() bool {
		got, err := e.callRepo.GetByID(context.Background(), c.ID)
		return err == nil && got.Status == calls.StatusEnded
	})
}

func TestAccept_OnlyFromIncoming(t *testing.T) {
	e := newEnv(t)
	alice := e.newParty(t, "5550000001", "alice")

	if _, err := alice.o.Accept(context.Background()); !errors.Is(err, ErrWrongView) {
		t.Fatalf("accept err = %v, want ErrWrongView", err)
	}
	if err := alice.o.Hangup(context.Background()); !errors.Is(err, ErrWrongView) {
		t.Fatalf("hangup err = %v, want ErrWrongView", err)
	}
}
