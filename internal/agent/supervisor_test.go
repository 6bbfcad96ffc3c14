package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Polymythic/AgentSoftwareDeveloper/internal/chat"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/config"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/sourcectl"
)

// fakeChat records lifecycle calls and can be told to fail connect or send.
type fakeChat struct {
	name        string
	failConnect bool
	failSend    bool

	mu          sync.Mutex
	connects    int
	disconnects int
	sent        []string
	events      *eventLog
}

func (f *fakeChat) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConnect {
		return errors.New("chat connect refused")
	}
	f.connects++
	return nil
}

func (f *fakeChat) Send(ctx context.Context, channel, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("chat send refused")
	}
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeChat) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	if f.events != nil {
		f.events.add("disconnect:" + f.name)
	}
	return nil
}

type fakeSource struct {
	failConnect bool

	mu          sync.Mutex
	connects    int
	disconnects int
}

func (f *fakeSource) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConnect {
		return errors.New("source connect refused")
	}
	f.connects++
	return nil
}

func (f *fakeSource) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

// eventLog is a shared ordered record of fake integration calls.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(ev string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

// harness wires fake integrations into a supervisor over a real config.
type harness struct {
	cfg    *config.SystemConfig
	sup    *Supervisor
	events *eventLog

	mu          sync.Mutex
	chats       map[string][]*fakeChat
	sources     map[string][]*fakeSource
	failConnect map[string]bool // fail every chat connect for this agent
	failSend    map[string]bool
	failSource  map[string]bool
	// failChatFromSecond fails chat connects from the second handle on,
	// so a restart's start leg fails after a clean stop.
	failChatFromSecond map[string]bool
}

func newHarness(t *testing.T, names ...string) *harness {
	t.Helper()
	cfg := testConfig(t, names...)
	h := &harness{
		cfg:                cfg,
		events:             &eventLog{},
		chats:              make(map[string][]*fakeChat),
		sources:            make(map[string][]*fakeSource),
		failConnect:        make(map[string]bool),
		failSend:           make(map[string]bool),
		failSource:         make(map[string]bool),
		failChatFromSecond: make(map[string]bool),
	}

	ints := Integrations{
		NewChat: func(ac config.AgentConfig) chat.Client {
			h.mu.Lock()
			defer h.mu.Unlock()
			fc := &fakeChat{
				name:        ac.Name,
				failConnect: h.failConnect[ac.Name],
				failSend:    h.failSend[ac.Name],
				events:      h.events,
			}
			if h.failChatFromSecond[ac.Name] && len(h.chats[ac.Name]) > 0 {
				fc.failConnect = true
			}
			h.chats[ac.Name] = append(h.chats[ac.Name], fc)
			return fc
		},
		NewSource: func(ac config.AgentConfig) sourcectl.Client {
			h.mu.Lock()
			defer h.mu.Unlock()
			fs := &fakeSource{failConnect: h.failSource[ac.Name]}
			h.sources[ac.Name] = append(h.sources[ac.Name], fs)
			return fs
		},
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.sup = NewSupervisor(cfg, ints, nil, log, nil)
	h.sup.SetSettleDelay(time.Millisecond)
	return h
}

func (h *harness) chat(name string, i int) *fakeChat {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.chats[name][i]
}

func (h *harness) chatCount(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.chats[name])
}

// testConfig writes and loads a roster with the given names. Roles cycle
// through the valid set so any number of names works.
func testConfig(t *testing.T, names ...string) *config.SystemConfig {
	t.Helper()
	roles := []string{"architect", "qa", "backend", "frontend", "devops", "product_manager"}
	body := "name: test-team\nversion: \"1.0\"\nenvironment: test\nslack:\n  default_channel: \"#standup\"\nagents:\n"
	for i, n := range names {
		body += fmt.Sprintf("  - name: %s\n    model: gpt-4o-mini\n    role: %s\n", n, roles[i%len(roles)])
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load test config: %v", err)
	}
	return cfg
}

func TestStartAllReportsEveryRosterName(t *testing.T) {
	h := newHarness(t, "architect", "backend", "qa")
	ctx := context.Background()

	if err := h.sup.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if !h.sup.Running() {
		t.Error("running flag should be set after StartAll")
	}

	statuses := h.sup.AllAgentStatus(ctx)
	if len(statuses) != 3 {
		t.Fatalf("got %d statuses, want 3", len(statuses))
	}
	for name, snap := range statuses {
		if snap.Status != StatusRunning {
			t.Errorf("%s: status %q, want running", name, snap.Status)
		}
		if snap.Name != name {
			t.Errorf("snapshot name %q under key %q", snap.Name, name)
		}
	}
}

func TestStartAllAnnouncesArrival(t *testing.T) {
	h := newHarness(t, "architect", "qa")
	if err := h.sup.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	fc := h.chat("architect", 0)
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.sent) != 1 {
		t.Fatalf("got %d announcements, want 1", len(fc.sent))
	}
	want := "🚀 architect is now online and ready to help with architect tasks!"
	if fc.sent[0] != want {
		t.Errorf("announcement = %q, want %q", fc.sent[0], want)
	}
}

func TestAnnouncementFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, "architect")
	h.failSend["architect"] = true

	if err := h.sup.StartAgent(context.Background(), "architect"); err != nil {
		t.Fatalf("StartAgent should swallow send failures, got %v", err)
	}
	if got := h.sup.AgentStatus(context.Background(), "architect"); got.Status != StatusRunning {
		t.Errorf("status = %q, want running", got.Status)
	}
}

func TestStopAgentOnNotRunningIsNoOp(t *testing.T) {
	h := newHarness(t, "architect")
	if stopped := h.sup.StopAgent(context.Background(), "architect"); stopped {
		t.Error("StopAgent on a name that never started should report false")
	}
	if stopped := h.sup.StopAgent(context.Background(), "ghost"); stopped {
		t.Error("StopAgent on an unconfigured name should report false")
	}
}

func TestRosterScenarioStartStopSequence(t *testing.T) {
	h := newHarness(t, "architect", "qa")
	ctx := context.Background()

	if err := h.sup.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"architect", "qa"} {
		if got := h.sup.AgentStatus(ctx, name).Status; got != StatusRunning {
			t.Fatalf("%s after StartAll: %q", name, got)
		}
	}

	if !h.sup.StopAgent(ctx, "architect") {
		t.Fatal("StopAgent(architect) should report true")
	}
	statuses := h.sup.AllAgentStatus(ctx)
	if statuses["architect"].Status != StatusNotRunning {
		t.Errorf("architect = %q, want not_running", statuses["architect"].Status)
	}
	if statuses["qa"].Status != StatusRunning {
		t.Errorf("qa = %q, want running", statuses["qa"].Status)
	}

	h.sup.StopAll(ctx)
	statuses = h.sup.AllAgentStatus(ctx)
	for name, snap := range statuses {
		if snap.Status != StatusNotRunning {
			t.Errorf("%s after StopAll = %q, want not_running", name, snap.Status)
		}
	}
	if h.sup.Running() {
		t.Error("running flag should be cleared by StopAll")
	}
}

func TestStopAllReverseRosterOrder(t *testing.T) {
	h := newHarness(t, "architect", "backend", "qa")
	ctx := context.Background()
	if err := h.sup.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	h.sup.StopAll(ctx)

	var order []string
	for _, ev := range h.events.all() {
		order = append(order, ev)
	}
	want := []string{"disconnect:qa", "disconnect:backend", "disconnect:architect"}
	if len(order) != len(want) {
		t.Fatalf("events = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("stop order = %v, want %v", order, want)
		}
	}
}

func TestInitializeUnknownAgent(t *testing.T) {
	h := newHarness(t, "architect")
	err := h.sup.InitializeAgent(context.Background(), "missing")
	if !errors.Is(err, config.ErrAgentNotFound) {
		t.Fatalf("error = %v, want ErrAgentNotFound", err)
	}
	if _, err := h.cfg.Lookup("missing"); !errors.Is(err, config.ErrAgentNotFound) {
		t.Fatalf("direct lookup error = %v, want ErrAgentNotFound", err)
	}
}

func TestChatConnectFailureIsInitError(t *testing.T) {
	h := newHarness(t, "architect")
	h.failConnect["architect"] = true
	ctx := context.Background()

	err := h.sup.InitializeAgent(ctx, "architect")
	var initErr *InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("error = %v, want *InitError", err)
	}
	if initErr.Agent != "architect" {
		t.Errorf("InitError.Agent = %q", initErr.Agent)
	}

	// The handle must not be registered on failure.
	if got := h.sup.AgentStatus(ctx, "architect").Status; got != StatusNotRunning {
		t.Errorf("status after failed init = %q, want not_running", got)
	}
}

func TestSourceConnectFailureReleasesChat(t *testing.T) {
	h := newHarness(t, "architect")
	h.failSource["architect"] = true
	ctx := context.Background()

	err := h.sup.InitializeAgent(ctx, "architect")
	var initErr *InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("error = %v, want *InitError", err)
	}

	fc := h.chat("architect", 0)
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.connects != 1 || fc.disconnects != 1 {
		t.Errorf("chat connects=%d disconnects=%d, want 1/1 after failed source connect", fc.connects, fc.disconnects)
	}
	if got := h.sup.AgentStatus(ctx, "architect").Status; got != StatusNotRunning {
		t.Errorf("status = %q, want not_running", got)
	}
}

func TestStartAllPartialFailure(t *testing.T) {
	h := newHarness(t, "architect", "qa")
	h.failConnect["architect"] = true
	ctx := context.Background()

	if err := h.sup.StartAll(ctx); err != nil {
		t.Fatalf("StartAll should not fail on individual agents: %v", err)
	}
	if !h.sup.Running() {
		t.Error("running flag should be set even after partial failure")
	}

	statuses := h.sup.AllAgentStatus(ctx)
	if statuses["architect"].Status != StatusNotRunning {
		t.Errorf("architect = %q, want not_running", statuses["architect"].Status)
	}
	if statuses["qa"].Status != StatusRunning {
		t.Errorf("qa = %q, want running", statuses["qa"].Status)
	}
}

func TestRestartAgent(t *testing.T) {
	h := newHarness(t, "architect")
	ctx := context.Background()
	if err := h.sup.StartAgent(ctx, "architect"); err != nil {
		t.Fatal(err)
	}
	firstInstance := h.sup.AgentStatus(ctx, "architect").InstanceID

	h.sup.RestartAgent(ctx, "architect")

	snap := h.sup.AgentStatus(ctx, "architect")
	if snap.Status != StatusRunning {
		t.Fatalf("status after restart = %q, want running", snap.Status)
	}
	if snap.InstanceID == firstInstance {
		t.Error("restart should produce a fresh handle")
	}
	if h.chatCount("architect") != 2 {
		t.Errorf("chat clients created = %d, want 2", h.chatCount("architect"))
	}
	first := h.chat("architect", 0)
	first.mu.Lock()
	defer first.mu.Unlock()
	if first.disconnects != 1 {
		t.Errorf("old handle disconnects = %d, want 1", first.disconnects)
	}
}

func TestRestartStartFailureLeavesNotRunning(t *testing.T) {
	h := newHarness(t, "architect")
	h.failChatFromSecond["architect"] = true
	ctx := context.Background()
	if err := h.sup.StartAgent(ctx, "architect"); err != nil {
		t.Fatal(err)
	}

	h.sup.RestartAgent(ctx, "architect")

	if got := h.sup.AgentStatus(ctx, "architect").Status; got != StatusNotRunning {
		t.Errorf("status = %q, want not_running when the start leg fails", got)
	}
}

func TestReinitializeReplacesPreviousHandle(t *testing.T) {
	h := newHarness(t, "architect")
	ctx := context.Background()
	if err := h.sup.InitializeAgent(ctx, "architect"); err != nil {
		t.Fatal(err)
	}
	if err := h.sup.InitializeAgent(ctx, "architect"); err != nil {
		t.Fatal(err)
	}

	first := h.chat("architect", 0)
	first.mu.Lock()
	disconnects := first.disconnects
	first.mu.Unlock()
	if disconnects != 1 {
		t.Errorf("previous handle disconnects = %d, want 1", disconnects)
	}
	if got := h.sup.AgentStatus(ctx, "architect").Status; got != StatusRunning {
		t.Errorf("status = %q, want running", got)
	}
}

func TestAgentStatusDegradesToError(t *testing.T) {
	h := newHarness(t, "architect")
	ctx := context.Background()
	if err := h.sup.StartAgent(ctx, "architect"); err != nil {
		t.Fatal(err)
	}

	// Force the live handle into a state where its health check fails.
	h.sup.mu.Lock()
	a := h.sup.agents["architect"]
	h.sup.mu.Unlock()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	snap := h.sup.AgentStatus(ctx, "architect")
	if snap.Status != StatusError {
		t.Fatalf("status = %q, want error", snap.Status)
	}
	if snap.Detail == "" {
		t.Error("error snapshot should carry a detail message")
	}
}

// Exercised under -race: status queries may hold a handle the supervisor is
// shutting down concurrently, and StartAgent may lose the handle to a
// concurrent stop between registration and its re-read.
func TestConcurrentStatusDuringStop(t *testing.T) {
	h := newHarness(t, "architect")
	ctx := context.Background()
	if err := h.sup.StartAgent(ctx, "architect"); err != nil {
		t.Fatal(err)
	}

	churnDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-churnDone:
				return
			default:
				h.sup.AgentStatus(ctx, "architect")
				if i%3 == 0 {
					h.sup.StopAgent(ctx, "architect")
				}
			}
		}
	}()
	go func() {
		defer close(churnDone)
		for i := 0; i < 50; i++ {
			h.sup.StopAgent(ctx, "architect")
			if err := h.sup.StartAgent(ctx, "architect"); err != nil {
				t.Errorf("StartAgent: %v", err)
				return
			}
		}
	}()

	select {
	case <-churnDone:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent start/stop churn did not finish")
	}
	wg.Wait()

	h.sup.StopAgent(ctx, "architect")
	if got := h.sup.AgentStatus(ctx, "architect").Status; got != StatusNotRunning {
		t.Errorf("status after final stop = %q, want not_running", got)
	}
}

func TestStartAllWithoutConfig(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := NewSupervisor(nil, Integrations{}, nil, log, nil)

	err := sup.StartAll(context.Background())
	var cfgErr *config.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *config.ConfigError", err)
	}
	if statuses := sup.AllAgentStatus(context.Background()); len(statuses) != 0 {
		t.Errorf("AllAgentStatus without config = %v, want empty", statuses)
	}
}

func TestRunForeverStopsEachAgentExactlyOnce(t *testing.T) {
	h := newHarness(t, "architect", "qa")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.sup.RunForever(ctx) }()

	waitFor(t, func() bool {
		st := h.sup.AllAgentStatus(context.Background())
		return st["architect"].Status == StatusRunning && st["qa"].Status == StatusRunning
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunForever: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunForever did not exit after cancellation")
	}

	for _, name := range []string{"architect", "qa"} {
		fc := h.chat(name, 0)
		fc.mu.Lock()
		d := fc.disconnects
		fc.mu.Unlock()
		if d != 1 {
			t.Errorf("%s disconnects = %d, want exactly 1", name, d)
		}
	}
	if h.sup.Running() {
		t.Error("running flag should be cleared after RunForever")
	}
}

func TestRunForeverExitsWhenRunningCleared(t *testing.T) {
	h := newHarness(t, "architect")
	done := make(chan error, 1)
	go func() { done <- h.sup.RunForever(context.Background()) }()

	waitFor(t, func() bool { return h.sup.Running() })
	h.sup.StopAll(context.Background())

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunForever: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunForever did not notice the cleared running flag")
	}
}

func TestRunForeverPropagatesStartupFailure(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := NewSupervisor(nil, Integrations{}, nil, log, nil)

	err := sup.RunForever(context.Background())
	var cfgErr *config.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *config.ConfigError", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
