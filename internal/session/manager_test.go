package session

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"forge/internal/artifact"
	"forge/internal/llm"
	"forge/internal/runner"
)

// hangSegment produces nothing until its context is cancelled.
type hangSegment struct {
	r *io.PipeReader
}

func (s *hangSegment) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *hangSegment) Close() error               { return s.r.Close() }
func (s *hangSegment) StopReason() llm.StopReason { return llm.StopOther }

type hangProvider struct{}

func (hangProvider) Stream(ctx context.Context, req llm.Request) (llm.Segment, error) {
	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		pw.CloseWithError(ctx.Err())
	}()
	return &hangSegment{r: pr}, nil
}

func newTestManager(t *testing.T, provider llm.Provider) *Manager {
	t.Helper()
	mgr := NewManager(Options{MaxSessions: 10, Provider: provider})
	t.Cleanup(mgr.Shutdown)
	return mgr
}

// collect reads events until one of type stop arrives.
func collect(t *testing.T, ch <-chan Event, stop EventType) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed before %s event", stop)
			}
			events = append(events, ev)
			if ev.Type == stop {
				return events
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", stop)
		}
	}
}

func waitActions(t *testing.T, mgr *Manager, id string, n int) []runner.ActionState {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		actions, err := mgr.Actions(id)
		if err != nil {
			t.Fatal(err)
		}
		done := len(actions) == n
		for _, a := range actions {
			if !a.Status.Terminal() {
				done = false
			}
		}
		if done {
			return actions
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("actions of %s did not finish", id)
	return nil
}

func TestNewManager(t *testing.T) {
	mgr := NewManager(Options{MaxSessions: 10})
	if mgr == nil {
		t.Fatal("expected non-nil manager")
	}
}

func TestManager_CreateInvalidWorkDir(t *testing.T) {
	mgr := newTestManager(t, llm.NewScript())
	_, err := mgr.Create("/nonexistent/path/xyz", "test")
	if err == nil {
		t.Fatal("expected error for nonexistent work dir")
	}
}

func TestManager_CreateWorkDirIsFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	mgr := newTestManager(t, llm.NewScript())
	_, err := mgr.Create(f, "test")
	if err == nil {
		t.Fatal("expected error for file path")
	}
}

func TestManager_MaxSessionsLimit(t *testing.T) {
	mgr := NewManager(Options{MaxSessions: 1})
	t.Cleanup(mgr.Shutdown)

	sess, err := mgr.Create(t.TempDir(), "one")
	if err != nil {
		t.Fatal(err)
	}
	_, err = mgr.Create(t.TempDir(), "two")
	if !errors.Is(err, ErrMaxSessions) {
		t.Fatalf("expected ErrMaxSessions, got %v", err)
	}

	// Terminated sessions do not count.
	if err := mgr.Kill(sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Create(t.TempDir(), "three"); err != nil {
		t.Fatalf("expected room after kill, got %v", err)
	}
}

func TestManager_NotFound(t *testing.T) {
	mgr := newTestManager(t, llm.NewScript())

	if _, err := mgr.Get("nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get: expected ErrNotFound, got %v", err)
	}
	if _, err := mgr.Send("nonexistent", "hello"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Send: expected ErrNotFound, got %v", err)
	}
	if err := mgr.Kill("nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Kill: expected ErrNotFound, got %v", err)
	}
	if err := mgr.Abort("nonexistent", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Abort: expected ErrNotFound, got %v", err)
	}
	if _, _, _, err := mgr.Subscribe("nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Subscribe: expected ErrNotFound, got %v", err)
	}
	if _, err := mgr.GetWorkDir("nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetWorkDir: expected ErrNotFound, got %v", err)
	}
}

func TestManager_ListEmpty(t *testing.T) {
	mgr := newTestManager(t, llm.NewScript())
	sessions := mgr.List()
	if len(sessions) != 0 {
		t.Errorf("expected empty list, got %d sessions", len(sessions))
	}
}

func TestManager_CreateAndList(t *testing.T) {
	mgr := newTestManager(t, llm.NewScript())
	dir := t.TempDir()

	sess, err := mgr.Create(dir, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != StateIdle || sess.Label != "demo" {
		t.Errorf("unexpected session %+v", sess)
	}

	workDir, err := mgr.GetWorkDir(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	abs, _ := filepath.Abs(dir)
	if workDir != abs {
		t.Errorf("expected work dir %s, got %s", abs, workDir)
	}

	list := mgr.List()
	if len(list) != 1 || list[0].ID != sess.ID {
		t.Errorf("unexpected list %+v", list)
	}
}

func TestManager_SendRunsActions(t *testing.T) {
	provider := llm.NewScript(
		llm.ScriptedSegment{Chunks: []string{
			"Here you go.\n<boltArtifact id=\"app\" title=\"App\">\n",
			"<boltAction type=\"file\" filePath=\"src/hello.txt\">\nhel",
			"lo\n</boltAction>\n<boltAction type=\"shell\">\ncat src/hello.txt\n</boltAction>\n",
			"</boltArtifact>\nDone.",
		}},
		llm.ScriptedSegment{Chunks: []string{"Second answer."}},
	)
	mgr := newTestManager(t, provider)
	dir := t.TempDir()
	sess, err := mgr.Create(dir, "demo")
	if err != nil {
		t.Fatal(err)
	}

	_, ch, _, err := mgr.Subscribe(sess.ID)
	if err != nil {
		t.Fatal(err)
	}

	messageID, err := mgr.Send(sess.ID, "make hello")
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch, EventTurnDone)

	var text strings.Builder
	artifacts := 0
	for _, ev := range events {
		switch ev.Type {
		case EventText:
			text.WriteString(ev.Data)
		case EventArtifact:
			artifacts++
		}
	}
	if got := text.String(); !strings.Contains(got, "Here you go.") || !strings.Contains(got, "Done.") {
		t.Errorf("unexpected prose %q", got)
	}
	if artifacts != 2 {
		t.Errorf("expected artifact open and close, got %d", artifacts)
	}
	done := events[len(events)-1]
	if done.MessageID != messageID || done.Error != "" {
		t.Errorf("unexpected turn_done %+v", done)
	}

	actions := waitActions(t, mgr, sess.ID, 2)
	for _, a := range actions {
		if a.Status != runner.StatusComplete {
			t.Errorf("action %s: expected complete, got %s (%s)", a.ID, a.Status, a.Error)
		}
	}
	if actions[0].ID != messageID+"-1" || actions[1].ID != messageID+"-2" {
		t.Errorf("unexpected action ids %s, %s", actions[0].ID, actions[1].ID)
	}

	data, err := os.ReadFile(filepath.Join(dir, "src", "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("expected file content %q, got %q", "hello", data)
	}

	// Second turn carries the history.
	if _, err := mgr.Send(sess.ID, "again"); err != nil {
		t.Fatal(err)
	}
	collect(t, ch, EventTurnDone)

	reqs := provider.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 provider calls, got %d", len(reqs))
	}
	msgs := reqs[1].Messages
	if len(msgs) != 3 || msgs[1].Role != llm.RoleAssistant || !strings.Contains(msgs[1].Content, "<boltArtifact") {
		t.Errorf("unexpected history %+v", msgs)
	}
	if reqs[0].System != llm.SystemPrompt || reqs[0].MaxTokens != llm.DefaultMaxTokens {
		t.Errorf("unexpected request settings %+v", reqs[0])
	}

	got, _ := mgr.Get(sess.ID)
	if got.MessageCount != 4 || got.State != StateIdle {
		t.Errorf("unexpected session after turns %+v", got)
	}
}

func TestManager_SendContinuesAcrossSegments(t *testing.T) {
	provider := llm.NewScript(
		llm.ScriptedSegment{
			Chunks: []string{`<boltArtifact id="a" title="A"><boltAction type="file" filePath="x.js">console.lo`},
			Stop:   llm.StopLength,
		},
		llm.ScriptedSegment{Chunks: []string{`g('x')</boltAction></boltArtifact>`}},
	)
	mgr := newTestManager(t, provider)
	dir := t.TempDir()
	sess, err := mgr.Create(dir, "demo")
	if err != nil {
		t.Fatal(err)
	}
	_, ch, _, _ := mgr.Subscribe(sess.ID)

	if _, err := mgr.Send(sess.ID, "go"); err != nil {
		t.Fatal(err)
	}
	collect(t, ch, EventTurnDone)
	waitActions(t, mgr, sess.ID, 1)

	data, err := os.ReadFile(filepath.Join(dir, "x.js"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "console.log('x')" {
		t.Errorf("unexpected stitched content %q", data)
	}

	reqs := provider.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 provider calls, got %d", len(reqs))
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != llm.RoleUser || last.Content != llm.ContinuePrompt {
		t.Errorf("expected continue prompt, got %+v", last)
	}
}

func TestManager_SendProviderError(t *testing.T) {
	provider := llm.NewScript(llm.ScriptedSegment{Err: errors.New("quota exceeded")})
	mgr := newTestManager(t, provider)
	sess, err := mgr.Create(t.TempDir(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	_, ch, _, _ := mgr.Subscribe(sess.ID)

	if _, err := mgr.Send(sess.ID, "go"); err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch, EventTurnDone)
	done := events[len(events)-1]
	if !strings.Contains(done.Error, "quota exceeded") {
		t.Errorf("expected provider error in turn_done, got %q", done.Error)
	}

	got, _ := mgr.Get(sess.ID)
	if got.State != StateIdle || got.MessageCount != 1 {
		t.Errorf("unexpected session after failed turn %+v", got)
	}
}

func TestManager_BusyAndKill(t *testing.T) {
	mgr := newTestManager(t, hangProvider{})
	sess, err := mgr.Create(t.TempDir(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	_, ch, _, _ := mgr.Subscribe(sess.ID)

	if _, err := mgr.Send(sess.ID, "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Send(sess.ID, "second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if got, _ := mgr.Get(sess.ID); got.State != StateActive {
		t.Errorf("expected active session, got %s", got.State)
	}

	if err := mgr.Kill(sess.ID); err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch, EventExit)

	sawDone := false
	for _, ev := range events {
		if ev.Type == EventTurnDone {
			sawDone = true
		}
	}
	if !sawDone {
		t.Error("expected turn_done before exit")
	}

	if got, _ := mgr.Get(sess.ID); got.State != StateTerminated {
		t.Errorf("expected terminated session, got %s", got.State)
	}
	if _, err := mgr.Send(sess.ID, "third"); !errors.Is(err, ErrTerminated) {
		t.Errorf("expected ErrTerminated, got %v", err)
	}
	if err := mgr.Kill(sess.ID); err != nil {
		t.Errorf("second kill: %v", err)
	}
}

func TestManager_AbortUnknownAction(t *testing.T) {
	mgr := newTestManager(t, llm.NewScript())
	sess, err := mgr.Create(t.TempDir(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Abort(sess.ID, "ghost"); !errors.Is(err, runner.ErrActionNotFound) {
		t.Errorf("expected ErrActionNotFound, got %v", err)
	}
}

func TestManager_SubscribeReplaysHistory(t *testing.T) {
	provider := llm.NewScript(llm.ScriptedSegment{Chunks: []string{"plain answer"}})
	mgr := newTestManager(t, provider)
	sess, err := mgr.Create(t.TempDir(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	_, ch, _, _ := mgr.Subscribe(sess.ID)
	if _, err := mgr.Send(sess.ID, "hi"); err != nil {
		t.Fatal(err)
	}
	collect(t, ch, EventTurnDone)

	subID, late, history, err := mgr.Subscribe(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) < 2 || history[len(history)-1].Type != EventTurnDone {
		t.Fatalf("unexpected history %+v", history)
	}

	mgr.Unsubscribe(sess.ID, subID)
	if _, ok := <-late; ok {
		t.Error("expected closed channel after unsubscribe")
	}
}

func TestManager_RunProjectCommands(t *testing.T) {
	mgr := newTestManager(t, llm.NewScript())
	dir := t.TempDir()
	sess, err := mgr.Create(dir, "demo")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.RunProjectCommands(sess.ID); err == nil {
		t.Fatal("expected error without package.json")
	}

	manifest := `{"scripts":{"dev":"vite","build":"vite build"}}`
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	// Stop the queue so no npm process is started.
	if err := mgr.Kill(sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.RunProjectCommands(sess.ID); !errors.Is(err, ErrTerminated) {
		t.Fatalf("expected ErrTerminated, got %v", err)
	}
}

func TestManager_ProjectCommandsQueued(t *testing.T) {
	mgr := newTestManager(t, llm.NewScript())
	dir := t.TempDir()
	sess, err := mgr.Create(dir, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"scripts":{"build":"tsc"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	// Hold the queue with an action that is never submitted, so no npm
	// process is started.
	ms, _ := mgr.lookup(sess.ID)
	ms.runner.AddAction(artifact.Action{ID: "hold", Kind: artifact.ShellKind{}})

	commands, err := mgr.RunProjectCommands(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(commands) != 2 || commands[0].Command != "npm install" || commands[1].Command != "npm run build" {
		t.Fatalf("unexpected commands %+v", commands)
	}

	actions, _ := mgr.Actions(sess.ID)
	if len(actions) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(actions))
	}
	for i, want := range []string{"npm install", "npm run build"} {
		a := actions[i+1]
		if a.Type != artifact.TypeShell || a.Content != want || a.Status != runner.StatusPending || !a.Executed {
			t.Errorf("unexpected queued action %+v", a)
		}
		if a.ArtifactID != artifact.ProjectCommandsID {
			t.Errorf("expected artifact %s, got %s", artifact.ProjectCommandsID, a.ArtifactID)
		}
	}
}

func TestManager_KillClosesSubscribers(t *testing.T) {
	mgr := newTestManager(t, llm.NewScript())
	sess, err := mgr.Create(t.TempDir(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	_, ch, _, _ := mgr.Subscribe(sess.ID)

	if err := mgr.Kill(sess.ID); err != nil {
		t.Fatal(err)
	}
	collect(t, ch, EventExit)
	if _, ok := <-ch; ok {
		t.Error("expected channel closed after kill")
	}

	_, late, history, err := mgr.Subscribe(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) == 0 || history[len(history)-1].Type != EventExit {
		t.Errorf("expected exit in history, got %+v", history)
	}
	if _, ok := <-late; ok {
		t.Error("expected closed channel for a terminated session")
	}
}

func TestManager_ActionEventsOmitStreamingBody(t *testing.T) {
	body := strings.Repeat("line of generated code\n", 20)
	var chunks []string
	chunks = append(chunks, "<boltArtifact id=\"big\" title=\"Big\">\n<boltAction type=\"file\" filePath=\"big.txt\">\n")
	for i := 0; i < len(body); i += 23 {
		chunks = append(chunks, body[i:min(i+23, len(body))])
	}
	chunks = append(chunks, "</boltAction>\n</boltArtifact>")

	mgr := newTestManager(t, llm.NewScript(llm.ScriptedSegment{Chunks: chunks}))
	sess, err := mgr.Create(t.TempDir(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	_, ch, _, _ := mgr.Subscribe(sess.ID)
	if _, err := mgr.Send(sess.ID, "big file"); err != nil {
		t.Fatal(err)
	}
	waitActions(t, mgr, sess.ID, 1)
	if err := mgr.Kill(sess.ID); err != nil {
		t.Fatal(err)
	}

	var states []runner.ActionState
	for ev := range ch {
		if ev.Type == EventAction {
			states = append(states, *ev.Action)
		}
	}
	if len(states) == 0 {
		t.Fatal("expected action events")
	}
	for _, st := range states {
		if !st.Executed && !st.Status.Terminal() && st.Content != "" {
			t.Errorf("streaming state carries %d bytes of content", len(st.Content))
		}
	}
	last := states[len(states)-1]
	want := strings.TrimSuffix(body, "\n")
	if last.Status != runner.StatusComplete || last.Content != want {
		t.Errorf("unexpected final state %s with %d bytes", last.Status, len(last.Content))
	}
}

func TestStreamingState(t *testing.T) {
	open := runner.ActionState{ID: "a", Status: runner.StatusPending, Content: "partial"}
	if got := streamingState(open); got.Content != "" {
		t.Errorf("expected body dropped, got %q", got.Content)
	}
	submitted := runner.ActionState{ID: "a", Status: runner.StatusPending, Executed: true, Content: "full"}
	if got := streamingState(submitted); got.Content != "full" {
		t.Errorf("expected body kept, got %q", got.Content)
	}
	aborted := runner.ActionState{ID: "a", Status: runner.StatusAborted, Content: "partial"}
	if got := streamingState(aborted); got.Content != "partial" {
		t.Errorf("expected body kept for terminal state, got %q", got.Content)
	}
}
