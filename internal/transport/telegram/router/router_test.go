package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	kit "serialbot/internal/transport"
	logx "serialbot/pkg/logx"
)

type sent struct {
	To   kit.ChatTarget
	Text string
	Opt  kit.SendOptions
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []sent
	ch   chan sent
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{ch: make(chan sent, 64)} }

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	s := sent{To: to, Text: text}
	if opt != nil {
		s.Opt = *opt
	}
	f.mu.Lock()
	f.sent = append(f.sent, s)
	id := len(f.sent)
	f.mu.Unlock()
	f.ch <- s
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}

func (f *fakeAdapter) next(t *testing.T) sent {
	t.Helper()
	select {
	case s := <-f.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reply")
		return sent{}
	}
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"/g", []string{"/g"}},
		{"/c 0100 0000 0009", []string{"/c", "0100", "0000", "0009"}},
		{`/c "0100 0000 0009" --x=1`, []string{"/c", "0100 0000 0009", "--x=1"}},
		{`/c 'a b' c\ d`, []string{"/c", "a b", "c d"}},
	}
	for _, tc := range cases {
		if diff := cmp.Diff(tc.want, tokenizeCommandLine(tc.in)); diff != "" {
			t.Errorf("tokenize(%q) (-want +got):\n%s", tc.in, diff)
		}
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()
	pos, flags, bools := parseFlags([]string{"5", "--raw", "-n", "3", "--at=2026-04-01", "-3", "-", "-xy"})
	if diff := cmp.Diff([]string{"5", "-3", "-"}, pos); diff != "" {
		t.Fatalf("pos (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{"n": "3", "at": "2026-04-01"}, flags); diff != "" {
		t.Fatalf("flags (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]bool{"raw": true, "x": true, "y": true}, bools); diff != "" {
		t.Fatalf("bools (-want +got):\n%s", diff)
	}
}

func TestCommandWord(t *testing.T) {
	t.Parallel()
	w, m := commandWord("/G@SerialBot")
	if w != "g" || m != "serialbot" {
		t.Fatalf("got %q %q", w, m)
	}
	if w, m := commandWord("/check"); w != "check" || m != "" {
		t.Fatalf("got %q %q", w, m)
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"Generate":     "generate",
		"admin health": "admin_health",
		"a--b":         "a_b",
		"9lives":       "cmd_9lives",
		"!!!":          "",
	}
	for in, want := range cases {
		if got := sanitizeTelegramCommand(in); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func noop(context.Context, *Request) error { return nil }

func TestResolve(t *testing.T) {
	t.Parallel()
	m := NewCommandManager(logx.Nop(), newFakeAdapter(), nil, Options{})
	m.SetRegistry([]Command{
		{Route: "generate", Aliases: []string{"g"}, Handle: noop},
		{Route: "admin health", Handle: noop},
	})
	m.SetBotName("@SerialBot")

	cases := []struct {
		text     string
		ok       bool
		route    string
		args     []string
		notFound bool
	}{
		{text: "hello", ok: false},
		{text: "/g 5", ok: true, route: "generate", args: []string{"5"}},
		{text: "/G@serialbot 2", ok: true, route: "generate", args: []string{"2"}},
		{text: "/g@otherbot 2", ok: false},
		{text: "/admin health now", ok: true, route: "admin health", args: []string{"now"}},
		{text: "/admin_health", ok: true, route: "admin health", args: []string{}},
		{text: "/nope", ok: true, notFound: true},
	}
	for _, tc := range cases {
		cmd, _, args, node, ok := m.resolve(tc.text)
		if ok != tc.ok {
			t.Errorf("%q: ok = %v", tc.text, ok)
			continue
		}
		if !ok {
			continue
		}
		if tc.notFound {
			if node != nil {
				t.Errorf("%q: expected unknown command", tc.text)
			}
			continue
		}
		if cmd == nil || cmd.Route != tc.route {
			t.Errorf("%q: cmd = %+v, want %s", tc.text, cmd, tc.route)
			continue
		}
		if diff := cmp.Diff(tc.args, args); diff != "" {
			t.Errorf("%q args (-want +got):\n%s", tc.text, diff)
		}
	}
	// the container node resolves without a handler
	if cmd, _, _, node, ok := m.resolve("/admin"); !ok || node == nil || cmd != nil {
		t.Fatalf("/admin: cmd=%v node=%v ok=%v", cmd, node, ok)
	}
}

func runLoop(t *testing.T, m *CommandManager) chan<- kit.Update {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates
}

func msg(chatID, from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 11, ChatID: chatID, FromID: from, Text: text}}
}

func TestDispatchLoop(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	m := NewCommandManager(logx.Nop(), ad, []int64{1}, Options{Workers: 2})
	m.SetRegistry([]Command{
		{
			Route:   "echo",
			Aliases: []string{"e"},
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, strings.Join(req.Args, "|")+";"+req.Flags["n"], nil)
			},
		},
		{Route: "secret", Access: AccessOwnerOnly, Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, "ok", nil)
		}},
		{Route: "boom", Handle: func(context.Context, *Request) error { panic("x") }},
	})
	updates := runLoop(t, m)

	updates <- msg(5, 2, `/e a "b c" -n 4`)
	got := ad.next(t)
	if got.Text != "a|b c;4" || got.Opt.ReplyTo != 11 || got.To.ChatID != 5 {
		t.Fatalf("echo reply = %+v", got)
	}

	updates <- msg(5, 2, "/secret")
	if got := ad.next(t); got.Text != "unauthorized" {
		t.Fatalf("non-owner got %q", got.Text)
	}
	updates <- msg(5, 1, "/secret")
	if got := ad.next(t); got.Text != "ok" {
		t.Fatalf("owner got %q", got.Text)
	}

	// a panicking handler must not kill the worker pool
	updates <- msg(5, 2, "/boom")
	updates <- msg(5, 2, "/help echo")
	if got := ad.next(t); !strings.Contains(got.Text, "/echo") || got.Opt.ParseMode != kit.ParseModeHTML {
		t.Fatalf("help reply = %+v", got)
	}

	// unknown commands are ignored in groups and answered in private chats
	updates <- msg(-100, 2, "/nope")
	updates <- msg(5, 2, "/nope")
	if got := ad.next(t); got.To.ChatID != 5 || !strings.Contains(got.Text, "Unknown command") {
		t.Fatalf("unknown reply = %+v", got)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	l := NewUserLimiter(0.001, 2)
	if !l.Allow(7) || !l.Allow(7) {
		t.Fatal("burst should be allowed")
	}
	if l.Allow(7) {
		t.Fatal("third request should be limited")
	}
	if !l.Allow(8) {
		t.Fatal("other users have their own bucket")
	}
	l.Set(0, 0)
	if !l.Allow(7) {
		t.Fatal("zero rate disables limiting")
	}

	ad := newFakeAdapter()
	h := Chain(func(context.Context, *Request) error { return nil }, MWRateLimit(NewUserLimiter(0.001, 1)))
	req := &Request{FromID: 3, Adapter: ad, MessageID: 9}
	if err := h(context.Background(), req); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := h(context.Background(), req); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second call err = %v", err)
	}
	if got := ad.next(t); got.Opt.ReplyTo != 9 {
		t.Fatalf("limit notice = %+v", got)
	}
	req.Owner = true
	if err := h(context.Background(), req); err != nil {
		t.Fatalf("owner should be exempt: %v", err)
	}
}

func TestMenuCommands(t *testing.T) {
	t.Parallel()
	root := newRoot()
	cmds := []Command{
		{Route: "generate", Description: "issue serials", Handle: noop},
		{Route: "admin health", Description: "runtime state", Access: AccessOwnerOnly, Handle: noop},
	}
	for _, c := range cmds {
		root.add(splitRoute(c.Route), c)
	}
	got := buildTelegramMenuCommands(root, cmds)
	want := []kit.BotCommand{
		{Command: "admin", Description: "🔒 subcommands: health"},
		{Command: "generate", Description: "issue serials"},
		{Command: "admin_health", Description: "🔒 runtime state"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("menu (-want +got):\n%s", diff)
	}
}
