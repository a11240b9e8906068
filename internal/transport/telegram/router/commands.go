package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	kit "serialbot/internal/transport"
	rtsup "serialbot/internal/runtime/supervisor"
	logx "serialbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g. "generate" or "admin health".
	Route       string
	Aliases     []string // root-level aliases, e.g. ["g"]
	Description string
	Usage       string
	Access      Access

	Plugin  string
	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

type Request struct {
	Update    kit.Update
	Chat      kit.ChatTarget
	FromID    int64
	MessageID int
	Owner     bool
	Path      []string // matched command path tokens
	Command   string

	// Parsed arguments. RawArgs keeps flags and quotes-resolved tokens as typed.
	Args      []string
	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text to the request's chat, quoting the command message.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) error {
	o := kit.SendOptions{DisablePreview: true}
	if opt != nil {
		o = *opt
	}
	if o.ReplyTo == 0 {
		o.ReplyTo = r.MessageID
	}
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &o)
	return err
}

// Options tunes the dispatcher. Zero values pick defaults.
type Options struct {
	Workers   int
	QueueSize int
	// Per-sender budget, see NewUserLimiter.
	RatePerSec float64
	Burst      int
	// Supervisor runs menu updates; nil falls back to a bare goroutine.
	Supervisor *rtsup.Supervisor
}

type CommandManager struct {
	mu    sync.RWMutex
	root  *cmdNode
	alias map[string]*cmdNode // alias -> leaf node

	owners  []int64
	botName string

	log     logx.Logger
	adapter kit.Adapter
	limiter *UserLimiter
	opts    Options

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, owners []int64, opts Options) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = max(2, runtime.NumCPU())
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &CommandManager{
		root:    newRoot(),
		alias:   map[string]*cmdNode{},
		owners:  slices.Clone(owners),
		log:     log,
		adapter: adapter,
		limiter: NewUserLimiter(opts.RatePerSec, opts.Burst),
		opts:    opts,
		jobs:    make(chan func(), opts.QueueSize),
	}
}

// Supervisor returns the worker pool supervisor (nil if not running).
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue never blocks; a full queue rejects the job.
func (m *CommandManager) tryEnqueue(fn func()) bool {
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe during hot-reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

// SetRateLimit changes the per-sender budget.
func (m *CommandManager) SetRateLimit(perSec float64, burst int) {
	m.limiter.Set(perSec, burst)
}

// SetBotName makes the router ignore commands addressed to other bots
// ("/g@otherbot").
func (m *CommandManager) SetBotName(name string) {
	m.mu.Lock()
	m.botName = strings.ToLower(strings.TrimPrefix(name, "@"))
	m.mu.Unlock()
}

func (m *CommandManager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

func (m *CommandManager) SetRegistry(cmds []Command) {
	cmds = append(slices.Clone(cmds), Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show help",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args), &kit.SendOptions{DisablePreview: true, ParseMode: kit.ParseModeHTML})
		},
	})

	root := newRoot()
	alias := map[string]*cmdNode{}
	menuCandidates := make([]Command, 0, len(cmds))

	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		root.add(route, c)
		menuCandidates = append(menuCandidates, c)

		leaf := root.find(route)
		// Only add the Telegram-safe name when it differs from the first
		// token, otherwise "/admin health" would hit the "admin" alias and
		// never reach the subcommand.
		if menu, ok := telegramCommandNameFromRoute(route); ok && (len(route) > 1 || menu != route[0]) {
			if _, exists := alias[menu]; !exists {
				alias[menu] = leaf
			}
		}
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = leaf
			if sa := sanitizeTelegramCommand(a); sa != "" {
				if _, exists := alias[sa]; !exists {
					alias[sa] = leaf
				}
			}
		}
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()

	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildTelegramMenuCommands(root, menuCandidates)
	run := func(parent context.Context) error {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(ctx, menu); err != nil {
			m.log.Warn("menu update failed", logx.Err(err))
		}
		return nil
	}
	if m.opts.Supervisor != nil {
		m.opts.Supervisor.Go("telegram.menu.update", run)
		return
	}
	go func() { _ = run(context.Background()) }()
}

// DispatchLoop routes updates to a bounded worker pool until ctx is done or
// updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := m.opts.Workers
	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := range workers {
		name := "command.worker." + strconv.Itoa(i)
		sup.GoRestart(name, func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					m.runJob(i, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == kit.UpdateMessage {
				m.routeMessage(ctx, up)
			}
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

// resolve maps a command line to its command, matched path and remaining
// args. ok is false for text that is not addressed to us.
func (m *CommandManager) resolve(text string) (cmd *Command, path, args []string, node *cmdNode, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil, nil, nil, nil, false
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return nil, nil, nil, nil, false
	}
	word, mention := commandWord(parts[0])
	args = parts[1:]

	m.mu.RLock()
	rootNode, aliasMap, bot := m.root, m.alias, m.botName
	m.mu.RUnlock()

	if mention != "" && bot != "" && mention != bot {
		return nil, nil, nil, nil, false
	}

	if leaf, hit := aliasMap[word]; hit && leaf != nil && leaf.cmd != nil {
		return leaf.cmd, splitRoute(leaf.cmd.Route), args, leaf, true
	}

	cur, found := rootNode.child(word)
	if !found {
		return nil, []string{word}, args, nil, true
	}
	path = []string{word}
	for len(args) > 0 {
		nxt := strings.ToLower(args[0])
		if isFlag(nxt) {
			break
		}
		child, found := cur.child(nxt)
		if !found {
			break
		}
		cur = child
		path = append(path, nxt)
		args = args[1:]
	}
	return cur.cmd, path, args, cur, true
}

func (m *CommandManager) routeMessage(root context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	cmd, path, args, node, ok := m.resolve(msg.Text)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	switch {
	case node == nil:
		// groups see every bot's commands; only answer unknowns in private chats
		if msg.ChatID > 0 {
			_, _ = m.adapter.SendText(root, chat, "Unknown command. Try /help", &kit.SendOptions{ReplyTo: msg.ID})
		}
		return
	case cmd == nil:
		// container node without a handler
		_, _ = m.adapter.SendText(root, chat, m.helpText(path), &kit.SendOptions{DisablePreview: true, ParseMode: kit.ParseModeHTML})
		return
	}
	m.enqueueCommand(root, up, *cmd, path, args)
}

func (m *CommandManager) enqueueCommand(root context.Context, up kit.Update, cmd Command, path, raw []string) {
	msg := up.Message
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	owner := m.isOwner(msg.FromID)
	if cmd.Access == AccessOwnerOnly && !owner {
		_, _ = m.adapter.SendText(root, chat, "unauthorized", &kit.SendOptions{ReplyTo: msg.ID})
		return
	}

	rid := newReqID()
	pos, flags, bools := parseFlags(raw)
	req := &Request{
		Update:    up,
		Chat:      chat,
		FromID:    msg.FromID,
		MessageID: msg.ID,
		Owner:     owner,
		Path:      path,
		Command:   cmd.Route,
		Args:      pos,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Adapter:   m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWRateLimit(m.limiter),
		MWTimeout(cmd.Timeout),
	)

	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = m.adapter.SendText(root, chat, "busy, try again", &kit.SendOptions{ReplyTo: msg.ID})
	}
}
