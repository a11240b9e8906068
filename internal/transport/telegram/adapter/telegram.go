package adapter

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "serialbot/internal/transport"
	rtsup "serialbot/internal/runtime/supervisor"
	logx "serialbot/pkg/logx"
)

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop, the drop reporter and the stop watcher.
	// Created on Start(), cancelled on Stop().
	sup      *rtsup.Supervisor
	stopOnce *sync.Once

	// updates dropped because the router was slower than the poll loop
	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		OnError: func(err error, c tele.Context) {
			log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// Username is the bot's @handle as reported by getMe.
func (a *Adapter) Username() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if up, ok := updateFromMessage(c.Message()); ok {
			a.sendUpdate(up)
		}
		return nil
	})
}

func updateFromMessage(m *tele.Message) (kit.Update, bool) {
	if m == nil || m.Chat == nil {
		return kit.Update{}, false
	}
	msg := &kit.Message{
		ID:       m.ID,
		ChatID:   m.Chat.ID,
		ThreadID: m.ThreadID,
		Text:     m.Text,
	}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromUsername = m.Sender.Username
	}
	return kit.Update{Kind: kit.UpdateMessage, Message: msg}, true
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.stopOnce = &sync.Once{}
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// adapter errors should not take down the whole app
		rtsup.WithCancelOnError(false),
	)
	sup, once := a.sup, a.stopOnce
	a.runMu.Unlock()

	report := func() {
		if n := a.droppedUpdates.Swap(0); n > 0 {
			a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
		}
	}
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		once.Do(a.bot.Stop)
	})

	// bot.Start blocks until bot.Stop. If it returns early the loop restarts it.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started", logx.String("bot", a.Username()))
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", a.droppedUpdates.Load()))
	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still long-polling.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks Telegram accepts.
// It prefers newline boundaries and avoids splitting inside an HTML tag when
// parseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, kit.ParseModeHTML) && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	chat := &tele.Chat{ID: to.ChatID}
	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}

		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		// only the first chunk quotes the request
		if i == 0 && opt.ReplyTo > 0 {
			sendOpt.ReplyTo = &tele.Message{ID: opt.ReplyTo, Chat: chat}
		}

		msg, err := a.bot.Send(chat, chunk, sendOpt)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// UpdateMenuCommands publishes the global command menu (setMyCommands).
// It only calls Telegram when the list changed since the last success.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	menu := menuCommands(cmds)
	sum := menuHash(menu)
	if sum == a.menuHash {
		return nil
	}
	if err := a.bot.SetCommands(menu); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}

// menuCommands applies Telegram's limits: at most 100 entries, descriptions
// of 1..256 characters.
func menuCommands(cmds []kit.BotCommand) []tele.Command {
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if r := []rune(d); len(r) > 256 {
			d = string(r[:256])
		}
		out = append(out, tele.Command{Text: c.Command, Description: d})
		if len(out) == 100 {
			break
		}
	}
	return out
}

func menuHash(cmds []tele.Command) uint64 {
	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Text))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	return h.Sum64()
}
