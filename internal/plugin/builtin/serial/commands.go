package serial

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"serialbot/internal/eventbus"
	"serialbot/internal/storage"
	kit "serialbot/internal/transport"
	"serialbot/internal/transport/telegram/router"
	logx "serialbot/pkg/logx"
	sn "serialbot/pkg/serial"
)

// Disambiguators are drawn from 1..maxAddsPick.
const maxAddsPick = sn.MaxAdds

// warnQuarters is the remaining-quarters threshold for overflow warnings.
const warnQuarters = 4

func (p *Plugin) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "start",
			Description: "welcome and usage",
			Usage:       "/start",
			Handle:      p.handleStart,
		},
		{
			Route:       "generate",
			Aliases:     []string{"g"},
			Description: "generate serial numbers",
			Usage:       "/g [N]  (1 to 99, default 1)",
			Timeout:     2 * time.Minute,
			Handle:      p.handleGenerate,
		},
		{
			Route:       "check",
			Aliases:     []string{"c"},
			Description: "check a serial number",
			Usage:       "/c XXXX-XXXX-XXXX",
			Handle:      p.handleCheck,
		},
		{
			Route:       "quarter",
			Description: "current quarter and remaining capacity",
			Usage:       "/quarter",
			Handle:      p.handleQuarter,
		},
	}
}

var htmlReply = &kit.SendOptions{ParseMode: kit.ParseModeHTML, DisablePreview: true}

func code(s string) string { return "<code>" + html.EscapeString(s) + "</code>" }

func (p *Plugin) handleStart(ctx context.Context, req *router.Request) error {
	st := p.settings()
	var b strings.Builder
	b.WriteString("👋 Welcome!\n\n")
	b.WriteString("This bot generates and checks product serial numbers in the format ")
	b.WriteString(code("XXXX-XXXX-XXXX") + ".\n\n")
	b.WriteString("<b>Commands</b>\n")
	b.WriteString("• " + code("/g") + " or " + code("/generate") + " – generate 1 serial number\n")
	fmt.Fprintf(&b, "• %s or %s – generate N serial numbers (at most %d)\n", code("/g N"), code("/generate N"), st.maxCount)
	b.WriteString("• " + code("/c XXXX-XXXX-XXXX") + " or " + code("/check XXXX-XXXX-XXXX") + " – check a serial number\n")
	b.WriteString("• " + code("/quarter") + " – current quarter\n\n")
	b.WriteString("<b>Examples</b>\n")
	b.WriteString(code("/g") + "\n" + code("/g 5") + "\n" + code("/c 0123-4567-8912") + "\n" + code("/check 012345678912") + "\n\n")
	b.WriteString("Version: " + html.EscapeString(p.version))
	return req.Reply(ctx, b.String(), htmlReply)
}

// parseCount interprets the /g argument. notice is non-empty when the
// requested count was adjusted.
func parseCount(args []string, maxCount int) (n int, notice string) {
	if len(args) == 0 {
		return 1, ""
	}
	n, err := strconv.Atoi(strings.TrimSpace(args[0]))
	if err != nil {
		return 1, ""
	}
	switch {
	case n < 1:
		return 1, "The count must be a positive number. Generating 1 serial number."
	case n > maxCount:
		return maxCount, fmt.Sprintf("At most %d serial numbers per request. Generating %d.", maxCount, maxCount)
	}
	return n, ""
}

func (p *Plugin) handleGenerate(ctx context.Context, req *router.Request) error {
	start := time.Now()
	st := p.settings()
	n, notice := parseCount(req.Args, st.maxCount)
	if notice != "" {
		if err := req.Reply(ctx, notice, nil); err != nil {
			return err
		}
	}

	now := p.now().UTC()
	serials := make([]string, 0, n)
	for _, adds := range p.pickAdds(n) {
		raw, err := st.codec.Generate(now, adds)
		if err != nil {
			req.Logger.Warn("serial generation failed", logx.Err(err))
			p.audit(req, "generate", 0, n, generateFailure(err), start)
			return req.Reply(ctx, "Cannot generate serial numbers: "+generateFailure(err)+".", nil)
		}
		serials = append(serials, sn.Format(raw))
	}

	sent := 0
	var sendErr error
	if st.single {
		lines := make([]string, len(serials))
		for i, s := range serials {
			lines[i] = code(s)
		}
		if sendErr = req.Reply(ctx, strings.Join(lines, "\n"), htmlReply); sendErr == nil {
			sent = len(serials)
		}
	} else {
		for _, s := range serials {
			if sendErr = req.Reply(ctx, code(s), htmlReply); sendErr != nil {
				break
			}
			sent++
		}
	}

	reason := ""
	if sendErr != nil {
		reason = "send: " + sendErr.Error()
	}
	p.audit(req, "generate", sent, len(serials)-sent, reason, start)
	return sendErr
}

func generateFailure(err error) string {
	switch {
	case errors.Is(err, sn.ErrQuarterOverflow):
		return "the quarter index no longer fits two digits, the epoch must be moved forward"
	case errors.Is(err, sn.ErrBeforeEpoch):
		return "the current time is before the configured epoch"
	default:
		return "internal error"
	}
}

func reasonText(err error) string {
	switch {
	case errors.Is(err, sn.ErrWrongLength):
		return fmt.Sprintf("must contain exactly %d digits", sn.Length)
	case errors.Is(err, sn.ErrChecksumMismatch):
		return "check the number, possibly mistyped"
	default:
		return "invalid"
	}
}

func (p *Plugin) handleCheck(ctx context.Context, req *router.Request) error {
	start := time.Now()
	input := strings.TrimSpace(strings.Join(req.RawArgs, " "))
	if input == "" {
		return req.Reply(ctx, "Usage: /c XXXX-XXXX-XXXX or /check XXXX-XXXX-XXXX", nil)
	}

	st := p.settings()
	res := st.codec.Check(input)
	var msg string
	if res.OK {
		msg = code(res.Serial.Formatted()) + "\nValid serial number, issued " + html.EscapeString(res.Label(st.label)) + "."
		p.audit(req, "check", 1, 0, "", start)
	} else {
		reason := reasonText(res.Reason)
		msg = code(input) + "\nInvalid serial number (" + html.EscapeString(reason) + ")."
		p.audit(req, "check", 0, 1, reason, start)
	}
	return req.Reply(ctx, msg, htmlReply)
}

func (p *Plugin) handleQuarter(ctx context.Context, req *router.Request) error {
	st := p.settings()
	now := p.now().UTC()
	idx, _, err := st.codec.Quarter(now)
	if err != nil {
		return req.Reply(ctx, "The current time is before the epoch "+st.codec.Epoch().Format(time.DateOnly)+".", nil)
	}
	return req.Reply(ctx, quarterText(st, idx), htmlReply)
}

func quarterText(st *settings, idx int) string {
	per := st.codec.Period(idx)
	from := st.codec.Start(per)
	to := st.codec.Start(st.codec.Period(idx + 1))

	var b strings.Builder
	fmt.Fprintf(&b, "<b>Quarter %d</b> (%s, %s)\n", idx, html.EscapeString(per.Label(st.label)), per.String())
	fmt.Fprintf(&b, "%s to %s (UTC)\n", from.Format(time.DateOnly), to.Format(time.DateOnly))
	fmt.Fprintf(&b, "Epoch: %s\n", st.codec.Epoch().Format(time.DateOnly))
	switch left := sn.MaxQuarterIndex - idx; {
	case left < 0:
		b.WriteString("⚠️ The quarter index overflowed: serial numbers cannot be generated until the epoch is moved.")
	case left <= warnQuarters:
		fmt.Fprintf(&b, "⚠️ Only %d more quarter(s) can be encoded.", left)
	default:
		fmt.Fprintf(&b, "%d more quarters can be encoded.", left)
	}
	return b.String()
}

// audit publishes an activity record. Serial numbers are never included.
func (p *Plugin) audit(req *router.Request, action string, ok, fail int, reason string, start time.Time) {
	typ := eventbus.TypeSerialChecked
	if action == "generate" {
		typ = eventbus.TypeSerialGenerated
	}
	e := storage.AuditEntry{
		At:       time.Now(),
		ActorID:  req.FromID,
		ChatID:   req.Chat.ChatID,
		ThreadID: req.Chat.ThreadID,
		Plugin:   PluginName,
		Action:   action,
		OK:       ok,
		Fail:     fail,
		Error:    reason,
		TookMS:   time.Since(start).Milliseconds(),
	}
	if m := req.Update.Message; m != nil {
		e.ActorUsername = m.FromUsername
	}
	p.PublishEvent(typ, e)
}
