package main

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"serialbot/internal/plugin/builtin/serial"
	sn "serialbot/pkg/serial"
)

// errInvalidSerial makes check exit non-zero without an extra error line.
var errInvalidSerial = errors.New("invalid serial number")

type codecFlags struct {
	epoch string
	label string
}

func (f *codecFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.epoch, "epoch", "", "epoch (RFC3339 or YYYY-MM-DD), default "+sn.DefaultEpoch.Format(time.DateOnly))
	cmd.Flags().StringVar(&f.label, "label", "month", "period label style: month, roman or quarter")
}

func (f *codecFlags) codec() (*sn.Codec, sn.LabelStyle, error) {
	style, err := sn.ParseLabelStyle(f.label)
	if err != nil {
		return nil, "", err
	}
	if strings.TrimSpace(f.epoch) == "" {
		return sn.Default(), style, nil
	}
	epoch, err := serial.ParseEpoch(f.epoch)
	if err != nil {
		return nil, "", err
	}
	return sn.New(epoch), style, nil
}

func parseAt(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Now().UTC(), nil
	}
	return serial.ParseEpoch(s)
}

func newGenerateCmd() *cobra.Command {
	var (
		cf  codecFlags
		n   int
		at  string
		raw bool
	)
	cmd := &cobra.Command{
		Use:     "generate",
		Aliases: []string{"g"},
		Short:   "Generate serial numbers",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if n < 1 || n > sn.MaxAdds {
				return fmt.Errorf("-n: %d not in [1, %d]", n, sn.MaxAdds)
			}
			c, _, err := cf.codec()
			if err != nil {
				return err
			}
			t, err := parseAt(at)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, i := range rand.Perm(sn.MaxAdds)[:n] {
				s, err := c.Generate(t, i+1)
				if err != nil {
					return err
				}
				if !raw {
					s = sn.Format(s)
				}
				fmt.Fprintln(out, s)
			}
			return nil
		},
	}
	cf.register(cmd)
	cmd.Flags().IntVarP(&n, "count", "n", 1, fmt.Sprintf("how many serial numbers (1 to %d)", sn.MaxAdds))
	cmd.Flags().StringVar(&at, "at", "", "issue time (RFC3339 or YYYY-MM-DD), default now")
	cmd.Flags().BoolVar(&raw, "raw", false, "print digits without separators")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var cf codecFlags
	cmd := &cobra.Command{
		Use:     "check <serial>...",
		Aliases: []string{"c"},
		Short:   "Check serial numbers and show when they were issued",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, style, err := cf.codec()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			bad := 0
			for _, a := range args {
				res := c.Check(a)
				if !res.OK {
					bad++
					fmt.Fprintf(out, "%s\tinvalid\t%v\n", a, res.Reason)
					continue
				}
				s := res.Serial
				fmt.Fprintf(out, "%s\tvalid\t%s\tquarter %d\tissued %s\n",
					s.Formatted(), res.Label(style), s.QuarterIndex, s.Issued.Format(time.RFC3339))
			}
			if bad > 0 {
				return errInvalidSerial
			}
			return nil
		},
	}
	cf.register(cmd)
	return cmd
}

func newQuarterCmd() *cobra.Command {
	var (
		cf codecFlags
		at string
	)
	cmd := &cobra.Command{
		Use:   "quarter",
		Short: "Show the quarter index for a time and the remaining capacity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, style, err := cf.codec()
			if err != nil {
				return err
			}
			t, err := parseAt(at)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			idx, _, err := c.Quarter(t)
			if err != nil {
				return err
			}
			p := c.Period(idx)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "quarter:   %d (%s, %s)\n", idx, p.Label(style), p)
			fmt.Fprintf(out, "from:      %s\n", c.Start(p).Format(time.DateOnly))
			fmt.Fprintf(out, "to:        %s\n", c.Start(c.Period(idx+1)).Format(time.DateOnly))
			fmt.Fprintf(out, "epoch:     %s\n", c.Epoch().Format(time.DateOnly))
			if idx > sn.MaxQuarterIndex {
				fmt.Fprintln(out, "remaining: overflowed, move the epoch forward")
				return nil
			}
			fmt.Fprintf(out, "remaining: %d\n", sn.MaxQuarterIndex-idx)
			return nil
		},
	}
	cf.register(cmd)
	cmd.Flags().StringVar(&at, "at", "", "time to look up (RFC3339 or YYYY-MM-DD), default now")
	return cmd
}
