package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"example.com/workoutsync/internal/domain"
	"example.com/workoutsync/internal/offlinequeue"
	"example.com/workoutsync/internal/orchestrator"
	"example.com/workoutsync/internal/session"
)

// controller is the slice of the orchestrator the console drives.
type controller interface {
	Start(ctx context.Context, cfg session.Config) error
	StartOnPeer(ctx context.Context, cfg session.Config) (orchestrator.Placement, error)
	Pause() error
	Resume() error
	Cancel()
	EndWorkout(ctx context.Context) (orchestrator.Outcome, error)
	LogManualActivity(ctx context.Context, activity domain.Activity) (orchestrator.Outcome, error)
	EndOnPeer(ctx context.Context) (orchestrator.Delivery, error)
	CancelOnPeer(ctx context.Context) (orchestrator.Delivery, error)
	PausePeer(ctx context.Context) error
	ResumePeer(ctx context.Context) error
	PeerMetrics(ctx context.Context) (orchestrator.RemoteMetrics, error)
	PeerBelief() orchestrator.PeerBelief
	LiveMetrics() session.LiveMetrics
	OnForeground(ctx context.Context) offlinequeue.FlushReport
	SetForeground(v bool)
}

const consoleHelp = `COMMANDS:

  start <type> [location]      start a workout on this device
  remote <type> [location]     start a workout on the peer, here if it is unreachable
  pause | resume | cancel      control the workout on this device
  end                          end and save the workout on this device
  peer pause|resume|end|cancel control the workout on the peer
  peer metrics                 fetch the peer's live metrics
  status                       show local metrics and what the peer is believed to run
  log <type> <minutes> [category]
                               save a workout entered by hand
  flush                        retry queued workouts
  foreground | background      toggle celebration overlays
  quit                         stop the device`

var errQuit = errors.New("quit")

type console struct {
	ctl controller
	in  io.Reader
	out io.Writer
}

func newConsole(ctl controller, in io.Reader, out io.Writer) *console {
	return &console{ctl: ctl, in: in, out: out}
}

// Run executes one command per input line until quit, end of input or ctx is cancelled.
func (c *console) Run(ctx context.Context) {
	scanner := bufio.NewScanner(c.in)
	fmt.Fprintln(c.out, "type 'help' for commands")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		err := c.exec(ctx, strings.Fields(scanner.Text()))
		if errors.Is(err, errQuit) {
			return
		}
		if err != nil {
			color.New(color.FgRed).Fprintf(c.out, "✗ %v\n", err)
		}
	}
}

func (c *console) exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	cmd, rest := strings.ToLower(args[0]), args[1:]
	switch cmd {
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)
	case "start":
		cfg, err := sessionConfig(rest)
		if err != nil {
			return err
		}
		if err := c.ctl.Start(ctx, cfg); err != nil {
			return err
		}
		c.ok("Started %s", cfg.ActivityType)
	case "remote":
		cfg, err := sessionConfig(rest)
		if err != nil {
			return err
		}
		placement, err := c.ctl.StartOnPeer(ctx, cfg)
		if err != nil {
			return err
		}
		if placement == orchestrator.PlacementLocal {
			c.warn("Peer unreachable, started %s here", cfg.ActivityType)
			return nil
		}
		c.ok("Started %s on peer", cfg.ActivityType)
	case "pause":
		if err := c.ctl.Pause(); err != nil {
			return err
		}
		c.ok("Paused")
	case "resume":
		if err := c.ctl.Resume(); err != nil {
			return err
		}
		c.ok("Resumed")
	case "cancel":
		c.ctl.Cancel()
		c.warn("Cancelled, nothing saved")
	case "end":
		out, err := c.ctl.EndWorkout(ctx)
		if out.Activity.ID == "" {
			return err
		}
		c.printOutcome(out)
		return err
	case "peer":
		return c.peer(ctx, rest)
	case "status":
		c.printStatus()
	case "log":
		activity, err := manualActivity(rest)
		if err != nil {
			return err
		}
		out, err := c.ctl.LogManualActivity(ctx, activity)
		if out.Activity.ID == "" {
			return err
		}
		c.printOutcome(out)
		return err
	case "flush":
		report := c.ctl.OnForeground(ctx)
		if report.Attempted == 0 {
			fmt.Fprintln(c.out, "Queue is empty.")
			return nil
		}
		c.ok("Saved %d of %d queued workouts", report.Persisted, report.Attempted)
	case "foreground":
		c.ctl.OnForeground(ctx)
	case "background":
		c.ctl.SetForeground(false)
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, type 'help'", cmd)
	}
	return nil
}

func (c *console) peer(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: peer pause|resume|end|cancel|metrics")
	}
	sub := strings.ToLower(args[0])
	switch sub {
	case "pause":
		if err := c.ctl.PausePeer(ctx); err != nil {
			return err
		}
		c.ok("Peer paused")
	case "resume":
		if err := c.ctl.ResumePeer(ctx); err != nil {
			return err
		}
		c.ok("Peer resumed")
	case "end", "cancel":
		end := sub == "end"
		var (
			delivery orchestrator.Delivery
			err      error
		)
		if end {
			delivery, err = c.ctl.EndOnPeer(ctx)
		} else {
			delivery, err = c.ctl.CancelOnPeer(ctx)
		}
		if err != nil {
			return err
		}
		if delivery == orchestrator.DeliveryQueued {
			c.warn("Peer unreachable, %s queued for its next connection", sub)
			return nil
		}
		c.ok("Peer %s sent", sub)
	case "metrics":
		m, err := c.ctl.PeerMetrics(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "peer %s %s %s  hr %.0f  zone %s  %.0f kcal  %.0f m\n",
			m.State, m.ActivityType, formatElapsed(m.Elapsed), m.HeartRate, m.Zone, m.EnergyKcal, m.DistanceMeters)
	default:
		return fmt.Errorf("unknown peer command %q", args[0])
	}
	return nil
}

func (c *console) printStatus() {
	m := c.ctl.LiveMetrics()
	fmt.Fprintf(c.out, "local %s", m.StateName)
	if m.State.Running() {
		fmt.Fprintf(c.out, " %s %s  hr %.0f  zone %s for %s  %.0f kcal  %.0f m",
			m.ActivityType, formatElapsed(m.Elapsed), m.HeartRate, m.Zone, formatElapsed(m.ZoneDwell),
			m.EnergyKcal, m.DistanceMeters)
	}
	fmt.Fprintln(c.out)

	b := c.ctl.PeerBelief()
	if !b.Running {
		fmt.Fprintln(c.out, "peer  idle")
		return
	}
	fmt.Fprintf(c.out, "peer  running %s since %s\n", b.ActivityType, b.Since.Local().Format("15:04"))
}

func (c *console) printOutcome(out orchestrator.Outcome) {
	faint := color.New(color.Faint)
	switch {
	case out.Duplicate:
		c.warn("Already saved %s", shortID(out.Activity.ID))
	case out.Queued:
		c.warn("Saved %s %s on this device, will sync later", out.Activity.Type, formatMinutes(out.Activity.DurationSeconds))
	default:
		c.ok("Saved %s %s as %s", out.Activity.Type, formatMinutes(out.Activity.DurationSeconds),
			out.Accounting.Resolution.Display)
	}
	fmt.Fprintln(c.out, "  "+faint.Sprint(shortID(out.Activity.ID)))
	for _, title := range out.Celebrated {
		color.New(color.FgMagenta).Fprintf(c.out, "  ★ %s\n", title)
	}
}

func (c *console) ok(format string, args ...any) {
	color.New(color.FgGreen).Fprintf(c.out, "✓ "+format+"\n", args...)
}

func (c *console) warn(format string, args ...any) {
	color.New(color.FgYellow).Fprintf(c.out, "⚠ "+format+"\n", args...)
}

func sessionConfig(args []string) (session.Config, error) {
	if len(args) == 0 {
		return session.Config{}, errors.New("usage: start <type> [location]")
	}
	cfg := session.Config{ActivityType: strings.ToLower(args[0])}
	if len(args) > 1 {
		cfg.LocationHint = strings.ToLower(args[1])
	}
	return cfg, nil
}

// manualActivity parses "<type> <minutes> [category]".
func manualActivity(args []string) (domain.Activity, error) {
	if len(args) < 2 || len(args) > 3 {
		return domain.Activity{}, errors.New("usage: log <type> <minutes> [category]")
	}
	minutes, err := strconv.Atoi(args[1])
	if err != nil || minutes <= 0 {
		return domain.Activity{}, fmt.Errorf("minutes must be a positive whole number, got %q", args[1])
	}
	activity := domain.Activity{
		Type:            strings.ToLower(args[0]),
		DurationSeconds: minutes * 60,
	}
	if len(args) == 3 {
		category, ok := domain.ParseCategory(args[2])
		if !ok {
			return domain.Activity{}, fmt.Errorf("unknown category %q", args[2])
		}
		activity.Hints.CategoryOverride = category
	}
	return activity, nil
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func formatMinutes(seconds int) string {
	return fmt.Sprintf("%dm", (seconds+30)/60)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func padRight(s string, length int) string {
	if len(s) >= length {
		return s
	}
	return s + strings.Repeat(" ", length-len(s))
}
