// Package interactive provides the interactive command loop for specsh.
package interactive

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/SEBv15/go-certifspec/spec"
	"github.com/SEBv15/go-certifspec/sv"
)

// Shell drives one connected session from a readline prompt.
type Shell struct {
	client *spec.Client
	rl     *readline.Instance
	ctx    context.Context

	// Both maps are touched from the command loop only; watch callbacks
	// write to rl and never mutate shell state.
	watches map[string]*spec.Subscription
	motors  map[string]*spec.Motor
}

// New creates a shell for an established session.
func New(client *spec.Client) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "spec> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	return &Shell{
		client:  client,
		rl:      rl,
		watches: make(map[string]*spec.Subscription),
		motors:  make(map[string]*spec.Motor),
	}, nil
}

// Stdout returns a writer that coordinates with the readline prompt.
// Use this for log output to avoid clobbering the input line.
func (sh *Shell) Stdout() io.Writer {
	return sh.rl.Stdout()
}

// Run starts the interactive command loop. It returns when the user quits
// or ctx is cancelled; cancel is invoked on quit so the caller's shutdown
// path runs either way.
func (sh *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer sh.rl.Close()
	sh.ctx = ctx

	fmt.Fprintf(sh.rl.Stdout(), "Connected to %q (type 'help' for commands)\n", sh.client.ServerName())

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := sh.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(sh.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			sh.printHelp()

		case "status":
			sh.cmdStatus()

		case "run", "r":
			sh.cmdRun(args)

		case "async":
			sh.cmdAsync(args)

		case "get", "g":
			sh.cmdGet(args)

		case "set", "s":
			sh.cmdSet(args)

		case "watch", "w":
			sh.cmdWatch(args)

		case "unwatch":
			sh.cmdUnwatch(args)

		case "motors":
			sh.cmdMotors()

		case "motor", "m":
			sh.cmdMotor(args)

		case "moveto", "mv":
			sh.cmdMoveTo(args)

		case "moverel", "mvr":
			sh.cmdMoveRel(args)

		case "counters":
			sh.cmdCounters()

		case "count", "ct":
			sh.cmdCount(args)

		case "console":
			fmt.Fprint(sh.rl.Stdout(), sh.client.Console())

		case "abort", "a":
			sh.cmdAbort()

		case "quit", "exit", "q":
			fmt.Fprintln(sh.rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(sh.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (sh *Shell) printHelp() {
	fmt.Fprintln(sh.rl.Stdout(), `
SPEC Session Commands:
  Commands and Properties:
    run <command>       - Run a command and wait for its result
    async <command>     - Run a command without waiting
    get <property>      - Read a property value
    set <property> <v>  - Write a property value
    watch [property]    - Subscribe to change events (no argument: list watches)
    unwatch <property>  - Drop a subscription
    console             - Show captured console output

  Motors:
    motors              - List motor mnemonics
    motor <mne>         - Show a motor summary
    moveto <mne> <pos>  - Move a motor to an absolute position
    moverel <mne> <d>   - Move a motor by a relative amount

  Counters:
    counters            - List configured counters
    count <seconds>     - Count for a duration and show totals
    abort               - Abort the active command or count

  General:
    status              - Show session state and traffic counters
    help                - Show this help
    quit                - Exit

  Property Format:
    var/<NAME>, motor/<mne>/<prop>, scaler/<mne>/<prop> - e.g. var/NPTS`)
}

func (sh *Shell) cmdStatus() {
	m := sh.client.Metrics()

	fmt.Fprintln(sh.rl.Stdout(), "\nSession Status")
	fmt.Fprintln(sh.rl.Stdout(), "-------------------------------------------")
	fmt.Fprintf(sh.rl.Stdout(), "  Server:     %s\n", sh.client.ServerName())
	fmt.Fprintf(sh.rl.Stdout(), "  State:      %s\n", sh.client.State())
	fmt.Fprintf(sh.rl.Stdout(), "  Sent:       %d messages, %d bytes\n", m.SendCount.Load(), m.SendByteCount.Load())
	fmt.Fprintf(sh.rl.Stdout(), "  Received:   %d messages, %d bytes\n", m.RecvCount.Load(), m.RecvByteCount.Load())
	fmt.Fprintf(sh.rl.Stdout(), "  Events:     %d\n", m.EventRecvCount.Load())
	fmt.Fprintf(sh.rl.Stdout(), "  In flight:  %d\n", m.InflightCount.Load())
	fmt.Fprintf(sh.rl.Stdout(), "  Errors:     %d (%d orphan replies)\n", m.ErrCount.Load(), m.OrphanReplyCount.Load())

	if len(sh.watches) > 0 {
		names := make([]string, 0, len(sh.watches))
		for name := range sh.watches {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(sh.rl.Stdout(), "  Watches:    %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintln(sh.rl.Stdout())
}

func (sh *Shell) cmdRun(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(sh.rl.Stdout(), "Usage: run <command>")
		fmt.Fprintln(sh.rl.Stdout(), "  Example: run wa")
		return
	}

	command := strings.Join(args, " ")
	reply, console, err := sh.client.Run(sh.ctx, command)
	if err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "Error: %v\n", err)
		return
	}

	if console != "" {
		fmt.Fprint(sh.rl.Stdout(), console)
		if !strings.HasSuffix(console, "\n") {
			fmt.Fprintln(sh.rl.Stdout())
		}
	}

	if reply.IsError() {
		fmt.Fprintf(sh.rl.Stdout(), "Command failed: %s\n", reply.ErrorText())
		return
	}

	if result := formatMessage(reply); result != "" && result != "0" {
		fmt.Fprintf(sh.rl.Stdout(), "= %s\n", result)
	}
}

func (sh *Shell) cmdAsync(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(sh.rl.Stdout(), "Usage: async <command>")
		return
	}

	if err := sh.client.RunAsync(sh.ctx, strings.Join(args, " ")); err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintln(sh.rl.Stdout(), "Sent")
}

func (sh *Shell) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(sh.rl.Stdout(), "Usage: get <property>")
		fmt.Fprintln(sh.rl.Stdout(), "  Example: get var/NPTS")
		return
	}

	reply, err := sh.client.Get(sh.ctx, args[0])
	if err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "Error: %v\n", err)
		return
	}

	fmt.Fprintf(sh.rl.Stdout(), "%s = %s\n", args[0], formatMessage(reply))
}

func (sh *Shell) cmdSet(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(sh.rl.Stdout(), "Usage: set <property> <value>")
		fmt.Fprintln(sh.rl.Stdout(), "  Example: set var/NPTS 42")
		return
	}

	value := strings.Join(args[1:], " ")
	if err := sh.client.SetWait(sh.ctx, args[0], value, 0); err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintln(sh.rl.Stdout(), "OK")
}

func (sh *Shell) cmdWatch(args []string) {
	if len(args) == 0 {
		if len(sh.watches) == 0 {
			fmt.Fprintln(sh.rl.Stdout(), "No active watches")
			return
		}
		names := make([]string, 0, len(sh.watches))
		for name := range sh.watches {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(sh.rl.Stdout(), "  %s\n", name)
		}
		return
	}

	property := args[0]
	if _, ok := sh.watches[property]; ok {
		fmt.Fprintf(sh.rl.Stdout(), "Already watching %s\n", property)
		return
	}

	sub, err := sh.client.Subscribe(sh.ctx, property, sh.watchEvent)
	if err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "Error: %v\n", err)
		return
	}

	sh.watches[property] = sub
	fmt.Fprintf(sh.rl.Stdout(), "Watching %s\n", property)
}

func (sh *Shell) cmdUnwatch(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(sh.rl.Stdout(), "Usage: unwatch <property>")
		return
	}

	sub, ok := sh.watches[args[0]]
	if !ok {
		fmt.Fprintf(sh.rl.Stdout(), "Not watching %s\n", args[0])
		return
	}

	if err := sh.client.Unsubscribe(sh.ctx, sub); err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "Error: %v\n", err)
		return
	}

	delete(sh.watches, args[0])
	fmt.Fprintf(sh.rl.Stdout(), "Stopped watching %s\n", args[0])
}

// watchEvent runs on the connection's receive goroutine.
func (sh *Shell) watchEvent(msg *sv.Message) {
	value := formatMessage(msg)
	if msg.Deleted() {
		value = "<deleted>"
	}

	fmt.Fprintf(sh.rl.Stdout(), "\n[%s] %s = %s\n", time.Now().Format("15:04:05"), msg.Name, value)
	sh.rl.Refresh()
}

func (sh *Shell) cmdMotors() {
	mnes, err := sh.client.Motors(sh.ctx)
	if err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "Error: %v\n", err)
		return
	}

	if len(mnes) == 0 {
		fmt.Fprintln(sh.rl.Stdout(), "No motors configured")
		return
	}
	fmt.Fprintf(sh.rl.Stdout(), "Motors (%d): %s\n", len(mnes), strings.Join(mnes, ", "))
}

// motor returns a cached handle so repeated commands share one position
// subscription per mnemonic.
func (sh *Shell) motor(mne string) (*spec.Motor, error) {
	if m, ok := sh.motors[mne]; ok {
		return m, nil
	}

	m, err := sh.client.Motor(sh.ctx, mne)
	if err != nil {
		return nil, err
	}

	sh.motors[mne] = m
	return m, nil
}

func (sh *Shell) cmdMotor(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(sh.rl.Stdout(), "Usage: motor <mne>")
		fmt.Fprintln(sh.rl.Stdout(), "  Use 'motors' to list mnemonics")
		return
	}

	m, err := sh.motor(args[0])
	if err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "Error: %v\n", err)
		return
	}

	position, err := m.Position(sh.ctx)
	if err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "Error: %v\n", err)
		return
	}

	fmt.Fprintf(sh.rl.Stdout(), "\nMotor %s\n", m.Mne())
	fmt.Fprintln(sh.rl.Stdout(), "-------------------------------------------")
	fmt.Fprintf(sh.rl.Stdout(), "  Position:      %g\n", position)

	if dial, err := m.DialPosition(sh.ctx); err == nil {
		fmt.Fprintf(sh.rl.Stdout(), "  Dial position: %g\n", dial)
	}
	if offset, err := m.Offset(sh.ctx); err == nil {
		fmt.Fprintf(sh.rl.Stdout(), "  Offset:        %g\n", offset)
	}
	if low, err := m.LowLimit(sh.ctx); err == nil {
		if high, err := m.HighLimit(sh.ctx); err == nil {
			fmt.Fprintf(sh.rl.Stdout(), "  Limits:        [%g, %g]\n", low, high)
		}
	}

	moving := "settled"
	if done, err := m.MoveDone(sh.ctx); err == nil && !done {
		moving = "MOVING"
	}
	fmt.Fprintf(sh.rl.Stdout(), "  Motion:        %s\n", moving)

	flags := make([]string, 0, 4)
	if hit, err := m.HighLimHit(sh.ctx); err == nil && hit {
		flags = append(flags, "high-limit")
	}
	if hit, err := m.LowLimHit(sh.ctx); err == nil && hit {
		flags = append(flags, "low-limit")
	}
	if stop, err := m.EmergencyStop(sh.ctx); err == nil && stop {
		flags = append(flags, "emergency-stop")
	}
	if fault, err := m.MotorFault(sh.ctx); err == nil && fault {
		flags = append(flags, "fault")
	}
	if len(flags) > 0 {
		fmt.Fprintf(sh.rl.Stdout(), "  Flags:         %s\n", strings.Join(flags, ", "))
	}
	fmt.Fprintln(sh.rl.Stdout())
}

func (sh *Shell) cmdMoveTo(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(sh.rl.Stdout(), "Usage: moveto <mne> <position>")
		fmt.Fprintln(sh.rl.Stdout(), "  Example: moveto tth 90")
		return
	}

	target, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "Invalid position: %v\n", err)
		return
	}

	m, err := sh.motor(args[0])
	if err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "Error: %v\n", err)
		return
	}

	fmt.Fprintf(sh.rl.Stdout(), "Moving %s to %g...\n", m.Mne(), target)
	if err := m.MoveTo(sh.ctx, target); err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "Move failed: %v\n", err)
		return
	}

	if position, err := m.Position(sh.ctx); err == nil {
		fmt.Fprintf(sh.rl.Stdout(), "%s at %g\n", m.Mne(), position)
	}
}

func (sh *Shell) cmdMoveRel(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(sh.rl.Stdout(), "Usage: moverel <mne> <delta>")
		return
	}

	delta, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "Invalid delta: %v\n", err)
		return
	}

	m, err := sh.motor(args[0])
	if err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "Error: %v\n", err)
		return
	}

	if err := m.Move(sh.ctx, delta); err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "Move failed: %v\n", err)
		return
	}

	if position, err := m.Position(sh.ctx); err == nil {
		fmt.Fprintf(sh.rl.Stdout(), "%s at %g\n", m.Mne(), position)
	}
}

func (sh *Shell) cmdCounters() {
	counters := sh.client.Counters()
	if len(counters) == 0 {
		var err error
		counters, err = sh.client.RefreshCounters(sh.ctx)
		if err != nil {
			fmt.Fprintf(sh.rl.Stdout(), "Error: %v\n", err)
			return
		}
	}

	if len(counters) == 0 {
		fmt.Fprintln(sh.rl.Stdout(), "No counters configured")
		return
	}

	fmt.Fprintf(sh.rl.Stdout(), "\nCounters (%d):\n", len(counters))
	for _, counter := range counters {
		fmt.Fprintf(sh.rl.Stdout(), "  %-8s %s\n", counter.Mne, counter.Name)
	}
	fmt.Fprintln(sh.rl.Stdout())
}

func (sh *Shell) cmdCount(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(sh.rl.Stdout(), "Usage: count <seconds>")
		fmt.Fprintln(sh.rl.Stdout(), "  Example: count 0.5")
		return
	}

	seconds, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "Invalid duration: %v\n", err)
		return
	}

	progress := func(totals map[string]float64) {
		fmt.Fprintf(sh.rl.Stdout(), "\r  %s", formatTotals(totals))
	}

	fmt.Fprintf(sh.rl.Stdout(), "Counting for %gs...\n", seconds)
	totals, err := sh.client.Count(sh.ctx, seconds, progress)
	fmt.Fprintln(sh.rl.Stdout())
	if err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "Error: %v\n", err)
		return
	}

	fmt.Fprintf(sh.rl.Stdout(), "  %s\n", formatTotals(totals))
}

func (sh *Shell) cmdAbort() {
	if err := sh.client.Abort(sh.ctx); err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintln(sh.rl.Stdout(), "Abort sent")
}

// formatTotals renders counter totals in stable mnemonic order.
func formatTotals(totals map[string]float64) string {
	mnes := make([]string, 0, len(totals))
	for mne := range totals {
		mnes = append(mnes, mne)
	}
	sort.Strings(mnes)

	parts := make([]string, 0, len(mnes))
	for _, mne := range mnes {
		parts = append(parts, fmt.Sprintf("%s=%g", mne, totals[mne]))
	}
	return strings.Join(parts, "  ")
}

// formatMessage renders a message body for display: strings verbatim,
// assocs as key=value pairs, numeric arrays as a shape plus leading
// elements.
func formatMessage(msg *sv.Message) string {
	switch {
	case msg.Type == sv.TypeString || msg.Type == sv.TypeError:
		text, err := msg.ToString()
		if err != nil {
			return fmt.Sprintf("<%s>", msg.Type)
		}
		return text

	case msg.Type == sv.TypeAssoc:
		assoc, err := msg.ToAssoc()
		if err != nil {
			return fmt.Sprintf("<%s>", msg.Type)
		}
		keys := make([]string, 0, len(assoc))
		for key := range assoc {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			parts = append(parts, key+"="+assoc[key])
		}
		return "{" + strings.Join(parts, ", ") + "}"

	case msg.Type.IsNumericArray():
		flat, err := msg.ToVector()
		if err != nil {
			return fmt.Sprintf("<%s>", msg.Type)
		}
		rows, cols := msg.Shape()

		const maxShown = 8
		shown := flat
		suffix := ""
		if len(shown) > maxShown {
			shown = shown[:maxShown]
			suffix = " ..."
		}
		parts := make([]string, len(shown))
		for i, v := range shown {
			parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		return fmt.Sprintf("%s[%dx%d] [%s%s]", msg.Type, rows, cols, strings.Join(parts, " "), suffix)

	default:
		return fmt.Sprintf("<%s %d bytes>", msg.Type, len(msg.Body))
	}
}
