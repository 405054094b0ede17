// Package shell is the interactive and scripted front end for a robot.Link.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/banshee-data/robotctl/internal/commlog"
	"github.com/banshee-data/robotctl/internal/robot"
	"github.com/banshee-data/robotctl/internal/transport"
)

// Prompt is printed before each interactive line.
const Prompt = "robot> "

var (
	errUnknownToken = errors.New("unknown token")
	errMissingArg   = errors.New("missing argument")
)

// Shell dispatches REPL lines and batch tokens to a link. Link failures are
// printed and never end the session.
type Shell struct {
	link      *robot.Link
	log       *commlog.Log
	out       io.Writer
	listPorts func() ([]string, error)
	reconnect robot.ReconnectOptions
}

type Option func(*Shell)

// WithPortLister replaces transport.ListPorts for the ports command.
func WithPortLister(fn func() ([]string, error)) Option {
	return func(s *Shell) { s.listPorts = fn }
}

// WithReconnectOptions sets the retry policy used by the reconnect command.
// Port and baud are still taken from the command's flags.
func WithReconnectOptions(o robot.ReconnectOptions) Option {
	return func(s *Shell) { s.reconnect = o }
}

func New(link *robot.Link, log *commlog.Log, out io.Writer, opts ...Option) *Shell {
	s := &Shell{
		link:      link,
		log:       log,
		out:       out,
		listPorts: transport.ListPorts,
		reconnect: robot.DefaultReconnectOptions(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run reads lines from in until EOF, quit/exit or ctx is cancelled.
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	var scanErr error
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr = sc.Err()
	}()

	s.printHelp()
	for {
		fmt.Fprint(s.out, Prompt)
		select {
		case <-ctx.Done():
			fmt.Fprintln(s.out)
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(s.out)
				return scanErr
			}
			if s.Exec(line) {
				return nil
			}
		}
	}
}

// Exec runs one interactive line and reports whether the user asked to quit.
func (s *Shell) Exec(line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if strings.Contains(line, ":") && !strings.Contains(line, " ") {
		s.execToken(line)
		return false
	}

	fields := strings.Fields(line)
	name, args := strings.ToLower(fields[0]), fields[1:]
	switch name {
	case "h", "?", "help":
		s.printHelp()
	case "ping":
		s.send("PING", robot.CmdPing, robot.DefaultPayload)
	case "status":
		s.send("STATUS", robot.CmdStatus, robot.DefaultPayload)
	case "v", "m", "r":
		if len(args) == 0 {
			info, _ := robot.LookupCommand(name)
			s.errorf("%v. Usage: %s", errMissingArg, info.Usage)
			return false
		}
		s.execToken(name + ":" + args[0])
	case "s", "b", "i":
		s.execToken(name)
	case "history":
		s.history(args)
	case "save-log", "savelog":
		s.saveLog(args)
	case "reconnect":
		s.reconnectCmd(args)
	case "stats":
		s.stats()
	case "ports":
		s.ports()
	case "quit", "exit":
		return true
	default:
		if strings.Contains(name, ":") {
			s.execToken(fields[0])
		} else {
			s.errorf("Unknown command. Type 'help'.")
		}
	}
	return false
}

func (s *Shell) execToken(token string) {
	cmd, payload, err := resolve(token)
	switch {
	case err != nil:
		s.errorf("%s: %v. Type 'help'.", token, err)
	case cmd == robot.CmdHelp:
		s.printHelp()
	case cmd == "HISTORY":
		s.history(nil)
	default:
		s.send(strings.TrimSpace(cmd+" "+strings.TrimSpace(payload)), cmd, payload)
	}
}

// resolve maps a raw CMD[:payload] token to the request it sends. Numeric
// commands default to 0 and V is limited to the PWM range.
func resolve(token string) (cmd, payload string, err error) {
	cmd, payload = robot.ParseToken(token)
	if cmd == "HISTORY" {
		return cmd, "", nil
	}
	info, ok := robot.LookupCommand(cmd)
	if !ok {
		return "", "", fmt.Errorf("%w %q", errUnknownToken, cmd)
	}
	if !info.Numeric {
		return info.Token, robot.DefaultPayload, nil
	}

	if payload == "" {
		payload = "0"
	}
	n, err := strconv.Atoi(payload)
	if err != nil {
		return "", "", fmt.Errorf("%s needs an integer, got %q", info.Token, payload)
	}
	if info.Token == robot.CmdSetV && (n < 0 || n > 255) {
		return "", "", fmt.Errorf("speed %d out of range 0..255", n)
	}
	return info.Token, strconv.Itoa(n), nil
}

func (s *Shell) send(label, cmd, payload string) {
	resp, err := s.link.Request(cmd, payload)
	if err != nil {
		s.errorf("%s failed: %v", label, err)
		return
	}
	fmt.Fprintf(s.out, "%s -> %s\n", label, resp)
}

func (s *Shell) history(args []string) {
	format := "txt"
	if len(args) > 0 {
		format = args[0]
	}
	text, err := s.link.History(format)
	if err != nil {
		s.errorf("history: %v", err)
		return
	}
	if text == "" {
		text = "<empty>"
	}
	fmt.Fprintln(s.out, strings.TrimRight(text, "\n"))
}

func (s *Shell) saveLog(args []string) {
	if len(args) == 0 {
		s.errorf("%v. Usage: save-log <path>", errMissingArg)
		return
	}
	if err := s.log.Save(args[0]); err != nil {
		s.errorf("Failed to save log: %v", err)
		return
	}
	fmt.Fprintf(s.out, "Log saved to %s\n", args[0])
}

func (s *Shell) reconnectCmd(args []string) {
	fs := pflag.NewFlagSet("reconnect", pflag.ContinueOnError)
	fs.SetOutput(s.out)
	port := fs.String("port", "", "serial port to reopen")
	baud := fs.Int("baud", 0, "baud rate")
	if err := fs.Parse(args); err != nil {
		s.errorf("reconnect: %v", err)
		return
	}

	opts := s.reconnect
	opts.Port = *port
	opts.BaudRate = *baud
	opts.PingCheck = true

	_, ok, err := s.link.Reconnect(opts)
	if !ok {
		s.errorf("Reconnect failed: %v", err)
		return
	}
	fmt.Fprintln(s.out, "Reconnected and alive.")
}

func (s *Shell) stats() {
	st := s.log.Stats()
	fmt.Fprintf(s.out, "frames: %d TX, %d RX, %d resends, %d unpaired\n", st.TX, st.RX, st.Resends, st.Unpaired)
	if st.Matched == 0 {
		fmt.Fprintln(s.out, "round trips: none")
		return
	}
	fmt.Fprintf(s.out, "round trips: %d, mean %v, stddev %v, p95 %v, min %v, max %v\n",
		st.Matched, st.Mean, st.StdDev, st.P95, st.Min, st.Max)
}

func (s *Shell) ports() {
	names, err := s.listPorts()
	if err != nil {
		s.errorf("ports: %v", err)
		return
	}
	if len(names) == 0 {
		fmt.Fprintln(s.out, "No serial ports found.")
		return
	}
	for _, n := range names {
		fmt.Fprintln(s.out, n)
	}
}

func (s *Shell) errorf(format string, args ...any) {
	fmt.Fprintf(s.out, "error: "+format+"\n", args...)
}

func (s *Shell) printHelp() {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, c := range robot.Commands {
		usage := c.Usage
		switch {
		case c.Token == robot.CmdHelp:
			fmt.Fprintf(&b, "  %-32s - show this help\n", "h / ? / help")
			continue
		case c.Numeric:
			usage += " or " + c.Token + ":<num>"
		case len(c.Token) == 1:
			usage += " or " + c.Token
		}
		fmt.Fprintf(&b, "  %-32s - %s\n", usage, c.Help)
	}
	for _, l := range [][2]string{
		{"history [txt|json|csv]", "show in-memory comm log"},
		{"save-log <path>", "write comm log to file (.txt, .json, .csv)"},
		{"reconnect [--port P] [--baud B]", "reopen serial (with PING check)"},
		{"stats", "round-trip statistics"},
		{"ports", "list serial ports"},
		{"quit / exit", "exit the CLI"},
	} {
		fmt.Fprintf(&b, "  %-32s - %s\n", l[0], l[1])
	}
	b.WriteString("\nRaw tokens also work:  PING  V:160  M:20  R:-90  B  STATUS  S\n")
	io.WriteString(s.out, b.String())
}
