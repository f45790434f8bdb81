// Package sh provides an interactive controller shell for an m2m agent.
package sh

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/m2mlink/pkg/datalink/uart"
	"github.com/robotalks/m2mlink/pkg/env"
	"github.com/robotalks/m2mlink/pkg/m2m"
	"github.com/robotalks/m2mlink/pkg/port"
)

// Shell provides ishell backed interactive shell.
type Shell struct {
	Interactive bool
	OutputJSON  bool
	AutoConnect bool

	Shell  *ishell.Shell
	Config *env.Config
	Conn   *Conn
}

// Conn is a controller connected to an agent through a port.
type Conn struct {
	URL    string
	Ctx    context.Context
	Cancel func()
	Port   io.ReadWriteCloser
	Ctl    *m2m.Controller
	Events chan m2m.Event
}

// CmdFunc runs a command against a connection and returns what to print.
type CmdFunc func(ctx context.Context, conn *Conn, args []string) (interface{}, error)

const (
	shellKey          = "$shell"
	unconnectedPrompt = "[none] > "
	eventBacklog      = 16
)

var (
	// flags

	evalOnly   bool
	outputJSON bool

	commands = []*ishell.Cmd{
		&ConnectCmd,
		&DisconnectCmd,
		&EventsCmd,
	}
)

func init() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
	flag.BoolVar(&outputJSON, "json", outputJSON, "Print output in JSON.")
}

// AddCmds registers more commands, used during init func.
func AddCmds(cmds ...*ishell.Cmd) {
	commands = append(commands, cmds...)
}

// New creates a new shell.
func New(conf *env.Config) *Shell {
	s := &Shell{
		Interactive: !evalOnly,
		OutputJSON:  outputJSON,

		Shell:  ishell.New(),
		Config: conf,
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt(unconnectedPrompt)
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// Dial connects a controller to the agent on rw.
func Dial(ctx context.Context, conf *env.Config, rw io.ReadWriteCloser) (*Conn, error) {
	conn := &Conn{Port: rw, Events: make(chan m2m.Event, eventBacklog)}
	conn.Ctx, conn.Cancel = context.WithCancel(ctx)
	ctl, err := m2m.NewController(m2m.ControllerConfig{
		Open:       uart.RunOpener(conn.Ctx, conf.LinkConfig(rw), nil),
		QueueDepth: conf.QueueDepth,
		OnEvent: func(ev m2m.Event) {
			select {
			case conn.Events <- ev:
			default:
			}
		},
	})
	if err != nil {
		conn.Cancel()
		return nil, err
	}
	conn.Ctl = ctl
	return conn, nil
}

// Close closes the controller and the port.
func (c *Conn) Close() error {
	c.Cancel()
	c.Ctl.Close()
	return c.Port.Close()
}

// WithAutoConnect sets AutoConnect.
func (s *Shell) WithAutoConnect(en bool) *Shell {
	s.AutoConnect = en
	return s
}

// Connect opens the port at url and connects the agent.
func (s *Shell) Connect(url string) error {
	rw, err := port.Open(url)
	if err != nil {
		return err
	}
	conn, err := Dial(context.Background(), s.Config, rw)
	if err != nil {
		rw.Close()
		return err
	}
	conn.URL = url
	s.Disconnect()
	s.Conn = conn
	s.Shell.SetPrompt(fmt.Sprintf("%s > ", url))
	return nil
}

// Disconnect disconnects current agent.
func (s *Shell) Disconnect() {
	if s.Conn != nil {
		s.Conn.Close()
		s.Conn = nil
		s.Shell.SetPrompt(unconnectedPrompt)
	}
}

// Print prints a command result.
func (s *Shell) Print(c *ishell.Context, out interface{}) {
	if s.OutputJSON {
		data, err := json.Marshal(out)
		if err != nil {
			c.Err(err)
			return
		}
		c.Println(string(data))
		return
	}
	switch v := out.(type) {
	case nil:
		c.Println("OK")
	case fmt.Stringer:
		c.Println(v.String())
	default:
		c.Printf("%v\n", v)
	}
}

// Run runs the shell.
func (s *Shell) Run(args ...string) {
	if s.AutoConnect && s.Config.Port != "" {
		if s.Interactive {
			s.Shell.Printf("Connecting %s ...\n", s.Config.Port)
		}
		if err := s.Connect(s.Config.Port); err != nil {
			log.Fatalf("connect %q failed: %v", s.Config.Port, err)
		}
	}
	defer s.Disconnect()

	if len(args) > 0 {
		if err := s.Shell.Process(args...); err != nil {
			log.Fatalln(err)
		}
		return
	}
	if s.Interactive {
		s.Shell.Run()
		return
	}
	log.Fatalln("command expected")
}

// MustBeConnected adapts fn to an ishell command func which requires a
// connection. fn runs with the configured timeout.
func MustBeConnected(fn CmdFunc) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		s := ShellFrom(c)
		if s.Conn == nil {
			c.Err(fmt.Errorf("not connected"))
			return
		}
		ctx, cancel := context.WithTimeout(s.Conn.Ctx, s.Config.Timeout)
		defer cancel()
		out, err := fn(ctx, s.Conn, c.Args)
		if err != nil {
			c.Err(err)
			return
		}
		s.Print(c, out)
	}
}

var (
	// ConnectCmd connects an agent.
	ConnectCmd = ishell.Cmd{
		Name:    "connect",
		Aliases: []string{"c"},
		Help:    "[PORT-URL]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			url := s.Config.Port
			if len(c.Args) > 0 {
				url = c.Args[0]
			}
			if err := s.Connect(url); err != nil {
				c.Err(err)
			}
		},
	}

	// DisconnectCmd disconnects current agent.
	DisconnectCmd = ishell.Cmd{
		Name:    "disconnect",
		Aliases: []string{"d"},
		Help:    "",
		Func: func(c *ishell.Context) {
			ShellFrom(c).Disconnect()
		},
	}

	// EventsCmd prints events received so far.
	EventsCmd = ishell.Cmd{
		Name:    "events",
		Aliases: []string{"ev"},
		Help:    "",
		Func: MustBeConnected(func(_ context.Context, conn *Conn, _ []string) (interface{}, error) {
			return DrainEvents(conn), nil
		}),
	}
)

// DrainEvents returns buffered events.
func DrainEvents(conn *Conn) []m2m.Event {
	events := []m2m.Event{}
	for {
		select {
		case ev := <-conn.Events:
			events = append(events, ev)
		default:
			return events
		}
	}
}

// Main is a helper to provide a single call in main.
func Main() {
	flag.Parse()
	New(env.MustNewConfig()).WithAutoConnect(true).Run(flag.Args()...)
}
