// Package sys exposes the system subsystem and link layer in the shell.
package sys

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/m2mlink/pkg/cli/sh"
	"github.com/robotalks/m2mlink/pkg/llc"
	"github.com/robotalks/m2mlink/pkg/m2m"
	"github.com/robotalks/m2mlink/pkg/sleep"
)

// VersionInfo is the result of version.
type VersionInfo struct {
	Protocol uint8  `json:"protocol"`
	Version  string `json:"version"`
}

// String implements fmt.Stringer.
func (v VersionInfo) String() string {
	return fmt.Sprintf("protocol %d, %s", v.Protocol, v.Version)
}

// HexBytes prints as hex.
type HexBytes []byte

// String implements fmt.Stringer.
func (b HexBytes) String() string {
	return hex.EncodeToString(b)
}

// MarshalText implements encoding.TextMarshaler.
func (b HexBytes) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// ParseUint8 parses a header byte or stream id.
func ParseUint8(name, s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", name, err)
	}
	return uint8(v), nil
}

// ParsePayload accepts hex, or text prefixed by ':'.
func ParsePayload(s string) ([]byte, error) {
	if strings.HasPrefix(s, ":") {
		return []byte(s[1:]), nil
	}
	p, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %v", err)
	}
	return p, nil
}

// Version queries the agent version.
func Version(ctx context.Context, conn *sh.Conn, _ []string) (interface{}, error) {
	proto, version, err := conn.Ctl.Version(ctx)
	if err != nil {
		return nil, err
	}
	return VersionInfo{Protocol: proto, Version: version}, nil
}

// Echo sends [SID] PAYLOAD.
func Echo(ctx context.Context, conn *sh.Conn, args []string) (interface{}, error) {
	sid := uint8(llc.ControlStream)
	switch len(args) {
	case 1:
	case 2:
		v, err := ParseUint8("SID", args[0])
		if err != nil {
			return nil, err
		}
		sid, args = v, args[1:]
	default:
		return nil, fmt.Errorf("PAYLOAD required")
	}
	payload, err := ParsePayload(args[0])
	if err != nil {
		return nil, err
	}
	out, err := conn.Ctl.Echo(ctx, sid, payload)
	return HexBytes(out), err
}

// DeepSleep sets the deep sleep mode of the agent.
func DeepSleep(ctx context.Context, conn *sh.Conn, args []string) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("MODE required")
	}
	mode, err := sleep.ParseMode(args[0])
	if err != nil {
		return nil, err
	}
	return nil, conn.Ctl.SetDeepSleepMode(ctx, mode)
}

// OpenStream opens a stream and returns its id.
func OpenStream(ctx context.Context, conn *sh.Conn, _ []string) (interface{}, error) {
	sid, err := conn.Ctl.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	return sid, nil
}

// CloseStream closes stream SID.
func CloseStream(ctx context.Context, conn *sh.Conn, args []string) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("SID required")
	}
	sid, err := ParseUint8("SID", args[0])
	if err != nil {
		return nil, err
	}
	return nil, conn.Ctl.CloseStream(ctx, sid)
}

// Do sends SID SUBSYSTEM COMMAND [SUBCOMMAND] [PAYLOAD].
func Do(ctx context.Context, conn *sh.Conn, args []string) (interface{}, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("SID SUBSYSTEM COMMAND required")
	}
	var vals [4]uint8
	names := []string{"SID", "SUBSYSTEM", "COMMAND", "SUBCOMMAND"}
	for n := 0; n < len(names) && n < len(args); n++ {
		v, err := ParseUint8(names[n], args[n])
		if err != nil {
			return nil, err
		}
		vals[n] = v
	}
	var payload []byte
	if len(args) > 4 {
		p, err := ParsePayload(args[4])
		if err != nil {
			return nil, err
		}
		payload = p
	}
	out, err := conn.Ctl.Do(ctx, vals[0], m2m.CommandHeader{
		Subsystem:  vals[1],
		Command:    vals[2],
		Subcommand: vals[3],
	}, payload)
	return HexBytes(out), err
}

// Sync exchanges sequence state.
func Sync(ctx context.Context, conn *sh.Conn, _ []string) (interface{}, error) {
	resp, err := conn.Ctl.Sync(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"last_seen": resp.LastSeen,
		"valid":     resp.LastSeen.IsValid(),
		"version":   resp.Version,
	}, nil
}

// Reset asks the agent to reset.
func Reset(_ context.Context, conn *sh.Conn, _ []string) (interface{}, error) {
	return nil, conn.Ctl.ResetAgent()
}

// Stats returns the link layer counters.
func Stats(_ context.Context, conn *sh.Conn, _ []string) (interface{}, error) {
	snap := conn.Ctl.Stats().Snapshot()
	return &snap, nil
}

var (
	// VersionCmd exposes Version.
	VersionCmd = ishell.Cmd{Name: "version", Aliases: []string{"ver"}, Help: "", Func: sh.MustBeConnected(Version)}
	// EchoCmd exposes Echo.
	EchoCmd = ishell.Cmd{Name: "echo", Help: "[SID] HEX|:TEXT", Func: sh.MustBeConnected(Echo)}
	// DeepSleepCmd exposes DeepSleep.
	DeepSleepCmd = ishell.Cmd{Name: "sleep", Help: "disabled|one-shot|hardware", Func: sh.MustBeConnected(DeepSleep)}
	// OpenStreamCmd exposes OpenStream.
	OpenStreamCmd = ishell.Cmd{Name: "open", Help: "", Func: sh.MustBeConnected(OpenStream)}
	// CloseStreamCmd exposes CloseStream.
	CloseStreamCmd = ishell.Cmd{Name: "close", Help: "SID", Func: sh.MustBeConnected(CloseStream)}
	// DoCmd exposes Do.
	DoCmd = ishell.Cmd{Name: "do", Help: "SID SUBSYSTEM COMMAND [SUBCOMMAND] [HEX|:TEXT]", Func: sh.MustBeConnected(Do)}
	// SyncCmd exposes Sync.
	SyncCmd = ishell.Cmd{Name: "sync", Help: "", Func: sh.MustBeConnected(Sync)}
	// ResetCmd exposes Reset.
	ResetCmd = ishell.Cmd{Name: "reset", Help: "", Func: sh.MustBeConnected(Reset)}
	// StatsCmd exposes Stats.
	StatsCmd = ishell.Cmd{Name: "stats", Help: "", Func: sh.MustBeConnected(Stats)}
)

func init() {
	sh.AddCmds(
		&VersionCmd,
		&EchoCmd,
		&DeepSleepCmd,
		&OpenStreamCmd,
		&CloseStreamCmd,
		&DoCmd,
		&SyncCmd,
		&ResetCmd,
		&StatsCmd,
	)
}
