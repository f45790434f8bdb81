package m2m

import (
	"context"

	"github.com/golang/glog"

	"github.com/robotalks/m2mlink/pkg/llc"
	"github.com/robotalks/m2mlink/pkg/sleep"
)

// SubsystemSys is the subsystem handled by SysProcessor.
const SubsystemSys uint8 = 0

// System commands.
const (
	SysGetVersion  uint8 = 1
	SysEcho        uint8 = 2
	SysDeepSleep   uint8 = 3
	SysOpenStream  uint8 = 4
	SysCloseStream uint8 = 5
)

// System events.
const (
	SysEventStreamClosed uint8 = 1
)

// SysProcessor handles the system subsystem and hands every other
// subsystem to Next.
//
// GET_VERSION answers the protocol version followed by Version.
// DEEP_SLEEP takes the mode in the subcommand.
// CLOSE_STREAM takes the stream id in the subcommand and reports
// SysEventStreamClosed once the stream is gone.
type SysProcessor struct {
	Version string
	Next    Processor
}

// Process implements Processor.
func (p *SysProcessor) Process(ctx context.Context, req *Request) ([]byte, error) {
	if req.Header.Subsystem != SubsystemSys {
		if p.Next != nil {
			return p.Next.Process(ctx, req)
		}
		return nil, llc.StatusNotSupported.Err()
	}
	switch req.Header.Command {
	case SysGetVersion:
		return append([]byte{llc.ProtocolVersion}, p.Version...), nil
	case SysEcho:
		return req.Payload, nil
	case SysDeepSleep:
		if !req.Agent.SetDeepSleepMode(sleep.Mode(req.Header.Subcommand)) {
			return nil, llc.StatusNotSupported.Err()
		}
		return nil, nil
	case SysOpenStream:
		sid, err := req.Agent.OpenStream(nil)
		if err != nil {
			return nil, err
		}
		return []byte{sid}, nil
	case SysCloseStream:
		sid := req.Header.Subcommand
		done := req.Agent.StreamDone(sid)
		if err := req.Agent.CloseStream(sid); err != nil {
			return nil, err
		}
		go p.notifyClosed(ctx, req.Agent, sid, done)
		return nil, nil
	}
	return nil, llc.StatusNotSupported.Err()
}

func (p *SysProcessor) notifyClosed(ctx context.Context, a *Agent, sid uint8, done <-chan struct{}) {
	select {
	case <-done:
	case <-ctx.Done():
		return
	}
	if err := a.SendEvent(SubsystemSys, SysEventStreamClosed, []byte{sid}); err != nil {
		glog.V(1).Infof("m2m: stream %d closed event: %v", sid, err)
	}
}
