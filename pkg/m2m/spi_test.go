package m2m

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/m2mlink/pkg/datalink"
	"github.com/robotalks/m2mlink/pkg/datalink/spi"
	"github.com/robotalks/m2mlink/pkg/llc"
)

func TestOverSPI(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := spi.NewSimBus()
	started := make(chan struct{}, 1)
	ctl, err := NewController(ControllerConfig{
		Open: func(h datalink.RxHandler) (datalink.Link, error) {
			host, err := spi.NewHost(spi.HostConfig{Bus: bus, Handler: h, CRC: true})
			if err != nil {
				return nil, err
			}
			go host.Run(ctx)
			return host, nil
		},
		OnAgentStart: func(*Controller) { started <- struct{}{} },
	})
	require.NoError(t, err)
	defer ctl.Close()

	agent, err := NewAgent(AgentConfig{
		Open: spi.Opener(spi.Config{
			Bus:           bus,
			Lines:         bus,
			MaxPacketSize: llc.MaxPacketSize + llc.HeaderSize,
			CRC:           true,
		}),
		Processor: &SysProcessor{Version: testVersion},
	})
	require.NoError(t, err)
	defer agent.Close()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("expect agent start")
	}

	reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
	defer reqCancel()
	_, version, err := ctl.Version(reqCtx)
	require.NoError(t, err)
	require.Equal(t, testVersion, version)

	sid, err := ctl.OpenStream(reqCtx)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte{0xa5, 0x5a}, 700)
	p, err := ctl.Echo(reqCtx, sid, payload)
	require.NoError(t, err)
	require.Equal(t, payload, p)
	require.NotZero(t, bus.Transfers(spi.TransferDMA))
}
