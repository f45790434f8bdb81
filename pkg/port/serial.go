package port

import (
	"fmt"
	"io"
	"net/url"
	"strconv"

	"go.bug.st/serial"
)

// DefaultBaudRate is used when the serial URL has no baud parameter.
const DefaultBaudRate = 115200

// SerialMode builds the serial mode from the URL query: baud, parity
// (none, odd, even) and stop (1, 2).
func SerialMode(query url.Values) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: DefaultBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if val := query.Get("baud"); val != "" {
		baud, err := strconv.Atoi(val)
		if err != nil || baud <= 0 {
			return nil, fmt.Errorf("invalid baud rate %q", val)
		}
		mode.BaudRate = baud
	}
	switch query.Get("parity") {
	case "", "none":
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		return nil, fmt.Errorf("invalid parity %q", query.Get("parity"))
	}
	switch query.Get("stop") {
	case "", "1":
	case "2":
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("invalid stop bits %q", query.Get("stop"))
	}
	return mode, nil
}

func openSerial(u *url.URL) (io.ReadWriteCloser, error) {
	mode, err := SerialMode(u.Query())
	if err != nil {
		return nil, err
	}
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return p, nil
}
