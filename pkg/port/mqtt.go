package port

import (
	"fmt"
	"io"
	"net/url"

	"github.com/robotalks/m2mlink/pkg/bridge/mqtt"
)

// openMQTT tunnels the port through a broker:
//
//	mqtt://host:1883/prefix/?sub=agent/up&pub=agent/down
func openMQTT(u *url.URL) (io.ReadWriteCloser, error) {
	query := u.Query()
	sub, pub := query.Get("sub"), query.Get("pub")
	if sub == "" || pub == "" {
		return nil, fmt.Errorf("mqtt port requires sub and pub topics")
	}
	q, err := mqtt.NewQueueFromURL(u.String(), "m2m-port-"+sub)
	if err != nil {
		return nil, err
	}
	if err := q.Connect(); err != nil {
		return nil, err
	}
	t, err := mqtt.NewTunnel(q, sub, pub)
	if err != nil {
		q.Close()
		return nil, err
	}
	t.CloseQueue = true
	return t, nil
}
