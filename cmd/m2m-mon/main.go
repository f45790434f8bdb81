package main

import (
	"context"
	"flag"
	"log"
	"path"

	"github.com/golang/protobuf/proto"

	"github.com/robotalks/m2mlink/pkg/bridge/mqtt"
	"github.com/robotalks/m2mlink/pkg/bridge/msgs"
	"github.com/robotalks/m2mlink/pkg/env"
	fx "github.com/robotalks/m2mlink/pkg/framework"
)

var (
	filter = "#"
)

func init() {
	flag.StringVar(&filter, "topic", filter, "Topic filter relative to the broker URL prefix.")
	env.SetupFlags()
}

func messageFor(topic string) proto.Message {
	switch path.Base(topic) {
	case msgs.TopicCommand:
		return &msgs.Command{}
	case msgs.TopicResponse:
		return &msgs.Response{}
	case msgs.TopicEvent:
		return &msgs.Event{}
	case msgs.TopicMeta:
		return &msgs.AgentInfo{}
	}
	return nil
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds)

	conf := env.MustNewConfig()
	q, err := mqtt.NewQueueFromURL(conf.MQTTBrokerURL, "m2m-mon-"+conf.AgentID)
	if err != nil {
		log.Fatalln(err)
	}
	if err := q.Connect(); err != nil {
		log.Fatalln(err)
	}
	_, err = q.Subscribe(filter, func(topic string, payload []byte) {
		msg := messageFor(topic)
		if msg == nil {
			log.Printf("%s: %d bytes", topic, len(payload))
			return
		}
		if err := msgs.Decode(payload, msg); err != nil {
			log.Printf("%s: bad message: %v", topic, err)
			return
		}
		log.Printf("%s: %s", topic, msg.String())
	})
	if err != nil {
		log.Fatalln(err)
	}

	runner := fx.NewRunner().HandleSignals().CloseOnExit(q)
	runner.Go(fx.NamedFunc("monitor", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	if err := runner.Wait(); err != nil {
		log.Fatalln(err)
	}
}
