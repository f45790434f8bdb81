// Package msgs defines the protobuf messages exchanged with the bridge over
// MQTT.
//
// Producer: clients publish Command on <agent>/cmd.
// Consumer: the bridge publishes Response on <agent>/rsp, Event on
// <agent>/evt and a retained AgentInfo on <agent>/meta.
package msgs
