package rpc

import (
	"fmt"

	"github.com/juju/errors"
)

// State is a step of the consumer connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	ChannelOpening
	DeclaringExchange
	DeclaringQueue
	BindingQueue
	SettingQoS
	Consuming
	Closing
	Closed
)

var stateNames = [...]string{
	Disconnected:      "disconnected",
	Connecting:        "connecting",
	ChannelOpening:    "opening channel",
	DeclaringExchange: "declaring exchange",
	DeclaringQueue:    "declaring queue",
	BindingQueue:      "binding queue",
	SettingQoS:        "setting qos",
	Consuming:         "consuming",
	Closing:           "closing",
	Closed:            "closed",
}

// Every setup step may fail into Closing.
var transitions = map[State][]State{
	Disconnected:      {Connecting, Closed},
	Connecting:        {ChannelOpening, Closing},
	ChannelOpening:    {DeclaringExchange, Closing},
	DeclaringExchange: {DeclaringQueue, Closing},
	DeclaringQueue:    {BindingQueue, Closing},
	BindingQueue:      {SettingQoS, Closing},
	SettingQoS:        {Consuming, Closing},
	Consuming:         {Closing},
	Closing:           {Closed},
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// CanTransition reports whether the lifecycle allows moving to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !from.CanTransition(to) {
		return errors.NotValidf("transition from %s to %s", from, to)
	}
	return nil
}
