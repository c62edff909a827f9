package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidTransition = errors.New("invalid worker state transition")
	ErrClosed            = errors.New("worker closed")
)

type State int

const (
	StateParsed State = iota
	StateInstalling
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// event is an entry of the worker's queue. Lifecycle events are handled in
// order on the loop goroutine; each fetch event is answered on its own channel.
type event interface {
	name() string
}

type installEvent struct {
	ctx  context.Context
	done chan error
}

type activateEvent struct {
	ctx  context.Context
	done chan error
}

type fetchEvent struct {
	id    string
	req   *http.Request
	opts  FetchOptions
	reply chan fetchReply
}

type fetchReply struct {
	res *Result
	err error
}

func (installEvent) name() string  { return "install" }
func (activateEvent) name() string { return "activate" }
func (fetchEvent) name() string    { return "fetch" }
