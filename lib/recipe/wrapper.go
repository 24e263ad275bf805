// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package recipe

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/zocalo-go/zocalo/lib/transport"
	"github.com/zocalo-go/zocalo/lib/zerr"
)

// Message is the wire form of a recipe message.
type Message struct {
	Recipe      *Recipe                `json:"recipe"`
	Pointer     int                    `json:"recipe-pointer"`
	Path        []int                  `json:"recipe-path"`
	Environment map[string]interface{} `json:"environment"`
	Payload     interface{}            `json:"payload"`
}

// Wrapper holds a recipe together with the position of the current
// step, and sends messages to the following steps.
type Wrapper struct {
	Recipe      *Recipe
	Pointer     int
	Path        []int
	Environment map[string]interface{}
	Payload     interface{}

	transport      transport.Transport
	defaultChannel string
}

// NewWrapper returns a wrapper for a recipe that has not been
// started yet.
func NewWrapper(r *Recipe, tr transport.Transport, environment map[string]interface{}) *Wrapper {
	if environment == nil {
		environment = map[string]interface{}{}
	}
	return &Wrapper{Recipe: r, Environment: environment, transport: tr}
}

// FromMessage returns a wrapper for a received recipe message.
func FromMessage(body []byte, tr transport.Transport) (*Wrapper, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, zerr.Validationf("invalid recipe message: %w", err)
	}
	if msg.Recipe == nil {
		return nil, zerr.Validationf("invalid recipe message: no recipe")
	}
	if _, ok := msg.Recipe.Nodes[msg.Pointer]; !ok {
		return nil, zerr.Validationf("invalid recipe message: pointer %d does not refer to a recipe step", msg.Pointer)
	}
	if msg.Environment == nil {
		msg.Environment = map[string]interface{}{}
	}
	return &Wrapper{
		Recipe:      msg.Recipe,
		Pointer:     msg.Pointer,
		Path:        msg.Path,
		Environment: msg.Environment,
		Payload:     msg.Payload,
		transport:   tr,
	}, nil
}

// Step returns the current recipe step, or nil if the recipe has not
// been started.
func (w *Wrapper) Step() *Node {
	return w.Recipe.Nodes[w.Pointer]
}

// ID returns the correlation id carried in the environment.
func (w *Wrapper) ID() string {
	id, _ := w.Environment["ID"].(string)
	return id
}

// SetDefaultChannel directs subsequent Send calls to the named
// output channel.
func (w *Wrapper) SetDefaultChannel(channel string) {
	w.defaultChannel = channel
}

// Message returns the wire form of the wrapper at its current
// position.
func (w *Wrapper) Message() Message {
	return Message{
		Recipe:      w.Recipe,
		Pointer:     w.Pointer,
		Path:        w.Path,
		Environment: w.Environment,
		Payload:     w.Payload,
	}
}

// Start sends the start messages of the recipe.
func (w *Wrapper) Start(txn string) error {
	if w.Pointer != 0 {
		return fmt.Errorf("recipe has already been started")
	}
	for _, se := range w.Recipe.Start {
		if err := w.sendToNode(se.Node, []int{}, se.Payload, txn); err != nil {
			return err
		}
	}
	return nil
}

// Send sends payload to the destinations of the current step's
// default channel.
func (w *Wrapper) Send(payload interface{}, txn string) error {
	return w.SendTo(w.defaultChannel, payload, txn)
}

// SendTo sends payload to the destinations of the named output
// channel of the current step. Sending to a channel with no
// destinations is a no-op.
func (w *Wrapper) SendTo(channel string, payload interface{}, txn string) error {
	step := w.Step()
	if step == nil {
		return fmt.Errorf("recipe has not been started")
	}
	for _, dst := range step.Output.Targets(channel) {
		if err := w.sendToNode(dst, w.nextPath(), payload, txn); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint sends payload back to the current step, e.g., to resume
// a long-running operation later.
func (w *Wrapper) Checkpoint(payload interface{}, txn string) error {
	if w.Step() == nil {
		return fmt.Errorf("recipe has not been started")
	}
	return w.sendToNode(w.Pointer, w.nextPath(), payload, txn)
}

func (w *Wrapper) nextPath() []int {
	return append(append([]int{}, w.Path...), w.Pointer)
}

func (w *Wrapper) sendToNode(id int, path []int, payload interface{}, txn string) error {
	node, ok := w.Recipe.Nodes[id]
	if !ok {
		return zerr.Validationf("recipe refers to undefined node %d", id)
	}
	msg := Message{
		Recipe:      w.Recipe,
		Pointer:     id,
		Path:        path,
		Environment: w.Environment,
		Payload:     payload,
	}
	opts := transport.SendOptions{
		Transaction: txn,
		Headers:     transport.Header{transport.HeaderRecipe: "True"},
	}
	switch {
	case node.Queue != "":
		return w.transport.Send(node.Queue, msg, opts)
	case node.Topic != "":
		return w.transport.Broadcast(node.Topic, msg, opts)
	default:
		return nil
	}
}

// Callback receives a recipe message. rw is nil for non-recipe
// messages. It returns nil after acknowledging or rejecting the
// message itself.
type Callback func(rw *Wrapper, hdr transport.Header, message interface{}) error

func unwrap(tr transport.Transport, fn Callback, allowNonRecipe bool) transport.HandleFunc {
	return func(hdr transport.Header, body []byte) error {
		if hdr[transport.HeaderRecipe] == "True" {
			rw, err := FromMessage(body, tr)
			if err != nil {
				return err
			}
			return fn(rw, hdr, rw.Payload)
		}
		if !allowNonRecipe {
			return zerr.Validationf("received non-recipe message on recipe-only subscription")
		}
		var message interface{}
		if err := json.Unmarshal(body, &message); err != nil {
			return zerr.Validationf("invalid message: %w", err)
		}
		return fn(nil, hdr, message)
	}
}

// WrapSubscribe subscribes to a queue and passes recipe messages to
// fn. Messages without the workflows-recipe header are passed with a
// nil wrapper if allowNonRecipe is true, otherwise rejected.
func WrapSubscribe(tr transport.Transport, logger logrus.FieldLogger, queue string, fn Callback, allowNonRecipe bool) (string, error) {
	return tr.Subscribe(queue, transport.Guard(tr, logger, unwrap(tr, fn, allowNonRecipe)), true)
}

// WrapSubscribeBroadcast is like WrapSubscribe for a topic. Errors
// returned by fn are logged.
func WrapSubscribeBroadcast(tr transport.Transport, logger logrus.FieldLogger, topic string, fn Callback, allowNonRecipe bool) (string, error) {
	handle := unwrap(tr, fn, allowNonRecipe)
	return tr.SubscribeBroadcast(topic, func(hdr transport.Header, body []byte) {
		if err := handle(hdr, body); err != nil {
			logger.WithError(err).WithField("Topic", topic).Warn("broadcast handler failed")
		}
	})
}
