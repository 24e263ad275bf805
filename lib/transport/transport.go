// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package transport abstracts the message broker used between
// processing services.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zocalo-go/zocalo/lib/zerr"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
)

// Well-known header names.
const (
	HeaderMessageID    = "message-id"
	HeaderSubscription = "subscription"
	HeaderDestination  = "destination"
	HeaderRecipe       = "workflows-recipe"
)

// Header holds message headers.
type Header map[string]string

// Copy returns a copy of h, or an empty Header if h is nil.
func (h Header) Copy() Header {
	cp := make(Header, len(h))
	for k, v := range h {
		cp[k] = v
	}
	return cp
}

// Callback receives one message. Messages on subscriptions that
// require acknowledgement must be passed to Ack or Nack eventually.
type Callback func(hdr Header, body []byte)

type SendOptions struct {
	// Transaction id from Begin, or "" to send immediately.
	Transaction string
	// Ask the broker to hold the message for this long before
	// delivery.
	Delay time.Duration
	// Extra headers.
	Headers Header
	// Do not persist the message in the broker.
	NonPersistent bool
}

// Transport is the set of broker operations used by processing
// services.
type Transport interface {
	// Subscribe to a queue. If ack is true, each delivered
	// message must be acknowledged.
	Subscribe(queue string, cb Callback, ack bool) (string, error)
	// SubscribeBroadcast subscribes to a topic. Broadcast
	// messages are never acknowledged.
	SubscribeBroadcast(topic string, cb Callback) (string, error)
	Unsubscribe(subscription string) error
	// Send a message to a queue. The message is encoded with
	// Encode.
	Send(queue string, message interface{}, opts SendOptions) error
	// Broadcast a message to a topic.
	Broadcast(topic string, message interface{}, opts SendOptions) error
	Ack(hdr Header, txn string) error
	Nack(hdr Header, txn string) error
	Begin() (string, error)
	Commit(txn string) error
	Abort(txn string) error
	Close() error
}

// Encode returns the wire form of a message: []byte and
// json.RawMessage values are sent as-is, anything else as JSON.
func Encode(message interface{}) ([]byte, error) {
	switch m := message.(type) {
	case []byte:
		return m, nil
	case json.RawMessage:
		return m, nil
	default:
		return json.Marshal(m)
	}
}

// New returns a transport according to the given config.
func New(cfg zocalo.TransportConfig, logger logrus.FieldLogger) (Transport, error) {
	switch cfg.Driver {
	case "loopback":
		return NewLoopback(), nil
	case "stomp", "":
		return DialStomp(cfg.Stomp, logger)
	default:
		return nil, fmt.Errorf("unsupported transport driver %q", cfg.Driver)
	}
}

// HandleFunc processes a message. It returns nil if it has already
// acknowledged (or rejected) the message itself.
type HandleFunc func(hdr Header, body []byte) error

type fieldsError struct {
	error
	fields logrus.Fields
}

func (e *fieldsError) Unwrap() error { return e.error }

// WithFields attaches log fields to err, typically the correlation
// id of the message being handled. Guard adds them to its log entry.
// WithFields returns nil if err is nil.
func WithFields(err error, fields logrus.Fields) error {
	if err == nil {
		return nil
	}
	return &fieldsError{error: err, fields: fields}
}

// Guard converts a HandleFunc into a Callback: if the handler
// returns an error, the error is logged and the message is rejected.
//
// This includes transport errors. A handler that fails to commit
// its transaction has aborted the acknowledgement with it, so the
// message is still unacknowledged and must be released for
// redelivery rather than held until the connection drops.
func Guard(tr Transport, logger logrus.FieldLogger, fn HandleFunc) Callback {
	return func(hdr Header, body []byte) {
		err := fn(hdr, body)
		if err == nil {
			return
		}
		kind := zerr.KindOf(err)
		fields := logrus.Fields{
			"MessageID": hdr[HeaderMessageID],
			"ErrorKind": kind.String(),
		}
		var fe *fieldsError
		for e := err; errors.As(e, &fe); e = fe.error {
			for k, v := range fe.fields {
				if _, ok := fields[k]; !ok {
					fields[k] = v
				}
			}
		}
		logger.WithError(err).WithFields(fields).Error("message handler failed")
		if err := tr.Nack(hdr, ""); err != nil {
			logger.WithError(err).WithFields(fields).Error("nack failed")
		}
	}
}
