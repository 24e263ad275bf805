// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/sirupsen/logrus"
	"github.com/zocalo-go/zocalo/lib/zerr"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
)

// stompAcker is implemented by *stomp.Conn and *stomp.Transaction.
type stompAcker interface {
	Ack(*stomp.Message) error
	Nack(*stomp.Message) error
}

// stompTxn is implemented by *stomp.Transaction.
type stompTxn interface {
	stompAcker
	Send(dest, contentType string, body []byte, opts ...func(*frame.Frame) error) error
	Commit() error
	Abort() error
}

// Stomp is a Transport backed by a STOMP broker connection.
type Stomp struct {
	conn *stomp.Conn
	// (for testing) acks and nacks outside transactions go here;
	// normally conn
	direct   stompAcker
	logger   logrus.FieldLogger
	prefix   string
	prefetch int

	mtx     sync.Mutex
	subs    map[string]*stomp.Subscription
	pending map[string]*stomp.Message
	txns    map[string]stompTxn
	// ids of pending messages acked or nacked in each open
	// transaction; they stay pending until the commit succeeds
	settled map[string][]string
}

// DialStomp connects to the broker described by cfg.
func DialStomp(cfg zocalo.StompConfig, logger logrus.FieldLogger) (*Stomp, error) {
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(cfg.HeartBeat.Duration(), cfg.HeartBeat.Duration()),
	}
	if cfg.Username != "" {
		opts = append(opts, stomp.ConnOpt.Login(cfg.Username, cfg.Password))
	}
	if cfg.VHost != "" {
		opts = append(opts, stomp.ConnOpt.Host(cfg.VHost))
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := stomp.Dial("tcp", addr, opts...)
	if err != nil {
		return nil, zerr.Transportf("connecting to %s: %w", addr, err)
	}
	logger.WithField("Broker", addr).Info("connected to message broker")
	return &Stomp{
		conn:     conn,
		direct:   conn,
		logger:   logger,
		prefix:   cfg.Prefix,
		prefetch: cfg.Prefetch,
		subs:     map[string]*stomp.Subscription{},
		pending:  map[string]*stomp.Message{},
		txns:     map[string]stompTxn{},
		settled:  map[string][]string{},
	}, nil
}

func (s *Stomp) destination(kind, name string) string {
	if s.prefix == "" {
		return "/" + kind + "/" + name
	}
	return "/" + kind + "/" + s.prefix + "." + name
}

func (s *Stomp) subscribe(dest string, cb Callback, mode stomp.AckMode) (string, error) {
	var opts []func(*frame.Frame) error
	if s.prefetch > 0 {
		opts = append(opts, stomp.SubscribeOpt.Header("activemq.prefetchSize", strconv.Itoa(s.prefetch)))
	}
	sub, err := s.conn.Subscribe(dest, mode, opts...)
	if err != nil {
		return "", zerr.Transportf("subscribing to %s: %w", dest, err)
	}
	id := sub.Id()
	s.mtx.Lock()
	s.subs[id] = sub
	s.mtx.Unlock()
	go func() {
		for msg := range sub.C {
			if msg.Err != nil {
				s.logger.WithError(msg.Err).WithField("Destination", dest).Error("subscription error")
				continue
			}
			hdr := headerMap(msg.Header)
			hdr[HeaderSubscription] = id
			if mode != stomp.AckAuto {
				s.mtx.Lock()
				s.pending[hdr[HeaderMessageID]] = msg
				s.mtx.Unlock()
			}
			cb(hdr, msg.Body)
		}
	}()
	return id, nil
}

func headerMap(h *frame.Header) Header {
	hdr := Header{}
	if h == nil {
		return hdr
	}
	for i := 0; i < h.Len(); i++ {
		k, v := h.GetAt(i)
		if _, dup := hdr[k]; !dup {
			hdr[k] = v
		}
	}
	return hdr
}

func (s *Stomp) Subscribe(queue string, cb Callback, ack bool) (string, error) {
	mode := stomp.AckAuto
	if ack {
		mode = stomp.AckClientIndividual
	}
	return s.subscribe(s.destination("queue", queue), cb, mode)
}

func (s *Stomp) SubscribeBroadcast(topic string, cb Callback) (string, error) {
	return s.subscribe(s.destination("topic", topic), cb, stomp.AckAuto)
}

func (s *Stomp) Unsubscribe(id string) error {
	s.mtx.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mtx.Unlock()
	if !ok {
		return fmt.Errorf("no such subscription %q", id)
	}
	return sub.Unsubscribe()
}

func (s *Stomp) send(dest string, message interface{}, opts SendOptions) error {
	body, err := Encode(message)
	if err != nil {
		return err
	}
	var fopts []func(*frame.Frame) error
	for k, v := range opts.Headers {
		fopts = append(fopts, stomp.SendOpt.Header(k, v))
	}
	if opts.NonPersistent {
		fopts = append(fopts, stomp.SendOpt.Header("persistent", "false"))
	} else {
		fopts = append(fopts, stomp.SendOpt.Header("persistent", "true"))
	}
	if opts.Delay > 0 {
		fopts = append(fopts, stomp.SendOpt.Header("AMQ_SCHEDULED_DELAY", strconv.FormatInt(opts.Delay.Milliseconds(), 10)))
	}
	if opts.Transaction == "" {
		err = s.conn.Send(dest, "application/json", body, fopts...)
	} else {
		var tx stompTxn
		tx, err = s.txn(opts.Transaction)
		if err == nil {
			err = tx.Send(dest, "application/json", body, fopts...)
		}
	}
	if err != nil {
		return zerr.Transportf("sending to %s: %w", dest, err)
	}
	return nil
}

func (s *Stomp) Send(queue string, message interface{}, opts SendOptions) error {
	return s.send(s.destination("queue", queue), message, opts)
}

func (s *Stomp) Broadcast(topic string, message interface{}, opts SendOptions) error {
	return s.send(s.destination("topic", topic), message, opts)
}

func (s *Stomp) txn(id string) (stompTxn, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	tx, ok := s.txns[id]
	if !ok {
		return nil, fmt.Errorf("no such transaction %q", id)
	}
	return tx, nil
}

// settle acks or nacks a pending message. Outside a transaction the
// message is forgotten once the broker has been told; inside one it
// is forgotten when the transaction commits, so an aborted
// transaction leaves it available for Nack.
func (s *Stomp) settle(hdr Header, txn string, ack bool) error {
	id := hdr[HeaderMessageID]
	s.mtx.Lock()
	msg, ok := s.pending[id]
	tx, txok := s.txns[txn]
	s.mtx.Unlock()
	if !ok {
		return fmt.Errorf("no unacknowledged message with id %q", id)
	}
	if txn != "" && !txok {
		return fmt.Errorf("no such transaction %q", txn)
	}
	var err error
	switch {
	case txn == "" && ack:
		err = s.direct.Ack(msg)
	case txn == "":
		err = s.direct.Nack(msg)
	case ack:
		err = tx.Ack(msg)
	default:
		err = tx.Nack(msg)
	}
	if err != nil {
		verb := "nack"
		if ack {
			verb = "ack"
		}
		return zerr.Transportf("%s %s: %w", verb, id, err)
	}
	s.mtx.Lock()
	if txn == "" {
		delete(s.pending, id)
	} else {
		s.settled[txn] = append(s.settled[txn], id)
	}
	s.mtx.Unlock()
	return nil
}

func (s *Stomp) Ack(hdr Header, txn string) error { return s.settle(hdr, txn, true) }

func (s *Stomp) Nack(hdr Header, txn string) error { return s.settle(hdr, txn, false) }

func (s *Stomp) Begin() (string, error) {
	tx := s.conn.Begin()
	s.mtx.Lock()
	s.txns[tx.Id()] = tx
	s.mtx.Unlock()
	return tx.Id(), nil
}

func (s *Stomp) finish(id string, commit bool) error {
	s.mtx.Lock()
	tx, ok := s.txns[id]
	settled := s.settled[id]
	delete(s.txns, id)
	delete(s.settled, id)
	s.mtx.Unlock()
	if !ok {
		return fmt.Errorf("no such transaction %q", id)
	}
	var err error
	if commit {
		err = tx.Commit()
	} else {
		err = tx.Abort()
	}
	if commit && err == nil {
		s.mtx.Lock()
		for _, msgid := range settled {
			delete(s.pending, msgid)
		}
		s.mtx.Unlock()
	}
	if err != nil {
		return zerr.Transportf("transaction %s: %w", id, err)
	}
	return nil
}

func (s *Stomp) Commit(id string) error { return s.finish(id, true) }

func (s *Stomp) Abort(id string) error { return s.finish(id, false) }

// Close disconnects from the broker. Unacknowledged messages are
// redelivered by the broker to other subscribers.
func (s *Stomp) Close() error {
	err := s.conn.Disconnect()
	if err != nil && !strings.Contains(err.Error(), "closed") {
		return err
	}
	return nil
}
