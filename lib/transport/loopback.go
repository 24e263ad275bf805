// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package transport

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Message is a message recorded by a Loopback transport.
type Message struct {
	Destination   string
	Broadcast     bool
	Header        Header
	Body          []byte
	Transaction   string
	Delay         time.Duration
	NonPersistent bool
}

type loopSub struct {
	id        string
	dest      string
	broadcast bool
	ack       bool
	cb        Callback
}

type pendingOp struct {
	msg  *Message
	ack  Header
	nack Header
}

// Loopback is an in-process Transport. Sent messages are recorded
// rather than delivered, so tests (and single-process runs) decide
// when to deliver them with Deliver or Pump.
type Loopback struct {
	// (for testing) if non-nil, called for each Send and
	// Broadcast. A non-nil error fails the send, and nothing is
	// recorded.
	SendError func(dest string) error
	// (for testing) if non-nil, called by Commit. A non-nil error
	// is returned, and the transaction is discarded as if aborted.
	CommitError func(txn string) error

	mtx    sync.Mutex
	seq    int
	subs   map[string]*loopSub
	txns   map[string][]pendingOp
	sent   []Message
	acked  []Header
	nacked []Header
	closed bool
}

func NewLoopback() *Loopback {
	return &Loopback{
		subs: map[string]*loopSub{},
		txns: map[string][]pendingOp{},
	}
}

func (lb *Loopback) nextID(prefix string) string {
	lb.seq++
	return prefix + strconv.Itoa(lb.seq)
}

func (lb *Loopback) subscribe(dest string, broadcast, ack bool, cb Callback) (string, error) {
	lb.mtx.Lock()
	defer lb.mtx.Unlock()
	if lb.closed {
		return "", errors.New("transport closed")
	}
	id := lb.nextID("sub-")
	lb.subs[id] = &loopSub{id: id, dest: dest, broadcast: broadcast, ack: ack, cb: cb}
	return id, nil
}

func (lb *Loopback) Subscribe(queue string, cb Callback, ack bool) (string, error) {
	return lb.subscribe(queue, false, ack, cb)
}

func (lb *Loopback) SubscribeBroadcast(topic string, cb Callback) (string, error) {
	return lb.subscribe(topic, true, false, cb)
}

func (lb *Loopback) Unsubscribe(id string) error {
	lb.mtx.Lock()
	defer lb.mtx.Unlock()
	if _, ok := lb.subs[id]; !ok {
		return fmt.Errorf("no such subscription %q", id)
	}
	delete(lb.subs, id)
	return nil
}

func (lb *Loopback) record(dest string, broadcast bool, message interface{}, opts SendOptions) error {
	body, err := Encode(message)
	if err != nil {
		return err
	}
	hdr := opts.Headers.Copy()
	msg := &Message{
		Destination:   dest,
		Broadcast:     broadcast,
		Header:        hdr,
		Body:          body,
		Transaction:   opts.Transaction,
		Delay:         opts.Delay,
		NonPersistent: opts.NonPersistent,
	}
	lb.mtx.Lock()
	defer lb.mtx.Unlock()
	if lb.closed {
		return errors.New("transport closed")
	}
	if lb.SendError != nil {
		if err := lb.SendError(dest); err != nil {
			return err
		}
	}
	if opts.Transaction == "" {
		lb.sent = append(lb.sent, *msg)
		return nil
	}
	ops, ok := lb.txns[opts.Transaction]
	if !ok {
		return fmt.Errorf("no such transaction %q", opts.Transaction)
	}
	lb.txns[opts.Transaction] = append(ops, pendingOp{msg: msg})
	return nil
}

func (lb *Loopback) Send(queue string, message interface{}, opts SendOptions) error {
	return lb.record(queue, false, message, opts)
}

func (lb *Loopback) Broadcast(topic string, message interface{}, opts SendOptions) error {
	return lb.record(topic, true, message, opts)
}

func (lb *Loopback) ackOrNack(hdr Header, txn string, ack bool) error {
	lb.mtx.Lock()
	defer lb.mtx.Unlock()
	op := pendingOp{}
	if ack {
		op.ack = hdr
	} else {
		op.nack = hdr
	}
	if txn == "" {
		lb.apply(op)
		return nil
	}
	ops, ok := lb.txns[txn]
	if !ok {
		return fmt.Errorf("no such transaction %q", txn)
	}
	lb.txns[txn] = append(ops, op)
	return nil
}

func (lb *Loopback) apply(op pendingOp) {
	switch {
	case op.msg != nil:
		lb.sent = append(lb.sent, *op.msg)
	case op.ack != nil:
		lb.acked = append(lb.acked, op.ack)
	case op.nack != nil:
		lb.nacked = append(lb.nacked, op.nack)
	}
}

func (lb *Loopback) Ack(hdr Header, txn string) error {
	return lb.ackOrNack(hdr, txn, true)
}

func (lb *Loopback) Nack(hdr Header, txn string) error {
	return lb.ackOrNack(hdr, txn, false)
}

func (lb *Loopback) Begin() (string, error) {
	lb.mtx.Lock()
	defer lb.mtx.Unlock()
	id := lb.nextID("tx-")
	lb.txns[id] = nil
	return id, nil
}

func (lb *Loopback) Commit(txn string) error {
	lb.mtx.Lock()
	defer lb.mtx.Unlock()
	ops, ok := lb.txns[txn]
	if !ok {
		return fmt.Errorf("no such transaction %q", txn)
	}
	delete(lb.txns, txn)
	if lb.CommitError != nil {
		if err := lb.CommitError(txn); err != nil {
			return err
		}
	}
	for _, op := range ops {
		lb.apply(op)
	}
	return nil
}

func (lb *Loopback) Abort(txn string) error {
	lb.mtx.Lock()
	defer lb.mtx.Unlock()
	if _, ok := lb.txns[txn]; !ok {
		return fmt.Errorf("no such transaction %q", txn)
	}
	delete(lb.txns, txn)
	return nil
}

func (lb *Loopback) Close() error {
	lb.mtx.Lock()
	defer lb.mtx.Unlock()
	lb.closed = true
	lb.subs = map[string]*loopSub{}
	return nil
}

// Deliver passes a message to the subscribers of dest: every
// broadcast subscriber, and the first (by subscription order) queue
// subscriber. It returns the number of callbacks invoked.
func (lb *Loopback) Deliver(dest string, hdr Header, message interface{}) (int, error) {
	body, err := Encode(message)
	if err != nil {
		return 0, err
	}
	lb.mtx.Lock()
	var targets []*loopSub
	var queueSub *loopSub
	for _, id := range lb.sortedSubIDs() {
		sub := lb.subs[id]
		if sub.dest != dest {
			continue
		}
		if sub.broadcast {
			targets = append(targets, sub)
		} else if queueSub == nil {
			queueSub = sub
		}
	}
	if queueSub != nil {
		targets = append(targets, queueSub)
	}
	seq := lb.nextID("msg-")
	lb.mtx.Unlock()

	for _, sub := range targets {
		h := hdr.Copy()
		h[HeaderMessageID] = seq
		h[HeaderSubscription] = sub.id
		h[HeaderDestination] = dest
		sub.cb(h, body)
	}
	return len(targets), nil
}

func (lb *Loopback) sortedSubIDs() []string {
	ids := make([]string, 0, len(lb.subs))
	for id := range lb.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.Atoi(ids[i][4:])
		b, _ := strconv.Atoi(ids[j][4:])
		return a < b
	})
	return ids
}

// Pump delivers recorded messages to current subscribers until none
// remain deliverable or limit messages have been delivered. Messages
// for destinations with no subscriber stay in the sent list. It
// returns the number of messages delivered.
func (lb *Loopback) Pump(limit int) int {
	delivered := 0
	for delivered < limit {
		lb.mtx.Lock()
		idx := -1
		for i, msg := range lb.sent {
			if lb.hasSubscriber(msg.Destination) {
				idx = i
				break
			}
		}
		if idx < 0 {
			lb.mtx.Unlock()
			break
		}
		msg := lb.sent[idx]
		lb.sent = append(lb.sent[:idx:idx], lb.sent[idx+1:]...)
		lb.mtx.Unlock()
		lb.Deliver(msg.Destination, msg.Header, msg.Body)
		delivered++
	}
	return delivered
}

func (lb *Loopback) hasSubscriber(dest string) bool {
	for _, sub := range lb.subs {
		if sub.dest == dest {
			return true
		}
	}
	return false
}

// Sent returns the committed messages recorded so far.
func (lb *Loopback) Sent() []Message {
	lb.mtx.Lock()
	defer lb.mtx.Unlock()
	return append([]Message(nil), lb.sent...)
}

// SentTo returns the committed messages for the given destination.
func (lb *Loopback) SentTo(dest string) []Message {
	var msgs []Message
	for _, msg := range lb.Sent() {
		if msg.Destination == dest {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// Acked returns the headers of acknowledged messages.
func (lb *Loopback) Acked() []Header {
	lb.mtx.Lock()
	defer lb.mtx.Unlock()
	return append([]Header(nil), lb.acked...)
}

// Nacked returns the headers of rejected messages.
func (lb *Loopback) Nacked() []Header {
	lb.mtx.Lock()
	defer lb.mtx.Unlock()
	return append([]Header(nil), lb.nacked...)
}

// OpenTransactions returns the number of transactions that have been
// started but neither committed nor aborted.
func (lb *Loopback) OpenTransactions() int {
	lb.mtx.Lock()
	defer lb.mtx.Unlock()
	return len(lb.txns)
}

// Reset forgets all recorded messages, acks and nacks.
func (lb *Loopback) Reset() {
	lb.mtx.Lock()
	defer lb.mtx.Unlock()
	lb.sent, lb.acked, lb.nacked = nil, nil, nil
}
