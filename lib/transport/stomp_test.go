// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package transport

import (
	"errors"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/zocalo-go/zocalo/lib/zerr"
	"github.com/zocalo-go/zocalo/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

type stubAcker struct {
	acked, nacked []*stomp.Message
}

func (sa *stubAcker) Ack(msg *stomp.Message) error {
	sa.acked = append(sa.acked, msg)
	return nil
}

func (sa *stubAcker) Nack(msg *stomp.Message) error {
	sa.nacked = append(sa.nacked, msg)
	return nil
}

type stubTxn struct {
	stubAcker
	commitErr error
	committed bool
	aborted   bool
}

func (tx *stubTxn) Send(string, string, []byte, ...func(*frame.Frame) error) error { return nil }

func (tx *stubTxn) Commit() error {
	if tx.commitErr != nil {
		return tx.commitErr
	}
	tx.committed = true
	return nil
}

func (tx *stubTxn) Abort() error {
	tx.aborted = true
	return nil
}

var _ = check.Suite(&StompSuite{})

type StompSuite struct {
	direct *stubAcker
	st     *Stomp
}

func (s *StompSuite) SetUpTest(c *check.C) {
	s.direct = &stubAcker{}
	s.st = &Stomp{
		direct:  s.direct,
		logger:  ctxlog.TestLogger(c),
		subs:    map[string]*stomp.Subscription{},
		pending: map[string]*stomp.Message{},
		txns:    map[string]stompTxn{},
		settled: map[string][]string{},
	}
}

func (s *StompSuite) deliver(id string) (Header, *stomp.Message) {
	msg := &stomp.Message{Destination: "/queue/q"}
	s.st.pending[id] = msg
	return Header{HeaderMessageID: id}, msg
}

func (s *StompSuite) begin(tx *stubTxn) string {
	id := "tx-" + string(rune('a'+len(s.st.txns)))
	s.st.txns[id] = tx
	return id
}

func (s *StompSuite) TestAbortedAckStaysPending(c *check.C) {
	hdr, msg := s.deliver("m1")
	tx := &stubTxn{}
	txn := s.begin(tx)
	c.Assert(s.st.Ack(hdr, txn), check.IsNil)
	c.Check(tx.acked, check.DeepEquals, []*stomp.Message{msg})
	c.Assert(s.st.Abort(txn), check.IsNil)
	c.Check(tx.aborted, check.Equals, true)

	c.Assert(s.st.Nack(hdr, ""), check.IsNil)
	c.Check(s.direct.nacked, check.DeepEquals, []*stomp.Message{msg})
	c.Check(s.st.pending, check.HasLen, 0)
}

func (s *StompSuite) TestFailedCommitStaysPending(c *check.C) {
	hdr, msg := s.deliver("m2")
	txn := s.begin(&stubTxn{commitErr: errors.New("connection reset")})
	c.Assert(s.st.Ack(hdr, txn), check.IsNil)
	err := s.st.Commit(txn)
	c.Check(err, check.ErrorMatches, `transaction tx-a: connection reset`)
	c.Check(zerr.KindOf(err), check.Equals, zerr.Transport)

	c.Assert(s.st.Nack(hdr, ""), check.IsNil)
	c.Check(s.direct.nacked, check.DeepEquals, []*stomp.Message{msg})
}

func (s *StompSuite) TestCommittedAckIsForgotten(c *check.C) {
	hdr, _ := s.deliver("m3")
	tx := &stubTxn{}
	txn := s.begin(tx)
	c.Assert(s.st.Ack(hdr, txn), check.IsNil)
	c.Check(s.st.pending, check.HasLen, 1)
	c.Assert(s.st.Commit(txn), check.IsNil)
	c.Check(tx.committed, check.Equals, true)
	c.Check(s.st.pending, check.HasLen, 0)
	c.Check(s.st.Nack(hdr, ""), check.ErrorMatches, `no unacknowledged message with id "m3"`)
	c.Check(s.direct.nacked, check.HasLen, 0)
}

func (s *StompSuite) TestDirectAck(c *check.C) {
	hdr, msg := s.deliver("m4")
	c.Assert(s.st.Ack(hdr, ""), check.IsNil)
	c.Check(s.direct.acked, check.DeepEquals, []*stomp.Message{msg})
	c.Check(s.st.Ack(hdr, ""), check.NotNil)
	hdr, _ = s.deliver("m5")
	c.Check(s.st.Ack(hdr, "tx-nope"), check.ErrorMatches, `no such transaction "tx-nope"`)
	c.Check(s.st.pending, check.HasLen, 1)
}

func (s *StompSuite) TestDestination(c *check.C) {
	c.Check(s.st.destination("queue", "mimas"), check.Equals, "/queue/mimas")
	s.st.prefix = "zocalo"
	c.Check(s.st.destination("topic", "transient.status"), check.Equals, "/topic/zocalo.transient.status")
}
