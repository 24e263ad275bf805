// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package recipe

import (
	"encoding/json"

	"github.com/zocalo-go/zocalo/lib/transport"
	"github.com/zocalo-go/zocalo/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&WrapperSuite{})

type WrapperSuite struct {
	lb     *transport.Loopback
	recipe *Recipe
}

func (s *WrapperSuite) SetUpTest(c *check.C) {
	s.lb = transport.NewLoopback()
	var err error
	s.recipe, err = Parse([]byte(mimasRecipe))
	c.Assert(err, check.IsNil)
}

func (s *WrapperSuite) decode(c *check.C, msg transport.Message) Message {
	var m Message
	c.Assert(json.Unmarshal(msg.Body, &m), check.IsNil)
	c.Check(msg.Header[transport.HeaderRecipe], check.Equals, "True")
	return m
}

func (s *WrapperSuite) TestStart(c *check.C) {
	rw := NewWrapper(s.recipe, s.lb, map[string]interface{}{"ID": "abc-123"})
	txn, err := s.lb.Begin()
	c.Assert(err, check.IsNil)
	c.Assert(rw.Start(txn), check.IsNil)
	c.Check(s.lb.Sent(), check.HasLen, 0)
	c.Assert(s.lb.Commit(txn), check.IsNil)

	sent := s.lb.SentTo("mimas")
	c.Assert(sent, check.HasLen, 1)
	m := s.decode(c, sent[0])
	c.Check(m.Pointer, check.Equals, 1)
	c.Check(m.Path, check.DeepEquals, []int{})
	c.Check(m.Environment["ID"], check.Equals, "abc-123")
	c.Check(m.Payload, check.DeepEquals, []interface{}{})

	c.Check(rw.Start(""), check.IsNil)
	c.Check(s.lb.SentTo("mimas"), check.HasLen, 2)
}

func (s *WrapperSuite) TestSendChannels(c *check.C) {
	rw := NewWrapper(s.recipe, s.lb, map[string]interface{}{"ID": "abc-123"})
	rw.Pointer = 1
	rw.Path = []int{}

	// node 1 has only named channels
	c.Check(rw.Send("nothing", ""), check.IsNil)
	c.Check(s.lb.Sent(), check.HasLen, 0)

	rw.SetDefaultChannel("dispatcher")
	c.Check(rw.Send(map[string]interface{}{"recipes": []string{"archive-nexus"}}, ""), check.IsNil)
	c.Check(rw.SendTo("ispyb", map[string]interface{}{"ispyb_command": "upsert"}, ""), check.IsNil)
	c.Check(rw.SendTo("nonexistent", "x", ""), check.IsNil)

	sent := s.lb.SentTo("processing_recipe")
	c.Assert(sent, check.HasLen, 1)
	m := s.decode(c, sent[0])
	c.Check(m.Pointer, check.Equals, 2)
	c.Check(m.Path, check.DeepEquals, []int{1})
	c.Check(m.Environment["ID"], check.Equals, "abc-123")

	sent = s.lb.SentTo("ispyb")
	c.Assert(sent, check.HasLen, 1)
	m = s.decode(c, sent[0])
	c.Check(m.Pointer, check.Equals, 3)
	c.Check(m.Payload, check.DeepEquals, map[string]interface{}{"ispyb_command": "upsert"})
}

func (s *WrapperSuite) TestCheckpoint(c *check.C) {
	rw := NewWrapper(s.recipe, s.lb, nil)
	c.Check(rw.Checkpoint("x", ""), check.NotNil)
	rw.Pointer = 1
	rw.Path = []int{7}
	c.Assert(rw.Checkpoint(map[string]interface{}{"attempt": 2}, ""), check.IsNil)
	sent := s.lb.SentTo("mimas")
	c.Assert(sent, check.HasLen, 1)
	m := s.decode(c, sent[0])
	c.Check(m.Pointer, check.Equals, 1)
	c.Check(m.Path, check.DeepEquals, []int{7, 1})
}

func (s *WrapperSuite) TestWrapSubscribe(c *check.C) {
	logger := ctxlog.TestLogger(c)
	var gotWrapper *Wrapper
	var gotMessage interface{}
	_, err := WrapSubscribe(s.lb, logger, "mimas", func(rw *Wrapper, hdr transport.Header, message interface{}) error {
		gotWrapper = rw
		gotMessage = message
		return s.lb.Ack(hdr, "")
	}, false)
	c.Assert(err, check.IsNil)

	rw := NewWrapper(s.recipe, s.lb, map[string]interface{}{"ID": "abc-123"})
	c.Assert(rw.Start(""), check.IsNil)
	c.Check(s.lb.Pump(10), check.Equals, 1)
	c.Assert(gotWrapper, check.NotNil)
	c.Check(gotWrapper.ID(), check.Equals, "abc-123")
	c.Check(gotWrapper.Step().Queue, check.Equals, "mimas")
	c.Check(gotWrapper.Step().Parameters["event"], check.Equals, "end")
	c.Check(gotMessage, check.DeepEquals, []interface{}{})
	c.Check(s.lb.Acked(), check.HasLen, 1)

	// plain messages are rejected
	gotWrapper = nil
	s.lb.Deliver("mimas", nil, map[string]interface{}{"x": 1})
	c.Check(gotWrapper, check.IsNil)
	c.Check(s.lb.Nacked(), check.HasLen, 1)

	// broken recipe messages are rejected
	s.lb.Deliver("mimas", transport.Header{transport.HeaderRecipe: "True"}, map[string]interface{}{"recipe-pointer": 1})
	c.Check(s.lb.Nacked(), check.HasLen, 2)
}

func (s *WrapperSuite) TestWrapSubscribeNonRecipe(c *check.C) {
	logger := ctxlog.TestLogger(c)
	var calls int
	_, err := WrapSubscribe(s.lb, logger, "processing_recipe", func(rw *Wrapper, hdr transport.Header, message interface{}) error {
		calls++
		c.Check(rw, check.IsNil)
		c.Check(message, check.DeepEquals, map[string]interface{}{"recipes": []interface{}{"a"}})
		return nil
	}, true)
	c.Assert(err, check.IsNil)
	s.lb.Deliver("processing_recipe", nil, map[string]interface{}{"recipes": []string{"a"}})
	c.Check(calls, check.Equals, 1)
}

func (s *WrapperSuite) TestWrapSubscribeBroadcast(c *check.C) {
	logger := ctxlog.TestLogger(c)
	var got []interface{}
	_, err := WrapSubscribeBroadcast(s.lb, logger, "transient.statistics.cluster", func(rw *Wrapper, hdr transport.Header, message interface{}) error {
		got = append(got, message)
		return nil
	}, true)
	c.Assert(err, check.IsNil)
	s.lb.Deliver("transient.statistics.cluster", nil, map[string]interface{}{"statistic": "job-status"})
	s.lb.Deliver("transient.statistics.cluster", nil, []byte("not json"))
	c.Check(got, check.HasLen, 1)
	c.Check(s.lb.Nacked(), check.HasLen, 0)
}
