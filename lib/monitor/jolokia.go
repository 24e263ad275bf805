// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	mbeanBroker = "org.apache.activemq:type=Broker,brokerName=localhost"
	mbeanQueues = mbeanBroker + ",destinationType=Queue,destinationName=*"
)

// jolokia reads ActiveMQ broker statistics through a Jolokia agent.
type jolokia struct {
	URL      string
	Username string
	Password string
	client   *retryablehttp.Client
}

func newJolokia(url, username, password string) *jolokia {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.Logger = nil
	return &jolokia{URL: url, Username: username, Password: password, client: client}
}

type jolokiaRequest struct {
	Type      string   `json:"type"`
	MBean     string   `json:"mbean"`
	Attribute []string `json:"attribute,omitempty"`
}

type jolokiaResponse struct {
	Status int             `json:"status"`
	Error  string          `json:"error"`
	Value  json.RawMessage `json:"value"`
}

// read sends a bulk request. Responses are returned in request
// order.
func (j *jolokia) read(ctx context.Context, reqs []jolokiaRequest) ([]jolokiaResponse, error) {
	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, j.URL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if j.Username != "" {
		req.SetBasicAuth(j.Username, j.Password)
	}
	resp, err := j.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jolokia: %s: %s", resp.Status, bytes.TrimSpace(buf))
	}
	var out []jolokiaResponse
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, fmt.Errorf("jolokia: decoding response: %w", err)
	}
	if len(out) != len(reqs) {
		return nil, fmt.Errorf("jolokia: sent %d requests, got %d responses", len(reqs), len(out))
	}
	return out, nil
}

type queueCounts struct {
	Size      float64 `json:"size"`
	Consumers float64 `json:"consumers"`
	Enqueued  float64 `json:"enqueued"`
	Dequeued  float64 `json:"dequeued"`
}

type brokerStatus struct {
	StorePercentUsage  float64
	TempPercentUsage   float64
	MemoryPercentUsage float64
	Connections        float64
	Queues             map[string]queueCounts
}

// Status returns the broker resource usage and per-queue counts.
func (j *jolokia) Status(ctx context.Context) (*brokerStatus, error) {
	resps, err := j.read(ctx, []jolokiaRequest{
		{Type: "read", MBean: mbeanBroker, Attribute: []string{"StorePercentUsage", "TempPercentUsage", "MemoryPercentUsage", "CurrentConnectionsCount"}},
		{Type: "read", MBean: mbeanQueues, Attribute: []string{"QueueSize", "ConsumerCount", "EnqueueCount", "DequeueCount"}},
	})
	if err != nil {
		return nil, err
	}
	if resps[0].Status != http.StatusOK {
		return nil, fmt.Errorf("jolokia: reading broker attributes: %d %s", resps[0].Status, resps[0].Error)
	}
	var broker map[string]float64
	if err := json.Unmarshal(resps[0].Value, &broker); err != nil {
		return nil, fmt.Errorf("jolokia: decoding broker attributes: %w", err)
	}
	st := &brokerStatus{
		StorePercentUsage:  broker["StorePercentUsage"],
		TempPercentUsage:   broker["TempPercentUsage"],
		MemoryPercentUsage: broker["MemoryPercentUsage"],
		Connections:        broker["CurrentConnectionsCount"],
		Queues:             map[string]queueCounts{},
	}
	switch resps[1].Status {
	case http.StatusNotFound:
		// No queues exist yet.
		return st, nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("jolokia: reading queue attributes: %d %s", resps[1].Status, resps[1].Error)
	}
	var queues map[string]map[string]float64
	if err := json.Unmarshal(resps[1].Value, &queues); err != nil {
		return nil, fmt.Errorf("jolokia: decoding queue attributes: %w", err)
	}
	for mbean, attrs := range queues {
		name := mbeanProperty(mbean, "destinationName")
		if name == "" {
			continue
		}
		st.Queues[name] = queueCounts{
			Size:      attrs["QueueSize"],
			Consumers: attrs["ConsumerCount"],
			Enqueued:  attrs["EnqueueCount"],
			Dequeued:  attrs["DequeueCount"],
		}
	}
	return st, nil
}

// mbeanProperty returns the value of the named key property of an
// MBean object name such as "domain:k1=v1,k2=v2".
func mbeanProperty(mbean, key string) string {
	_, props, ok := strings.Cut(mbean, ":")
	if !ok {
		return ""
	}
	for _, kv := range strings.Split(props, ",") {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}
