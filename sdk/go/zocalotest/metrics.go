// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package zocalotest

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"gopkg.in/check.v1"
)

func GatherMetricsAsString(reg *prometheus.Registry) string {
	buf := bytes.NewBuffer(nil)
	enc := expfmt.NewEncoder(buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	got, _ := reg.Gather()
	for _, mf := range got {
		enc.Encode(mf)
	}
	return buf.String()
}

// GetMetricValue returns the current value of the indicated metric.
// Metric label names and values are given in labels, as in:
//
//	GetMetricValue(c, reg, "zocalo_metric_name", "label1", "value1", "label2", "value2")
//
// A metric that has not been observed yet reads as zero.
func GetMetricValue(c *check.C, reg *prometheus.Registry, name string, labels ...string) float64 {
	gather, err := reg.Gather()
	c.Assert(err, check.IsNil)
	for _, mf := range gather {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if !labelsMatch(m, labels) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetUntyped() != nil:
				return m.GetUntyped().GetValue()
			}
			c.Fatalf("GetMetricValue: unsupported metric type: %s", m)
			return -1
		}
	}
	return 0
}

// labelsMatch reports whether m has exactly the given label
// name/value pairs, in order.
func labelsMatch(m *dto.Metric, labels []string) bool {
	if 2*len(m.GetLabel()) != len(labels) {
		return false
	}
	for i, lp := range m.GetLabel() {
		if lp.GetName() != labels[i*2] || lp.GetValue() != labels[i*2+1] {
			return false
		}
	}
	return true
}
