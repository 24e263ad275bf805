// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package zocalo

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is time.Duration but looks like "12s" in JSON, rather than
// a number of nanoseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler. Bare numbers are
// interpreted as seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return d.Set(s)
	}
	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("duration must be given as a string like \"600s\" or \"1h30m\", or a number of seconds")
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Duration returns a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Set implements the flag.Value interface and sets the duration value
// by using time.ParseDuration to parse the string, or, if the string
// has the form HH:MM:SS (or MM:SS), as a scheduler-style clock value.
func (d *Duration) Set(s string) error {
	if strings.Contains(s, ":") {
		dur, err := ParseClock(s)
		*d = Duration(dur)
		return err
	}
	dur, err := time.ParseDuration(s)
	*d = Duration(dur)
	return err
}

// ParseClock parses a [[D-]HH:]MM:SS value as used by batch
// schedulers for wall clock limits.
func ParseClock(s string) (time.Duration, error) {
	var days int64
	if i := strings.Index(s, "-"); i > 0 {
		n, err := strconv.ParseInt(s[:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid clock value %q", s)
		}
		days, s = n, s[i+1:]
	}
	fields := strings.Split(s, ":")
	if len(fields) < 2 || len(fields) > 3 {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	var total int64
	for _, f := range fields {
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid clock value %q", s)
		}
		total = total*60 + n
	}
	return time.Duration(days*86400+total) * time.Second, nil
}
