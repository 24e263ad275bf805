// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/zocalo-go/zocalo/lib/recipe"
	"github.com/zocalo-go/zocalo/lib/transport"
	"golang.org/x/sys/unix"
)

// logbook keeps a copy of every dispatched request, one file per
// correlation id, under <root>/<YYYY-MM>/<id[:2]>/<id[2:]>.
type logbook struct {
	root string
	now  func() time.Time
	mtx  sync.Mutex
}

func newLogbook(root string) (*logbook, error) {
	if err := os.MkdirAll(root, 0775); err != nil {
		return nil, err
	}
	if err := unix.Access(root, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return nil, fmt.Errorf("cannot write to %s: %w", root, err)
	}
	return &logbook{root: root, now: time.Now}, nil
}

var nonConformingGUID = regexp.MustCompile(`[^a-zA-Z0-9\-]+`)

// Record writes the inbound header, the message as received, the
// message after enrichment, and the combined recipe. It returns the
// file name.
func (lb *logbook) Record(guid string, hdr transport.Header, original, parsed interface{}, r *recipe.Recipe) (string, error) {
	clean := nonConformingGUID.ReplaceAllString(guid, "")
	if len(clean) < 3 {
		return "", fmt.Errorf("non-conforming guid %q", guid)
	}
	var buf bytes.Buffer
	for i, section := range []struct {
		title string
		obj   interface{}
	}{
		{"Incoming message header", hdr},
		{"Incoming message body", original},
		{"Parsed message body", parsed},
		{"Recipe object", r},
	} {
		if i > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(section.title + ":\n")
		j, err := json.MarshalIndent(section.obj, "", "  ")
		if err != nil {
			return "", fmt.Errorf("%s: %w", section.title, err)
		}
		buf.Write(j)
	}
	buf.WriteString("\n")

	dir := filepath.Join(lb.root, lb.now().Format("2006-01"), clean[:2])
	fnm := filepath.Join(dir, clean[2:])
	lb.mtx.Lock()
	defer lb.mtx.Unlock()
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}
	return fnm, os.WriteFile(fnm, buf.Bytes(), 0664)
}
