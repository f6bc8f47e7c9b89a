// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package metacontrol

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// counterFile persists the cumulative observation count as JSON lines,
// one `{"n":<count>}` record per observation. The format is append-only
// and tolerates truncation: the last parseable line wins, and a missing
// or corrupt file just restarts the counter cold.
type counterFile struct {
	path string
	f    *os.File
}

func newCounterFile(path string) *counterFile {
	return &counterFile{path: path}
}

// load returns the last valid count in the file, 0 when none.
func (c *counterFile) load() int64 {
	f, err := os.Open(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("meta-control: cannot read counter state, starting cold: %v", err)
		}
		return 0
	}
	defer f.Close()

	var last int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		n := gjson.GetBytes(scanner.Bytes(), "n")
		if n.Exists() {
			last = n.Int()
		}
	}
	return last
}

// append writes the new cumulative count. Failures are logged once and
// disable further writes; the counter keeps working in memory.
func (c *counterFile) append(n int64) {
	if c.path == "" {
		return
	}
	if c.f == nil {
		if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
			log.Warnf("meta-control: counter state dir: %v", err)
			c.path = ""
			return
		}
		f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Warnf("meta-control: counter state unavailable: %v", err)
			c.path = ""
			return
		}
		c.f = f
	}
	if _, err := fmt.Fprintf(c.f, "{\"n\":%d}\n", n); err != nil {
		log.Warnf("meta-control: counter append failed: %v", err)
	}
}

// Close releases the underlying file.
func (c *counterFile) Close() error {
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}
