// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cache

import (
	"bufio"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// persistedEntry is one JSON line in the cache state file.
type persistedEntry struct {
	Key   string `json:"key"`
	Entry Entry  `json:"entry"`
}

// Save writes the live entries to path as JSON lines. Failures are
// logged, never fatal; the cache is advisory.
func (c *SemanticCache) Save(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	for _, pe := range c.snapshot() {
		line, err := json.Marshal(pe)
		if err != nil {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load restores entries from a JSON-lines state file. Corrupt lines are
// skipped individually so one bad write never poisons the whole file.
func (c *SemanticCache) Load(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var entries []persistedEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	skipped := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		parsed := gjson.ParseBytes(line)
		key := parsed.Get("key")
		if !parsed.IsObject() || !key.Exists() {
			skipped++
			continue
		}
		storedAt, err := time.Parse(time.RFC3339Nano, parsed.Get("entry.stored_at").String())
		if err != nil {
			skipped++
			continue
		}
		entries = append(entries, persistedEntry{
			Key: key.String(),
			Entry: Entry{
				Alpha:    parsed.Get("entry.alpha").Float(),
				Beta:     parsed.Get("entry.beta").Float(),
				Decision: parsed.Get("entry.decision").String(),
				StoredAt: storedAt,
			},
		})
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if skipped > 0 {
		log.Warnf("semantic cache: skipped %d corrupt lines in %s", skipped, path)
	}

	c.restore(entries)
	log.Infof("semantic cache: restored %d entries from %s", len(entries), path)
	return nil
}
