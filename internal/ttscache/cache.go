// Package ttscache stores synthesized audio on disk, keyed by a content
// fingerprint of the spoken text, so recurring phrases are synthesized once.
package ttscache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"
)

// Synthesizer produces WAV audio for a piece of text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Cache is a content-addressed store of synthesized audio files. Entries are
// created lazily and never evicted in-process; the phrase set is small.
type Cache struct {
	dir    string
	synth  Synthesizer
	group  singleflight.Group
	onHit  func()
	onMiss func()
}

// New creates the cache directory if needed.
func New(dir string, synth Synthesizer) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ttscache: create dir: %w", err)
	}
	return &Cache{dir: dir, synth: synth}, nil
}

// SetCounters installs optional hit/miss hooks for metrics.
func (c *Cache) SetCounters(onHit, onMiss func()) {
	c.onHit = onHit
	c.onMiss = onMiss
}

// Fingerprint returns the cache key for text: the first 12 hex characters of
// its SHA-256 digest. 48 bits is plenty for the closed set of phrases.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:12]
}

// EnsureAudio returns the path of a complete WAV file speaking text,
// synthesizing it on first use. Concurrent calls for the same text collapse
// to a single upstream synthesis.
func (c *Cache) EnsureAudio(ctx context.Context, text string, useCache bool) (string, error) {
	fp := Fingerprint(text)
	path := filepath.Join(c.dir, fp+".wav")

	if useCache && fileReady(path) {
		if c.onHit != nil {
			c.onHit()
		}
		return path, nil
	}

	v, err, _ := c.group.Do(fp, func() (any, error) {
		// Re-check under the flight lock: another caller may have filled
		// the entry while we waited.
		if useCache && fileReady(path) {
			return path, nil
		}
		if c.onMiss != nil {
			c.onMiss()
		}
		audio, err := c.synth.Synthesize(ctx, text)
		if err != nil {
			return "", err
		}
		if err := writeAtomic(c.dir, path, audio); err != nil {
			return "", err
		}
		return path, nil
	})
	if err != nil {
		return "", fmt.Errorf("ttscache: %w", err)
	}
	return v.(string), nil
}

// Prewarm synthesizes a fixed list of phrases ahead of the first call.
// Failures are logged and skipped; a cold entry only costs latency later.
func (c *Cache) Prewarm(ctx context.Context, phrases []string) {
	for _, phrase := range phrases {
		if _, err := c.EnsureAudio(ctx, phrase, true); err != nil {
			log.Printf("ttscache prewarm_failed text=%.40q err=%v", phrase, err)
		}
	}
}

func fileReady(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// writeAtomic writes to a temporary sibling and renames it into place so a
// concurrent reader never observes a partial file.
func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
