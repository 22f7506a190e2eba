/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scheduler

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"k8s.io/utils/clock"

	"github.com/packfleet/packfleet/pkg/apis/core"
)

// backoffEntry tracks consecutive application failures for one pod lineage
// (service + pack version).
type backoffEntry struct {
	failures   uint
	deferUntil time.Time
}

// Backoff defers re-scheduling of crash-looping lineages with exponential
// delay, min(2^N * base, ceiling). A lineage that stays running for the
// stability window resets through Reset.
type Backoff struct {
	clock   clock.PassiveClock
	base    time.Duration
	ceiling time.Duration
	entries *cache.Cache
}

func NewBackoff(clk clock.PassiveClock, base, ceiling time.Duration) *Backoff {
	return &Backoff{
		clock:   clk,
		base:    base,
		ceiling: ceiling,
		// Entries self-expire once they have been idle for well over the
		// largest possible deferral.
		entries: cache.New(time.Hour, 10*time.Minute),
	}
}

// LineageKey groups pods that share crash-loop history.
func LineageKey(ownerID core.ServiceID, packVersion string) string {
	return fmt.Sprintf("%s@%s", ownerID, packVersion)
}

// RecordFailure bumps the consecutive failure count and extends the
// deferral; it returns the new count.
func (b *Backoff) RecordFailure(key string) uint {
	entry := b.get(key)
	entry.failures++
	delay := b.base << (entry.failures - 1)
	if delay > b.ceiling || delay <= 0 {
		delay = b.ceiling
	}
	entry.deferUntil = b.clock.Now().Add(delay)
	b.entries.SetDefault(key, entry)
	return entry.failures
}

// Reset clears the lineage after a stable run.
func (b *Backoff) Reset(key string) {
	b.entries.Delete(key)
}

// Deferred reports whether scheduling for the lineage is currently held
// back.
func (b *Backoff) Deferred(key string) bool {
	entry := b.get(key)
	return entry.failures > 0 && b.clock.Now().Before(entry.deferUntil)
}

// Failures returns the current consecutive failure count.
func (b *Backoff) Failures(key string) uint {
	return b.get(key).failures
}

func (b *Backoff) get(key string) backoffEntry {
	if v, ok := b.entries.Get(key); ok {
		return v.(backoffEntry)
	}
	return backoffEntry{}
}
