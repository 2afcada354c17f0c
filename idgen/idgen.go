// Package idgen produces compact, sortable-ish unique identifiers for
// outbound messages. Ids embed a truncated timestamp, a per-process node
// tag, a sequence counter, and random bytes, then base32-encode to 20
// lowercase characters.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"hash/fnv"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)

var (
	nodeOnce sync.Once
	nodeTag  [3]byte
	sequence atomic.Uint32
)

// node derives the per-process 3-byte tag lazily: random when possible,
// hostname-hash otherwise.
func node() [3]byte {
	nodeOnce.Do(func() {
		if _, err := rand.Read(nodeTag[:]); err == nil {
			return
		}
		h := fnv.New32a()
		if hostname, err := os.Hostname(); err == nil {
			h.Write([]byte(hostname))
		} else {
			var ts [8]byte
			now := time.Now().UnixNano()
			for i := range ts {
				ts[i] = byte(now >> (8 * i))
			}
			h.Write(ts[:])
		}
		sum := h.Sum32()
		nodeTag[0] = byte(sum >> 16)
		nodeTag[1] = byte(sum >> 8)
		nodeTag[2] = byte(sum)
	})
	return nodeTag
}

// New returns a fresh 20-character identifier. Layout before encoding:
// 4 bytes unix-seconds timestamp, 3 bytes node tag, 2 bytes sequence,
// 3 bytes random.
func New() string {
	var id [12]byte

	ts := uint32(time.Now().Unix())
	id[0] = byte(ts >> 24)
	id[1] = byte(ts >> 16)
	id[2] = byte(ts >> 8)
	id[3] = byte(ts)

	tag := node()
	copy(id[4:7], tag[:])

	seq := sequence.Add(1) & 0xFFFF
	id[7] = byte(seq >> 8)
	id[8] = byte(seq)

	if _, err := rand.Read(id[9:12]); err != nil {
		now := time.Now().UnixNano()
		id[9] = byte(now >> 16)
		id[10] = byte(now >> 8)
		id[11] = byte(now)
	}

	return strings.ToLower(encoding.EncodeToString(id[:]))
}

// MessageID formats a fresh identifier as an RFC 5322 Message-ID scoped to
// domain, e.g. "<gezdgnbvgy3tqojq2fpx@example.com>".
func MessageID(domain string) string {
	return "<" + New() + "@" + domain + ">"
}
