package store

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/reveries/reveries/pkg/kv"
)

// KV key layout, mirroring pkg/memory/keys.go's per-table prefix style:
//
//	rv:raw:{ts_ns:020d}:{id}   → msgpack RawExperience (key-ordered by time)
//	rv:episode:{id}            → json Episode
//	rv:link:{from}:{to}        → json Link
//	rv:selfmodel               → json SelfModel (singleton)
//	rv:monologue_state         → json MonologueCheckpoint (singleton)
//	rv:gap:{id}                → json Gap
//	rv:cb:{ts_ns:020d}         → json CircuitBreakerEvent (append-only)

func rawKey(id string, ts int64) kv.Key {
	return kv.Key{"rv", "raw", fmt.Sprintf("%020d", ts), id}
}

func rawPrefix() kv.Key {
	return kv.Key{"rv", "raw"}
}

func episodeKey(id string) kv.Key {
	return kv.Key{"rv", "episode", id}
}

func episodePrefix() kv.Key {
	return kv.Key{"rv", "episode"}
}

func linkKey(from, to string) kv.Key {
	return kv.Key{"rv", "link", from, to}
}

func linkFromPrefix(from string) kv.Key {
	return kv.Key{"rv", "link", from}
}

func linkPrefix() kv.Key {
	return kv.Key{"rv", "link"}
}

func selfModelKey() kv.Key {
	return kv.Key{"rv", "selfmodel"}
}

func monologueStateKey() kv.Key {
	return kv.Key{"rv", "monologue_state"}
}

func gapKey(id string) kv.Key {
	return kv.Key{"rv", "gap", id}
}

func gapPrefix() kv.Key {
	return kv.Key{"rv", "gap"}
}

func cbEventKey(ts int64) kv.Key {
	return kv.Key{"rv", "cb", fmt.Sprintf("%020d", ts)}
}

func cbEventPrefix() kv.Key {
	return kv.Key{"rv", "cb"}
}

// lastNano ensures NowNano never returns a duplicate value even under rapid
// concurrent calls, exactly as pkg/memory/types.go's nowNano does.
var lastNano atomic.Int64

// NowNano returns a monotonically increasing Unix nanosecond timestamp.
// Extracted as a variable so tests can inject deterministic clocks.
var NowNano = func() int64 {
	now := time.Now().UnixNano()
	for {
		old := lastNano.Load()
		next := now
		if next <= old {
			next = old + 1
		}
		if lastNano.CompareAndSwap(old, next) {
			return next
		}
	}
}
