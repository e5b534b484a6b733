package backend

import (
	"fmt"
	"time"

	"github.com/mongodb/grip/message"
)

// KV is a single bound context entry. Context is kept as an ordered
// slice rather than a map so that formatted output is stable.
type KV struct {
	Key   string
	Value any
}

// MergeKV merges extra entries into base, preserving first-occurrence
// order. A repeated key keeps its original position but takes the last
// written value.
func MergeKV(base, extra []KV) []KV {
	merged := make([]KV, len(base), len(base)+len(extra))
	copy(merged, base)

	for _, kv := range extra {
		replaced := false
		for i := range merged {
			if merged[i].Key == kv.Key {
				merged[i].Value = kv.Value
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, kv)
		}
	}

	return merged
}

// Event is the single unit of work flowing through the dispatch
// engine. It is created at the call site, enriched exactly once by the
// patcher pipeline, handed to every matching sink, and then discarded.
// Event implements message.Composer so that sinks are ordinary grip
// senders.
type Event struct {
	message.Base

	Message   string
	Name      string
	Context   []KV
	Timestamp time.Time
	File      string
	Line      int
	Err       error

	// Extras holds process-wide metadata injected by patchers
	// (hostname, run status, remote ip/user). Only patchers write
	// here.
	Extras map[string]string
}

func (e *Event) String() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Event) Raw() any { return e }

func (e *Event) Loggable() bool { return e.Message != "" || e.Err != nil }

// Extra returns the named patcher-injected value, or "".
func (e *Event) Extra(key string) string {
	if e.Extras == nil {
		return ""
	}
	return e.Extras[key]
}

func (e *Event) setExtra(key, value string) {
	if e.Extras == nil {
		e.Extras = map[string]string{}
	}
	e.Extras[key] = value
}

// ContextString renders the bound context as "k=v" pairs in order.
func (e *Event) ContextString() string {
	out := ""
	for _, kv := range e.Context {
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("%s=%v", kv.Key, kv.Value)
	}
	return out
}
