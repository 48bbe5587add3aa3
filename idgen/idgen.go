// Package idgen provides the ID generators used across domresolve.
//
// Every store accepts a Generator, making the ID strategy a startup-time
// decision rather than a compile-time one. The module convention is UUIDv7
// with a short type prefix (sel_, res_, drf_, ...), so IDs sort by creation
// time and name their own kind.
package idgen

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator producing RFC 9562 UUID v7 strings.
// Time-sortable and globally unique.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// NanoID returns a Generator producing base-36 IDs of the given length.
// Short and URL-safe; used where a full UUID is too verbose, such as
// correlation IDs threaded through logs.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		b := make([]byte, length)
		for i := range b {
			b[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(b)
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the module default: bare UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Type-scoped generators for the domresolve stores.
var (
	Selector    = Prefixed("sel_", Default)
	Resolution  = Prefixed("res_", Default)
	Drift       = Prefixed("drf_", Default)
	Evolution   = Prefixed("evo_", Default)
	Snapshot    = Prefixed("snap_", Default)
	Event       = Prefixed("evt_", Default)
	Job         = Prefixed("job_", Default)
	History     = Prefixed("hst_", Default)
	Correlation = Prefixed("cor_", NanoID(12))
)
