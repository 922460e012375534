// Copyright 2025 The confine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package threadid

import (
	"runtime"
	"strconv"
)

// ID is the identity of one goroutine.
//
// The zero ID is never assigned to a goroutine and is used as "unknown".
type ID int64

// Valid reports whether id names a goroutine.
func (id ID) Valid() bool {
	return id > 0
}

// String returns the id in the runtime's own "goroutine N" numbering.
func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Current returns the ID of the calling goroutine.
//
// Two calls on the same goroutine always return the same ID; calls on
// distinct goroutines never do.
func Current() ID {
	// Only the first line is needed: "goroutine 123 [running]:".
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseID(buf[:n])
}

// parseID extracts the goroutine ID from stack trace bytes.
//
// Expected format: "goroutine 123 [running]:..."
// Returns the numeric ID (123 in this example) or 0 if parsing fails.
func parseID(buf []byte) ID {
	const prefix = "goroutine "
	const prefixLen = len(prefix)

	if len(buf) < prefixLen {
		return 0
	}
	if string(buf[:prefixLen]) != prefix {
		return 0
	}

	var gid int64
	for i := prefixLen; i < len(buf); i++ {
		c := buf[i]
		if c < '0' || c > '9' {
			break
		}
		gid = gid*10 + int64(c-'0')
	}

	return ID(gid)
}

// Live returns the set of goroutines alive at the moment of the call.
//
// The result is a snapshot: goroutines may start or exit right after it
// is taken. A goroutine missing from the set is guaranteed to be dead only
// if its ID was obtained before the call.
func Live() map[ID]struct{} {
	// Grow until the dump fits; a truncated dump would hide live goroutines
	// and make the caller treat them as dead.
	size := 64 * 1024
	for {
		buf := make([]byte, size)
		n := runtime.Stack(buf, true)
		if n < size {
			return parseAll(buf[:n])
		}
		size *= 2
	}
}

// parseAll extracts every goroutine ID from a runtime.Stack(all=true) dump.
//
// Input format (example):
//
//	goroutine 1 [running]:
//	main.main()
//	    /path/to/main.go:10 +0x20
//
//	goroutine 5 [chan receive]:
//	main.worker()
//	    /path/to/main.go:20 +0x40
//
// We extract: {1, 5}
func parseAll(buf []byte) map[ID]struct{} {
	ids := make(map[ID]struct{})

	i := 0
	for i < len(buf) {
		end := i
		for end < len(buf) && buf[end] != '\n' {
			end++
		}

		if id := parseID(buf[i:end]); id.Valid() {
			ids[id] = struct{}{}
		}

		i = end + 1
	}

	return ids
}
