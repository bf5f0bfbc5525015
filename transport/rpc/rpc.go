// Package rpc carries the register transport over net/rpc on HTTP, so that a
// board (or the simulator) can be driven from another process or host.
package rpc

import (
	"net"

	"rowhammer/log"
	"rowhammer/transport"
)

var modRPC = log.NewModule("rpc")

const serviceName = "board"

// Ack is the argument or reply of calls carrying no data. gob cannot encode
// structs without exported fields.
type Ack struct{ OK bool }

type RegArgs struct {
	Name  string
	Value uint32
}

type BulkWriteArgs struct {
	Base  uint64
	Words []uint32
}

type CompareArgs struct {
	Base    uint64
	Length  uint64
	Pattern []uint32
}

type CompareReply struct {
	Mismatches []transport.Mismatch
}

// UnusedPort returns a free TCP port on localhost.
func UnusedPort() int {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		panic("UnusedPort failed: " + err.Error())
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		panic("UnusedPort failed: " + err.Error())
	}
	return port
}
