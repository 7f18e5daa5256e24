// Package muxer implements deterministic, ordered splitting of a file
// into fixed-size shards (Demux) and deterministic reassembly of shard
// streams back into a file (Muxer).
package muxer

import (
	"bufio"
	"io"
)

// DefaultShardSize is the shard size used when a caller does not specify
// one.
const DefaultShardSize = 8 << 20 // 8 MiB

// Demux reads r in order, invoking each once per shard with the shard's
// ascending index and a reader limited to shardSize bytes; the final
// shard may be shorter. each need not read its whole shard: the next
// shard's bytes follow immediately in the same underlying stream, and
// Demux drains any remainder each left unread so the next shard always
// starts at the correct offset.
//
// Concatenating the bytes each shard yields reproduces r's contents
// exactly; Demux is deterministic given r's bytes and shardSize.
func Demux(r io.Reader, shardSize int64, each func(index int, shard io.Reader) error) error {
	if shardSize <= 0 {
		shardSize = DefaultShardSize
	}
	br := bufio.NewReader(r)
	for index := 0; ; index++ {
		if _, err := br.Peek(1); err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		shard := io.LimitReader(br, shardSize)
		if err := each(index, shard); err != nil {
			return err
		}
		if _, err := io.Copy(io.Discard, shard); err != nil {
			return err
		}
	}
}
