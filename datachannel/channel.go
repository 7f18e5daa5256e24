package datachannel

import (
	"crypto/sha256"
	"encoding/json"
	"io"
	"net"

	"github.com/pkg/errors"

	"go.storjnode.dev/core/crypto"
	"go.storjnode.dev/core/shardmgr"
)

// ErrContractUnknown is returned when a PULL is requested for a hash with
// no contract on file.
var ErrContractUnknown = errors.New("datachannel: no contract on file for this hash")

// ErrChannelClosed is returned when a connection is closed before the
// handshake or transfer completes.
var ErrChannelClosed = errors.New("datachannel: channel closed")

// ControlFrame is the JSON header a client sends immediately after
// opening a connection, before any shard bytes.
type ControlFrame struct {
	Token     Token          `json:"token"`
	Hash      crypto.Hash160 `json:"hash"`
	Operation Operation      `json:"operation"`
}

// resultFrame is the JSON acknowledgement the server sends back: once
// right after validating the control frame (so a rejected PUSH never
// receives a body), and once more after a PUSH's shard bytes have been
// hashed and checked.
type resultFrame struct {
	Error string `json:"error,omitempty"`
}

func writeResult(conn net.Conn, err error) error {
	r := resultFrame{}
	if err != nil {
		r.Error = err.Error()
	}
	return json.NewEncoder(conn).Encode(r)
}

func readResult(conn net.Conn) error {
	var r resultFrame
	if err := json.NewDecoder(conn).Decode(&r); err != nil {
		return errors.Wrap(err, "could not read server acknowledgement")
	}
	if r.Error != "" {
		return errors.New(r.Error)
	}
	return nil
}

// ContractLookup resolves a shard hash to whether a contract for it is on
// file, letting the server distinguish ErrContractUnknown from a bad
// token.
type ContractLookup func(hash crypto.Hash160) bool

// Server accepts data-channel connections, validates their control frame
// against a TokenStore, and streams shard bytes through a
// shardmgr.Manager.
type Server struct {
	listener net.Listener
	tokens   *TokenStore
	shards   *shardmgr.Manager
	lookup   ContractLookup

	onError func(error)
}

// NewServer starts a Server listening on addr, serving shard transfers
// out of shards and authenticated by tokens.
func NewServer(addr string, tokens *TokenStore, shards *shardmgr.Manager, lookup ContractLookup, onError func(error)) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if onError == nil {
		onError = func(error) {}
	}
	s := &Server{listener: l, tokens: tokens, shards: shards, lookup: lookup, onError: onError}
	go s.serve()
	return s, nil
}

// Addr returns the server's listening address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Close stops accepting new connections.
func (s *Server) Close() error { return s.listener.Close() }

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go func() {
			if err := s.handleConn(conn); err != nil {
				s.onError(err)
			}
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()

	var frame ControlFrame
	if err := json.NewDecoder(conn).Decode(&frame); err != nil {
		return errors.Wrap(err, "could not read control frame")
	}

	admitErr := s.admit(frame)
	if admitErr != nil {
		writeResult(conn, admitErr)
		return admitErr
	}
	if err := writeResult(conn, nil); err != nil {
		s.tokens.End(frame.Token, false)
		return err
	}

	var transferErr error
	switch frame.Operation {
	case PUSH:
		transferErr = s.handlePush(conn, frame.Token, frame.Hash)
		writeResult(conn, transferErr)
	case PULL:
		transferErr = s.handlePull(conn, frame.Token, frame.Hash)
	default:
		transferErr = errors.Errorf("datachannel: unknown operation %q", frame.Operation)
	}
	s.tokens.End(frame.Token, transferErr == nil)
	return transferErr
}

func (s *Server) admit(frame ControlFrame) error {
	if frame.Operation == PULL && !s.lookup(frame.Hash) {
		return ErrContractUnknown
	}
	return s.tokens.Begin(frame.Token, frame.Operation, frame.Hash)
}

func (s *Server) handlePush(conn net.Conn, token Token, hash crypto.Hash160) error {
	w, err := s.shards.OpenWriter(hash.String(), 0)
	if err != nil {
		return err
	}
	plain, err := newDecryptingReader(conn, deriveShardKey(token, hash))
	if err != nil {
		w.Close()
		return err
	}
	h := sha256.New()
	tee := io.MultiWriter(w, h)
	_, copyErr := io.Copy(tee, plain)
	if copyErr != nil {
		w.Close()
		s.shards.Del(hash.String())
		return errors.Wrap(copyErr, "push transfer failed")
	}
	if err := w.Close(); err != nil {
		return err
	}
	got := crypto.RipeMD160(h.Sum(nil))
	if got != hash {
		s.shards.Del(hash.String())
		return errors.New("datachannel: hash mismatch, shard discarded")
	}
	return nil
}

func (s *Server) handlePull(conn net.Conn, token Token, hash crypto.Hash160) error {
	_, r, err := s.shards.Get(hash.String())
	if err != nil {
		return err
	}
	defer r.Close()
	sealed, err := newEncryptingWriter(conn, deriveShardKey(token, hash))
	if err != nil {
		return err
	}
	_, err = io.Copy(sealed, r)
	return err
}

// Push opens a connection to addr and uploads data under token, which
// must be bound to PUSH and hash. Shard bytes are sealed with a key
// derived from token and hash before hitting the wire; the control frame
// ahead of them carries token and hash in clear, so anyone who observes
// that frame can derive the key. The server verifies the received
// bytes hash to hash before accepting them; Push returns the server's
// error if the token is rejected or the hash does not match.
func Push(addr string, token Token, hash crypto.Hash160, data io.Reader) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	frame := ControlFrame{Token: token, Hash: hash, Operation: PUSH}
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		return err
	}
	if err := readResult(conn); err != nil {
		return err
	}
	sealed, err := newEncryptingWriter(conn, deriveShardKey(token, hash))
	if err != nil {
		return err
	}
	if _, err := io.Copy(sealed, data); err != nil {
		return err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.CloseWrite(); err != nil {
			return err
		}
	}
	return readResult(conn)
}

// Pull opens a connection to addr and downloads the shard bound to token
// (which must be bound to PULL and hash) into dst, unsealing it with the
// same key Push would have used to seal it. Callers may verify the
// received bytes hash to hash after Pull returns.
func Pull(addr string, token Token, hash crypto.Hash160, dst io.Writer) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	frame := ControlFrame{Token: token, Hash: hash, Operation: PULL}
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		return err
	}
	dec := json.NewDecoder(conn)
	var r resultFrame
	if err := dec.Decode(&r); err != nil {
		return errors.Wrap(err, "could not read server acknowledgement")
	}
	if r.Error != "" {
		return errors.New(r.Error)
	}
	// the decoder may already have buffered the start of the sealed stream.
	plain, err := newDecryptingReader(io.MultiReader(dec.Buffered(), conn), deriveShardKey(token, hash))
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, plain)
	return err
}
