// Package wire implements the gossip message codec: newline-delimited
// minified JSON framing and syntactic validation. The line-buffering idiom
// — a bufio.Reader sized to a hard cap and read with ReadSlice, tolerant of
// partial trailing data across reads — is grounded on the teacher's own scanner helper
// (internal/store/store.go's newScanner / internal/peer/member.go's
// readLastMembers), generalized here from file scanning to a live duplex
// connection.
package wire

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// MaxMessageSize is the hard per-line cap; larger lines are silently
// discarded (spec §4.3).
const MaxMessageSize = 2048

// spkiHexLen is the expected length in hex characters of a DER-encoded
// Ed25519 SPKI blob (44 raw bytes for Ed25519's fixed SPKI header+key).
const spkiHexLen = 88

// Type tags the two wire variants.
type Type string

const (
	TypeHeartbeat Type = "HEARTBEAT"
	TypeLeave     Type = "LEAVE"
)

// Loc mirrors registry.Location on the wire.
type Loc struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	City string  `json:"city,omitempty"`
}

// Message is the tagged union of HEARTBEAT and LEAVE, deserialized
// permissively (all fields optional on the struct) with validity enforced
// separately by Validate — matching the spec's "field validation becomes a
// deserializer contract" guidance (design notes).
type Message struct {
	Type  Type   `json:"type"`
	ID    string `json:"id"`
	Seq   uint64 `json:"seq"`
	Hops  int    `json:"hops"`
	Nonce uint64 `json:"nonce,omitempty"`
	Sig   string `json:"sig,omitempty"`
	Loc   *Loc   `json:"loc,omitempty"`
}

// Validate applies the syntactic predicate of spec §4.3, ahead of any
// PoW/signature/sequence check.
func (m Message) Validate() error {
	switch m.Type {
	case TypeHeartbeat, TypeLeave:
	default:
		return fmt.Errorf("wire: unknown type %q", m.Type)
	}
	idBytes, err := hex.DecodeString(m.ID)
	if err != nil || len(m.ID) != spkiHexLen {
		return fmt.Errorf("wire: malformed id")
	}
	_ = idBytes
	if m.Hops < 0 {
		return fmt.Errorf("wire: negative hops")
	}
	if m.Type == TypeHeartbeat {
		if m.Sig == "" {
			return fmt.Errorf("wire: heartbeat missing sig")
		}
		if _, err := hex.DecodeString(m.Sig); err != nil {
			return fmt.Errorf("wire: sig not hex")
		}
		if m.Loc != nil {
			if !isFinite(m.Loc.Lat) || !isFinite(m.Loc.Lon) {
				return fmt.Errorf("wire: non-finite location")
			}
		}
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Encode serializes a message as minified JSON followed by a single
// newline, the framing every write to a peer uses.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(body, '\n'), nil
}

// Reader reads newline-delimited messages from a duplex connection,
// transparently buffering partial trailing lines across reads (spec §4.3).
// A bufio.Scanner sized to MaxMessageSize would do the buffering but dies
// permanently on the first oversize line (bufio.ErrTooLong); since a single
// malformed peer must never disrupt its own future traffic (spec §7), this
// instead uses bufio.Reader.ReadSlice directly so an oversize line is
// discarded and the stream keeps going. A single Reader must not be shared
// across goroutines.
type Reader struct {
	br      *bufio.Reader
	lastLen int
}

// NewReader wraps r with a read buffer sized one byte past MaxMessageSize,
// so ReadSlice either returns a complete line within the cap or reports
// bufio.ErrBufferFull for an oversize one.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, MaxMessageSize+1)}
}

// Next reads and decodes the next message. Oversize lines and lines that
// fail JSON parsing are not returned as decode errors to the caller; ok is
// false with err nil to signal "skip and keep reading" (a line-level silent
// drop per spec §4.3), while a non-nil err signals the stream itself is
// done or broken.
func (rd *Reader) Next() (msg Message, ok bool, err error) {
	line, rerr := rd.br.ReadSlice('\n')
	switch rerr {
	case nil:
		line = line[:len(line)-1] // drop trailing \n
	case bufio.ErrBufferFull:
		if err := rd.discardToNewline(); err != nil {
			return Message{}, false, err
		}
		return Message{}, false, nil
	case io.EOF:
		if len(line) == 0 {
			return Message{}, false, io.EOF
		}
		// Trailing partial line with no newline before the peer closed;
		// not a complete frame, silently dropped.
		return Message{}, false, io.EOF
	default:
		return Message{}, false, rerr
	}
	rd.lastLen = len(line)
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, false, nil
	}
	return m, true, nil
}

// LastFrameLen returns the byte length of the most recently returned line
// (excluding the trailing newline), for callers accumulating a bytesReceived
// diagnostic without re-serializing the message.
func (rd *Reader) LastFrameLen() int {
	return rd.lastLen
}

// discardToNewline consumes bytes up to and including the next newline so
// an oversize line doesn't desynchronize subsequent framing.
func (rd *Reader) discardToNewline() error {
	for {
		_, err := rd.br.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if err != bufio.ErrBufferFull {
			return err
		}
	}
}
