package wire

import (
	"bytes"
	"io"
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/lklynet/swarmcensus/internal/testutil"
)

func newPipe() (*io.PipeReader, *io.PipeWriter) {
	return io.Pipe()
}

func validID() string {
	return strings.Repeat("ab", 44) // 88 hex chars
}

func TestValidateAcceptsWellFormedHeartbeat(t *testing.T) {
	m := Message{Type: TypeHeartbeat, ID: validID(), Seq: 1, Hops: 0, Nonce: 7, Sig: strings.Repeat("cd", 64)}
	if err := m.Validate(); err != nil {
		t.Fatalf("expected valid heartbeat to pass, got %v", err)
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	m := Message{Type: "BOGUS", ID: validID()}
	if err := m.Validate(); err == nil {
		t.Fatalf("expected unknown type to be rejected")
	}
}

func TestValidateRejectsBadID(t *testing.T) {
	m := Message{Type: TypeLeave, ID: "not-hex"}
	if err := m.Validate(); err == nil {
		t.Fatalf("expected malformed id to be rejected")
	}
}

func TestValidateRejectsMissingSigOnHeartbeat(t *testing.T) {
	m := Message{Type: TypeHeartbeat, ID: validID()}
	if err := m.Validate(); err == nil {
		t.Fatalf("expected heartbeat without sig to be rejected")
	}
}

func TestValidateRejectsNegativeHops(t *testing.T) {
	m := Message{Type: TypeLeave, ID: validID(), Hops: -1}
	if err := m.Validate(); err == nil {
		t.Fatalf("expected negative hops to be rejected")
	}
}

func TestValidateRejectsNonFiniteLocation(t *testing.T) {
	m := Message{Type: TypeHeartbeat, ID: validID(), Sig: strings.Repeat("cd", 64), Loc: &Loc{Lat: math.Inf(1), Lon: 0}}
	if err := m.Validate(); err == nil {
		t.Fatalf("expected non-finite lat to be rejected")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := Message{Type: TypeHeartbeat, ID: validID(), Seq: 3, Hops: 1, Nonce: 99, Sig: strings.Repeat("ab", 64)}
	raw, err := Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if raw[len(raw)-1] != '\n' {
		t.Fatalf("encoded message must end with a newline")
	}
	r := NewReader(bytes.NewReader(raw))
	got, ok, err := r.Next()
	if err != nil || !ok {
		t.Fatalf("next: ok=%v err=%v", ok, err)
	}
	if got.ID != want.ID || got.Seq != want.Seq || got.Hops != want.Hops {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestReaderBuffersMultipleMessagesInOneRead(t *testing.T) {
	a, _ := Encode(Message{Type: TypeLeave, ID: validID(), Hops: 0})
	b, _ := Encode(Message{Type: TypeLeave, ID: validID(), Hops: 1})
	r := NewReader(bytes.NewReader(append(a, b...)))

	_, ok1, err1 := r.Next()
	_, ok2, err2 := r.Next()
	if !ok1 || err1 != nil || !ok2 || err2 != nil {
		t.Fatalf("expected two messages from one buffer, got (%v,%v) (%v,%v)", ok1, err1, ok2, err2)
	}
}

func TestReaderBuffersPartialTrailingLineAcrossReads(t *testing.T) {
	full, _ := Encode(Message{Type: TypeLeave, ID: validID(), Hops: 0})
	split := len(full) / 2
	pr, pw := newPipe()
	go func() {
		pw.Write(full[:split])
		pw.Write(full[split:])
		pw.Close()
	}()
	r := NewReader(pr)
	_, ok, err := r.Next()
	if !ok || err != nil {
		t.Fatalf("expected message reassembled across two writes, ok=%v err=%v", ok, err)
	}
}

func TestReaderSkipsOversizeLineAndContinues(t *testing.T) {
	oversize := bytes.Repeat([]byte{'x'}, MaxMessageSize+500)
	oversize = append(oversize, '\n')
	good, _ := Encode(Message{Type: TypeLeave, ID: validID(), Hops: 0})
	r := NewReader(bytes.NewReader(append(oversize, good...)))

	_, ok, err := r.Next()
	if ok || err != nil {
		t.Fatalf("expected oversize line to be silently skipped, ok=%v err=%v", ok, err)
	}
	_, ok, err = r.Next()
	if !ok || err != nil {
		t.Fatalf("expected the following valid message to still be read, ok=%v err=%v", ok, err)
	}
}

func TestReaderSkipsMalformedJSON(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("not json\n")))
	_, ok, err := r.Next()
	if ok || err != nil {
		t.Fatalf("expected malformed json to be silently skipped, ok=%v err=%v", ok, err)
	}
}

// TestReaderSurvivesRandomGarbage feeds a batch of random byte lines through
// the reader and asserts it never blocks or panics, regardless of what
// bytes happen to precede the newline (spec §7 "a single malformed peer
// must never disrupt others").
func TestReaderSurvivesRandomGarbage(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var buf bytes.Buffer
	for i := 0; i < 200; i++ {
		n := rng.Intn(MaxMessageSize * 2)
		line := make([]byte, n)
		rng.Read(line)
		for i, b := range line {
			if b == '\n' {
				line[i] = 'x'
			}
		}
		buf.Write(testutil.CapBytes(line, MaxMessageSize*2))
		buf.WriteByte('\n')
	}
	good, _ := Encode(Message{Type: TypeLeave, ID: validID(), Hops: 0})
	buf.Write(good)

	r := NewReader(&buf)
	testutil.WithTimeout(t, 2*time.Second, func() {
		for {
			msg, ok, err := r.Next()
			if err != nil {
				t.Fatalf("unexpected read error: %v", err)
			}
			if ok && msg.Type == TypeLeave {
				return
			}
		}
	})
}
