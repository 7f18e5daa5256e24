package muxer

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"testing"
)

// digitStream returns a reader emitting the decimal strings from..to
// concatenated, e.g. digitStream(1, 10) yields "12345678910".
func digitStream(from, to int) io.Reader {
	var b strings.Builder
	for i := from; i <= to; i++ {
		b.WriteString(strconv.Itoa(i))
	}
	return strings.NewReader(b.String())
}

func TestMuxerBasicOrdering(t *testing.T) {
	want := "12345678910111213141516171819202122232425262728293031323334353637383940"

	m, err := New(4, int64(len(want)))
	if err != nil {
		t.Fatal(err)
	}
	for _, rng := range [][2]int{{1, 10}, {11, 20}, {21, 30}, {31, 40}} {
		if err := m.Input(digitStream(rng[0], rng[1])); err != nil {
			t.Fatal(err)
		}
	}

	got, err := io.ReadAll(m)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestMuxerValidation(t *testing.T) {
	if _, err := New(-1, 128); err == nil || err.Error() != "Cannot multiplex a 0 shard stream" {
		t.Fatalf("got %v, want the zero-shard-stream error", err)
	}
	if _, err := New(2, 0); err == nil || err.Error() != "You must supply a length parameter" {
		t.Fatalf("got %v, want the missing-length error", err)
	}

	m, err := New(2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Input(bytes.NewReader([]byte{0x01, 0x02, 0x03})); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 8)
	if _, err := m.Read(buf); err != ErrInputExceedsDeclaredLength {
		t.Fatalf("got %v, want ErrInputExceedsDeclaredLength", err)
	}
}

func TestMuxerRejectsExtraInputs(t *testing.T) {
	m, err := New(1, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Input(strings.NewReader("abcd")); err != nil {
		t.Fatal(err)
	}
	if err := m.Input(strings.NewReader("e")); err != ErrInputsExceedDeclaredShards {
		t.Fatalf("got %v, want ErrInputsExceedDeclaredShards", err)
	}
}

func TestMuxerReadBeforeAnyInputIsUnexpectedEndOfInput(t *testing.T) {
	m, err := New(1, 4)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := m.Read(buf); err != ErrUnexpectedEndOfInput {
		t.Fatalf("got %v, want ErrUnexpectedEndOfInput", err)
	}
}

func TestMuxerShortInputIsAnErrorAtTerminalRead(t *testing.T) {
	m, err := New(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Input(strings.NewReader("abc")); err != nil {
		t.Fatal(err)
	}
	_, err = io.ReadAll(m)
	if err != ErrShortInput {
		t.Fatalf("got %v, want ErrShortInput", err)
	}
}

func TestMuxerGrowRejectedWithoutAllowGrowth(t *testing.T) {
	m, err := New(1, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Grow(1, 2); err != ErrGrowthNotAllowed {
		t.Fatalf("got %v, want ErrGrowthNotAllowed", err)
	}
}

func TestMuxerGrowAllowsAdditionalInputs(t *testing.T) {
	m, err := New(1, 4, AllowGrowth())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Input(strings.NewReader("abcd")); err != nil {
		t.Fatal(err)
	}
	if err := m.Input(strings.NewReader("ef")); err != ErrInputsExceedDeclaredShards {
		t.Fatalf("got %v, want ErrInputsExceedDeclaredShards before Grow", err)
	}
	if err := m.Grow(1, 2); err != nil {
		t.Fatal(err)
	}
	if err := m.Input(strings.NewReader("ef")); err != nil {
		t.Fatalf("expected Input to succeed after Grow, got %v", err)
	}

	got, err := io.ReadAll(m)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abcdef" {
		t.Fatalf("got %q, want %q", got, "abcdef")
	}
}

func TestDemuxThenMuxRoundTrips(t *testing.T) {
	data := bytes.Repeat([]byte("storj network shard "), 100)

	var shardSize int64 = 256
	var shardCount int
	if err := Demux(bytes.NewReader(data), shardSize, func(index int, shard io.Reader) error {
		shardCount++
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	m, err := New(shardCount, int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	if err := Demux(bytes.NewReader(data), shardSize, func(index int, shard io.Reader) error {
		buf, err := io.ReadAll(shard)
		if err != nil {
			return err
		}
		return m.Input(bytes.NewReader(buf))
	}); err != nil {
		t.Fatal(err)
	}

	got, err := io.ReadAll(m)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestDemuxFinalShardIsShorter(t *testing.T) {
	data := []byte("0123456789")
	var sizes []int
	if err := Demux(bytes.NewReader(data), 4, func(index int, shard io.Reader) error {
		b, err := io.ReadAll(shard)
		if err != nil {
			return err
		}
		sizes = append(sizes, len(b))
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if want := []int{4, 4, 2}; !equalInts(sizes, want) {
		t.Fatalf("got shard sizes %v, want %v", sizes, want)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
