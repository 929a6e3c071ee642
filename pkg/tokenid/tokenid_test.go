package tokenid

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestFromBatchIDTrimsWhitespace(t *testing.T) {
	cases := []string{" ABC-1 ", "ABC-1", "\tABC-1\n", "ABC-1   "}
	want := FromBatchID("ABC-1")
	for _, in := range cases {
		if got := FromBatchID(in); got != want {
			t.Fatalf("FromBatchID(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestFromBatchIDIsStableAndCaseSensitive(t *testing.T) {
	a := FromBatchID("batch-7")
	b := FromBatchID("batch-7")
	if a != b {
		t.Fatalf("expected identical ids for identical input")
	}
	if FromBatchID("Batch-7") == a {
		t.Fatalf("expected case-sensitive derivation")
	}
	if a.IsZero() {
		t.Fatalf("expected non-zero token id")
	}
}

func TestFromBatchIDMatchesKeccakVector(t *testing.T) {
	// keccak256("") is the well-known empty digest.
	const emptyDigest = "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"
	if got := FromBatchID("   ").Hex(); got != emptyDigest {
		t.Fatalf("unexpected digest for whitespace-only id: %s", got)
	}
}

func TestParseRoundTrip(t *testing.T) {
	id := FromBatchID("ABC-1")
	parsed, err := Parse(id.Hex())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch")
	}
	bare, err := Parse(strings.TrimPrefix(id.Hex(), "0x"))
	if err != nil || bare != id {
		t.Fatalf("expected bare hex to parse, err=%v", err)
	}
	if _, err := Parse("0x1234"); err == nil {
		t.Fatalf("expected short input to fail")
	}
	if _, err := Parse("0x" + strings.Repeat("zz", Size)); err == nil {
		t.Fatalf("expected non-hex input to fail")
	}
}

func TestBigMatchesBytes(t *testing.T) {
	id := FromBatchID("ABC-1")
	b := id.Big().Bytes()
	// leading zero bytes are dropped by big.Int
	if len(b) > Size {
		t.Fatalf("big value too wide: %d", len(b))
	}
	var padded ID
	copy(padded[Size-len(b):], b)
	if padded != id {
		t.Fatalf("big encoding mismatch")
	}
}

func TestJSONEncoding(t *testing.T) {
	type wrapper struct {
		Token ID `json:"token"`
	}
	in := wrapper{Token: FromBatchID("ABC-1")}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), in.Token.Hex()) {
		t.Fatalf("expected hex in json, got %s", data)
	}
	var out wrapper
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Token != in.Token {
		t.Fatalf("json round trip mismatch")
	}
}
