package crypto

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestHash160JSONRoundTrip(t *testing.T) {
	h := HashBytes([]byte("hello storj"))
	data, err := json.Marshal(h)
	if err != nil {
		t.Fatal(err)
	}
	want := `"` + h.String() + `"`
	if string(data) != want {
		t.Fatalf("got %s, want %s", data, want)
	}
	var decoded Hash160
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded != h {
		t.Fatalf("decoded %v, want %v", decoded, h)
	}
}

func TestHash160UnmarshalJSONRejectsBadInput(t *testing.T) {
	cases := []string{
		`[1,2,3]`,
		`"not-hex"`,
		`"` + strings.Repeat("ab", HashSize+10) + `"`, // too long
		`"` + strings.Repeat("ab", HashSize-1) + `"`,  // too short
		`""`,
	}
	for _, c := range cases {
		var h Hash160
		if err := json.Unmarshal([]byte(c), &h); err == nil {
			t.Fatalf("input %s: expected error, got none", c)
		}
	}
}
