package dyld

import (
	"bytes"
	"testing"
)

func TestReadUleb128(t *testing.T) {
	tests := []struct {
		in      []byte
		want    uint64
		wantErr bool
	}{
		{[]byte{0x00}, 0, false},
		{[]byte{0x7f}, 127, false},
		{[]byte{0x80, 0x01}, 128, false},
		{[]byte{0xe5, 0x8e, 0x26}, 624485, false},
		{[]byte{0x85, 0x00}, 5, false},
		{[]byte{0x80}, 0, true},
		{[]byte{}, 0, true},
		{bytes.Repeat([]byte{0xff}, 11), 0, true},
	}
	for _, tt := range tests {
		got, err := readUleb128(bytes.NewReader(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("readUleb128(% x) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("readUleb128(% x) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestWalkTrie(t *testing.T) {
	trie := buildTestTrie(testImages)
	for want, path := range testImages {
		got, err := walkTrie(trie, path)
		if err != nil {
			t.Errorf("walkTrie(%s) error = %v", path, err)
			continue
		}
		if got != uint64(want) {
			t.Errorf("walkTrie(%s) = %d, want %d", path, got, want)
		}
	}
	for _, path := range []string{"/usr/lib/libSystem.B.dylib.old", "/usr/lib/lib", "/System"} {
		if _, err := walkTrie(trie, path); err == nil {
			t.Errorf("walkTrie(%s) error = nil, want not found", path)
		}
	}
}

func TestWalkTrieMalformed(t *testing.T) {
	tests := map[string][]byte{
		"empty":              {},
		"child out of range": {0x00, 0x01, 'a', 0x00, 0x80, 0x02},
		"truncated edge":     {0x00, 0x01, 'a'},
	}
	for name, trie := range tests {
		if _, err := walkTrie(trie, "a"); err == nil {
			t.Errorf("%s: walkTrie() error = nil", name)
		}
	}
}

func TestParseTrie(t *testing.T) {
	entries, err := parseTrie(buildTestTrie(testImages))
	if err != nil {
		t.Fatalf("parseTrie() error = %v", err)
	}
	if len(entries) != len(testImages) {
		t.Fatalf("parseTrie() returned %d entries, want %d", len(entries), len(testImages))
	}
	for _, e := range entries {
		if testImages[e.Index] != e.Path {
			t.Errorf("entry %d = %s, want %s", e.Index, e.Path, testImages[e.Index])
		}
	}

	// a node pointing back at the root
	if _, err := parseTrie([]byte{0x00, 0x01, 'a', 0x00, 0x00}); err == nil {
		t.Error("parseTrie() of a cyclic trie succeeded")
	}
}
