package dyld

import (
	"bytes"
	"io"
	"strings"

	"github.com/pkg/errors"
)

var errNotInTrie = errors.New("path not in trie")

type trieEntry struct {
	Path  string
	Index uint64
}

type trieNode struct {
	Offset uint64
	Prefix []byte
}

func readUleb128(r *bytes.Reader) (uint64, error) {
	var result uint64
	var shift uint64

	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, errors.Wrap(err, "could not parse ULEB128 value")
		}
		if shift >= 64 {
			return 0, errors.New("ULEB128 value overflows uint64")
		}

		result |= uint64(b&0x7f) << shift

		// If high order bit is 1.
		if (b & 0x80) == 0 {
			break
		}

		shift += 7
	}

	return result, nil
}

func readEdge(r *bytes.Reader) ([]byte, error) {
	var edge []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			return nil, errors.Wrap(err, "could not read trie edge")
		}
		if c == '\x00' {
			return edge, nil
		}
		edge = append(edge, c)
	}
}

// walkTrie follows path through a dylibs trie and returns the image index
// stored in its terminal node.
func walkTrie(data []byte, path string) (uint64, error) {
	var strIndex int
	var offset uint64

	r := bytes.NewReader(data)

	for visited := 0; visited <= len(data); visited++ {
		if offset >= uint64(len(data)) {
			return 0, errors.Errorf("trie node offset %#x is out of bounds", offset)
		}
		r.Seek(int64(offset), io.SeekStart)

		terminalSize, err := readUleb128(r)
		if err != nil {
			return 0, err
		}

		if strIndex == len(path) && terminalSize != 0 {
			return readUleb128(r)
		}

		if _, err := r.Seek(int64(terminalSize), io.SeekCurrent); err != nil {
			return 0, err
		}

		childrenRemaining, err := readUleb128(r)
		if err != nil {
			return 0, errNotInTrie
		}

		var nodeOffset uint64
		for i := childrenRemaining; i > 0; i-- {
			edge, err := readEdge(r)
			if err != nil {
				return 0, err
			}
			child, err := readUleb128(r)
			if err != nil {
				return 0, err
			}
			if len(edge) > 0 && strings.HasPrefix(path[strIndex:], string(edge)) {
				// the path so far matches this edge, so advance to the child's node
				nodeOffset = child
				strIndex += len(edge)
				break
			}
		}

		if nodeOffset == 0 {
			break
		}
		offset = nodeOffset
	}

	return 0, errNotInTrie
}

// parseTrie returns every (path, image index) pair stored in a dylibs trie.
func parseTrie(data []byte) ([]trieEntry, error) {
	var tNode trieNode
	var entries []trieEntry

	nodes := []trieNode{{Offset: 0}}
	seen := make(map[uint64]bool)

	r := bytes.NewReader(data)

	for len(nodes) > 0 {
		tNode, nodes = nodes[len(nodes)-1], nodes[:len(nodes)-1]
		if seen[tNode.Offset] {
			return nil, errors.Errorf("trie node %#x visited twice", tNode.Offset)
		}
		seen[tNode.Offset] = true

		if tNode.Offset >= uint64(len(data)) {
			return nil, errors.Errorf("trie node offset %#x is out of bounds", tNode.Offset)
		}
		r.Seek(int64(tNode.Offset), io.SeekStart)

		terminalSize, err := readUleb128(r)
		if err != nil {
			return nil, err
		}
		childrenPos := int64(len(data)-r.Len()) + int64(terminalSize)

		if terminalSize != 0 {
			index, err := readUleb128(r)
			if err != nil {
				return nil, err
			}
			entries = append(entries, trieEntry{
				Path:  string(tNode.Prefix),
				Index: index,
			})
		}

		if _, err := r.Seek(childrenPos, io.SeekStart); err != nil {
			return nil, err
		}
		childrenRemaining, err := readUleb128(r)
		if err != nil {
			continue
		}

		for i := uint64(0); i < childrenRemaining; i++ {
			edge, err := readEdge(r)
			if err != nil {
				return nil, err
			}
			childNodeOffset, err := readUleb128(r)
			if err != nil {
				return nil, err
			}
			prefix := make([]byte, len(tNode.Prefix), len(tNode.Prefix)+len(edge))
			copy(prefix, tNode.Prefix)
			nodes = append(nodes, trieNode{
				Offset: childNodeOffset,
				Prefix: append(prefix, edge...),
			})
		}
	}

	return entries, nil
}
