//go:build linux || darwin

package dyld

import (
	"reflect"
	"testing"

	"github.com/blacktop/go-macho/types"
)

func openTestImages(t *testing.T, tc *testCache) *ImageTable {
	t.Helper()
	path := writeTestFile(t, t.TempDir(), testCacheName, tc.build(t))
	mc, err := MapCacheFile(path)
	if err != nil {
		t.Fatalf("MapCacheFile() error = %v", err)
	}
	t.Cleanup(func() { mc.Region().Close() })

	it, err := NewImageTable(mc)
	if err != nil {
		t.Fatalf("NewImageTable() error = %v", err)
	}
	return it
}

func TestForEachImage(t *testing.T) {
	it := openTestImages(t, newMainCache())

	var paths []string
	if err := it.ForEachImage(func(hdr *types.FileHeader, path string) {
		if hdr.Magic != types.Magic64 {
			t.Errorf("%s: header magic = %#x", path, uint32(hdr.Magic))
		}
		paths = append(paths, path)
	}); err != nil {
		t.Fatalf("ForEachImage() error = %v", err)
	}
	if !reflect.DeepEqual(paths, testImages) {
		t.Errorf("ForEachImage() paths = %v, want %v", paths, testImages)
	}
}

func TestForEachDylib(t *testing.T) {
	it := openTestImages(t, newMainCache())

	var seen []*Image
	if err := it.ForEachDylib(func(img *Image) bool {
		seen = append(seen, img)
		return img.Index < 1
	}); err != nil {
		t.Fatalf("ForEachDylib() error = %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("ForEachDylib() visited %d images after stop, want 2", len(seen))
	}
	for i, img := range seen {
		if img.Index != i || img.Path != testImages[i] {
			t.Errorf("image %d = %s", i, img)
		}
		if img.Address != testBase+uint64(i+1)*0x1000 || img.RegionOffset != uint64(i+1)*0x1000 {
			t.Errorf("image %d at %#x (region offset %#x)", i, img.Address, img.RegionOffset)
		}
		if img.Inode != uint64(100+i) || img.ModTime != uint64(1700000000+i) {
			t.Errorf("image %d inode %d mtime %d", i, img.Inode, img.ModTime)
		}
	}
}

func TestFindImageIndex(t *testing.T) {
	withTrie := newMainCache()
	noTrie := newMainCache()
	noTrie.Trie = false
	preTrie := newMainCache()
	preTrie.MappingOffset = 0x110 // before dylibsTrieAddr was added
	preTrie.LocalSymbols = false

	for name, tc := range map[string]*testCache{"trie": withTrie, "linear": noTrie, "pre-trie header": preTrie} {
		t.Run(name, func(t *testing.T) {
			it := openTestImages(t, tc)
			for want, path := range testImages {
				for range 2 { // second lookup is served from the memo
					got, ok := it.FindImageIndex(path)
					if !ok || got != want {
						t.Errorf("FindImageIndex(%s) = %d, %v; want %d", path, got, ok, want)
					}
				}
				p, err := it.ImagePath(want)
				if err != nil || p != path {
					t.Errorf("ImagePath(%d) = %q, %v", want, p, err)
				}
				img, err := it.ImageForPath(path)
				if err != nil || img.Index != want {
					t.Errorf("ImageForPath(%s) = %v, %v", path, img, err)
				}
			}
			for _, path := range []string{"/usr/lib/lib", "/usr/lib/libSystem.B", "/usr/lib/libz.dylib", ""} {
				if idx, ok := it.FindImageIndex(path); ok {
					t.Errorf("FindImageIndex(%q) = %d, want not found", path, idx)
				}
			}
			if _, err := it.ImagePath(len(testImages)); err == nil {
				t.Error("ImagePath() out of range succeeded")
			}
		})
	}
}

func TestTrieEntries(t *testing.T) {
	it := openTestImages(t, newMainCache())
	got, err := it.TrieEntries()
	if err != nil {
		t.Fatalf("TrieEntries() error = %v", err)
	}
	want := make(map[string]int)
	for i, p := range testImages {
		want[p] = i
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("TrieEntries() = %v, want %v", got, want)
	}
}

func TestLegacyImageCount(t *testing.T) {
	tc := newMainCache()
	tc.MappingOffset = 0x140
	tc.ImagesCountOld = 2
	tc.LocalSymbols = false

	it := openTestImages(t, tc)
	if got := it.ImageCount(); got != 2 {
		t.Errorf("ImageCount() = %d, want legacy count 2 (new field holds %d)", got, len(testImages))
	}
	n := 0
	it.ForEachImage(func(*types.FileHeader, string) { n++ })
	if n != 2 {
		t.Errorf("ForEachImage() visited %d images, want 2", n)
	}
}

func TestImagesRequireUnsplitCache(t *testing.T) {
	tc := newMainCache()
	path := writeTestFile(t, t.TempDir(), testCacheName, tc.build(t))
	mc, err := MapCacheFile(path)
	if err != nil {
		t.Fatalf("MapCacheFile() error = %v", err)
	}
	defer mc.Region().Close()

	it, err := NewImageTable(mc)
	if err != nil {
		t.Fatalf("NewImageTable() error = %v", err)
	}
	mc.Mappings[0].FileOffset = 0x4000 // as if the header lived in another file
	if err := it.ForEachImage(func(*types.FileHeader, string) {}); err == nil {
		t.Error("ForEachImage() on a split cache succeeded")
	}
}
