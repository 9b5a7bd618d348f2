/*
Copyright © 2018-2023 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"reflect"
	"testing"
)

func TestTrieOrder(t *testing.T) {
	entries := map[string]int{
		"/usr/lib/libobjc.A.dylib":                                   1,
		"/System/Library/Frameworks/Foundation.framework/Foundation": 2,
		"/usr/lib/libSystem.B.dylib":                                 0,
		"/usr/lib/libSystem.dylib":                                   0, // alias of image 0
	}
	want := []string{
		"/usr/lib/libSystem.B.dylib",
		"/usr/lib/libSystem.dylib",
		"/usr/lib/libobjc.A.dylib",
		"/System/Library/Frameworks/Foundation.framework/Foundation",
	}
	for range 10 {
		if got := trieOrder(entries); !reflect.DeepEqual(got, want) {
			t.Fatalf("trieOrder() = %v, want %v", got, want)
		}
	}
	if got := trieOrder(nil); len(got) != 0 {
		t.Errorf("trieOrder(nil) = %v", got)
	}
}
