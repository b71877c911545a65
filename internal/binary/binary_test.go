// Copyright 2019 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package binary

import (
	"bytes"
	"testing"
)

func TestExpectBytes(t *testing.T) {
	testCases := []struct {
		want  []byte
		input []byte
		match bool
	}{
		{[]byte("SFMI\x01"), []byte("SFMI\x01"), true},
		{[]byte("SFMI\x01"), []byte("SFMI\x01EXTRA"), true},
		{[]byte("SFMI\x01"), []byte("SFMI\x02"), false},
		{[]byte("SFMI\x01"), []byte("SFMI"), false},
		{[]byte("SFMI\x01"), []byte(""), false},
	}

	for _, tc := range testCases {
		t.Run(string(tc.input), func(t *testing.T) {
			err := ExpectBytes(bytes.NewReader(tc.input), tc.want)
			if err != nil && tc.match {
				t.Fatalf("ExpectBytes returned unexpected error: %v", err)
			} else if err == nil && !tc.match {
				t.Fatalf("ExpectBytes accepted mismatched input %v", tc.input)
			}
		})
	}
}

func TestString(t *testing.T) {
	for _, s := range []string{"", "chr1", "a contig with spaces"} {
		var buf bytes.Buffer
		if err := WriteString(&buf, s); err != nil {
			t.Fatalf("WriteString(%q): %v", s, err)
		}
		got, err := ReadString(&buf)
		if err != nil {
			t.Fatalf("ReadString(%q): %v", s, err)
		}
		if got != s {
			t.Errorf("Wrong string: got %q, want %q", got, s)
		}
	}
}

func TestReadString_Truncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteString(&buf, "chromosome"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	data := buf.Bytes()[:buf.Len()-3]
	if _, err := ReadString(bytes.NewReader(data)); err == nil {
		t.Errorf("ReadString accepted truncated input")
	}
}

func TestBlock(t *testing.T) {
	data := bytes.Repeat([]byte("ACGTTGCA"), 1000)

	var buf bytes.Buffer
	if err := WriteBlock(&buf, data); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if got, limit := buf.Len(), len(data); got >= limit {
		t.Errorf("Block was not compressed: got %d bytes, want fewer than %d", got, limit)
	}

	got, err := ReadBlock(&buf)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("ReadBlock returned different data (%d bytes, want %d)", len(got), len(data))
	}
}

func TestReadBlock_Corrupt(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, uint64(4)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadBlock(&buf); err == nil {
		t.Errorf("ReadBlock accepted corrupt data")
	}
}
