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

// Package binary provides support for reading and writing the little endian
// binary data used by index files.
package binary

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

const (
	// This is just to prevent arbitrarily long allocations due to malformed
	// data.  No contig name should be longer than this in practice.
	maximumStringLength = 1 << 16

	// The largest compressed block accepted by ReadBlock.
	maximumBlockLength = 1 << 34
)

// ExpectBytes reads len(want) bytes from r and returns an error if they do
// not match want.
func ExpectBytes(r io.Reader, want []byte) error {
	got := make([]byte, len(want))
	if _, err := io.ReadFull(r, got); err != nil {
		return fmt.Errorf("reading magic: %v", err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("wrong magic %v (wanted %v)", got, want)
	}
	return nil
}

// Read reads a little endian value from r into v using binary.Read.
func Read(r io.Reader, v interface{}) error {
	return binary.Read(r, binary.LittleEndian, v)
}

// Write writes v to w in little endian order using binary.Write.
func Write(w io.Writer, v interface{}) error {
	return binary.Write(w, binary.LittleEndian, v)
}

// ReadString reads a string written by WriteString.
func ReadString(r io.Reader) (string, error) {
	var length uint32
	if err := Read(r, &length); err != nil {
		return "", fmt.Errorf("reading string length: %v", err)
	}
	if length > maximumStringLength {
		return "", fmt.Errorf("invalid string length (%d bytes)", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("reading string: %v", err)
	}
	return string(buf), nil
}

// WriteString writes s prefixed by its length.
func WriteString(w io.Writer, s string) error {
	if len(s) > maximumStringLength {
		return fmt.Errorf("string too long (%d bytes)", len(s))
	}
	if err := Write(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadBlock reads a snappy compressed block written by WriteBlock and returns
// the decoded bytes.
func ReadBlock(r io.Reader) ([]byte, error) {
	var length uint64
	if err := Read(r, &length); err != nil {
		return nil, fmt.Errorf("reading block length: %v", err)
	}
	if length > maximumBlockLength {
		return nil, fmt.Errorf("invalid block length (%d bytes)", length)
	}
	encoded := make([]byte, length)
	if _, err := io.ReadFull(r, encoded); err != nil {
		return nil, fmt.Errorf("reading block: %v", err)
	}
	decoded, err := snappy.Decode(nil, encoded)
	if err != nil {
		return nil, fmt.Errorf("decompressing block: %v", err)
	}
	return decoded, nil
}

// WriteBlock snappy compresses data and writes it prefixed by the compressed
// length.
func WriteBlock(w io.Writer, data []byte) error {
	encoded := snappy.Encode(nil, data)
	if err := Write(w, uint64(len(encoded))); err != nil {
		return fmt.Errorf("writing block length: %v", err)
	}
	if _, err := w.Write(encoded); err != nil {
		return fmt.Errorf("writing block: %v", err)
	}
	return nil
}
