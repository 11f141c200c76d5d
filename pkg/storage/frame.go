// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single framed message. Anything larger is a
// protocol error, not a parse retry.
const MaxFrameSize = 64 << 20

// WriteFrame serializes v as JSON and writes it with a 4-byte little-endian
// length prefix. A short write is a hard error; the frame must reach the
// peer in full or the connection is unusable.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, len(body))
	}

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(body)))

	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and decodes it into v.
// It reads exactly the prefixed byte count before decoding; there is no
// delimiter scanning. A truncated frame surfaces as an error from io.ReadFull.
func ReadFrame(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	n := binary.LittleEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("%w: read frame body: %v", ErrProtocol, err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decode frame: %v", ErrProtocol, err)
	}
	return nil
}
