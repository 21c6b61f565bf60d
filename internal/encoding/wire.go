// Package encoding provides the primitive little-endian readers and
// writers the wire codec and the state snapshot format are built on.
package encoding

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// WriteUint64 writes a little-endian uint64 to the buffer.
func WriteUint64(buf *bytes.Buffer, v uint64) error {
	return binary.Write(buf, binary.LittleEndian, v)
}

// ReadUint64 reads a little-endian uint64 from the reader.
func ReadUint64(reader *bytes.Reader) (uint64, error) {
	var v uint64
	if err := binary.Read(reader, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// WriteInt64 writes a little-endian int64 to the buffer.
func WriteInt64(buf *bytes.Buffer, v int64) error {
	return binary.Write(buf, binary.LittleEndian, v)
}

// ReadInt64 reads a little-endian int64 from the reader.
func ReadInt64(reader *bytes.Reader) (int64, error) {
	var v int64
	if err := binary.Read(reader, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// WriteUint32 writes a little-endian uint32 to the buffer.
func WriteUint32(buf *bytes.Buffer, v uint32) error {
	return binary.Write(buf, binary.LittleEndian, v)
}

// ReadUint32 reads a little-endian uint32 from the reader.
func ReadUint32(reader *bytes.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(reader, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// WriteBool writes a single boolean byte to the buffer.
func WriteBool(buf *bytes.Buffer, v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	return buf.WriteByte(b)
}

// ReadBool reads a single boolean byte from the reader.
func ReadBool(reader *bytes.Reader) (bool, error) {
	b, err := reader.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// WriteBytes writes a length-prefixed byte slice to the buffer.
func WriteBytes(buf *bytes.Buffer, b []byte) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := buf.Write(b)
	return err
}

// ReadBytes reads a length-prefixed byte slice from the reader.
func ReadBytes(reader *bytes.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(reader, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	if length > uint32(reader.Len()) {
		return nil, fmt.Errorf("invalid byte slice length")
	}
	b := make([]byte, length)
	if _, err := reader.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// WriteString writes a length-prefixed string to the buffer.
func WriteString(buf *bytes.Buffer, s string) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

// ReadString reads a length-prefixed string from the reader.
func ReadString(reader *bytes.Reader) (string, error) {
	b, err := ReadBytes(reader)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteRaw writes a fixed-size byte sequence with no length prefix.
func WriteRaw(buf *bytes.Buffer, b []byte) error {
	_, err := buf.Write(b)
	return err
}

// ReadRaw reads exactly len(b) bytes into b.
func ReadRaw(reader *bytes.Reader, b []byte) error {
	n, err := reader.Read(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("short read: want %d bytes, got %d", len(b), n)
	}
	return nil
}
