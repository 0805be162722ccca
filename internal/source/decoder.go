package source

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// maxRecordSize bounds a single newline-delimited record.
const maxRecordSize = 16 << 20

// Decoder decompresses splits and cuts them into records.
type Decoder struct {
	zstdDecoder *zstd.Decoder
}

// NewDecoder creates a new split decoder.
func NewDecoder() (*Decoder, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Decoder{zstdDecoder: dec}, nil
}

// Close releases decoder resources.
func (d *Decoder) Close() {
	if d.zstdDecoder != nil {
		d.zstdDecoder.Close()
	}
}

// DecodeCompressed decodes a zstd-compressed split.
func (d *Decoder) DecodeCompressed(compressedData []byte) ([]Record, error) {
	raw, err := d.zstdDecoder.DecodeAll(compressedData, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd decompress: %v", ErrDecode, err)
	}
	return d.DecodeRaw(raw)
}

// DecodeRaw splits raw bytes into records, one per non-empty line.
func (d *Decoder) DecodeRaw(raw []byte) ([]Record, error) {
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	var records []Record
	var index int64
	for sc.Scan() {
		line := bytes.TrimRight(sc.Bytes(), "\r")
		if len(line) == 0 {
			continue
		}
		records = append(records, Record{
			Index:   index,
			Payload: append([]byte(nil), line...),
		})
		index++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return records, nil
}

// DecodeFromReader decodes from a reader.
func (d *Decoder) DecodeFromReader(r io.Reader, compressed bool) ([]Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}

	if compressed {
		return d.DecodeCompressed(data)
	}
	return d.DecodeRaw(data)
}
