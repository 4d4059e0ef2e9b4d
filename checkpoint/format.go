// Package checkpoint persists snapshots of the variational state.
//
// A snapshot file is a fixed header followed by the encoded payload:
//
//	magic "CAVQ" | format u8 | codec u8 | compression u8 | size u64 | blake3 [32]byte | payload
//
// size and the digest describe the uncompressed payload, so corruption is
// detected whatever codec and compression the file was written with.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/n0madic/go-basket-cavi/state"
)

// Version is the snapshot layout written by this package.
const Version = 1

const (
	magic      = "CAVQ"
	formatV1   = 1
	headerSize = len(magic) + 3 + 8 + 32

	// maxPayload bounds the uncompressed size a header may announce.
	maxPayload = math.MaxInt32
	// maxExpansion is the largest uncompressed to compressed ratio of an
	// lz4 block.
	maxExpansion = 255
)

var (
	ErrBadMagic       = errors.New("not a checkpoint file")
	ErrChecksum       = errors.New("checkpoint checksum mismatch")
	ErrCorrupt        = errors.New("corrupt checkpoint")
	ErrVersion        = errors.New("unsupported checkpoint version")
	ErrStateMismatch  = errors.New("checkpoint does not match state")
	errIncompressible = errors.New("payload is incompressible")
)

// Codec selects the payload serialisation.
type Codec uint8

const (
	CodecGob Codec = iota
	CodecCBOR
)

func (c Codec) String() string {
	switch c {
	case CodecGob:
		return "gob"
	case CodecCBOR:
		return "cbor"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec returns the codec named name.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "gob":
		return CodecGob, nil
	case "cbor":
		return CodecCBOR, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", name)
	}
}

// Compression selects the payload compression.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression returns the compression named name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// ext returns the file suffix for c, empty for none.
func (c Compression) ext() string {
	switch c {
	case CompressionZstd:
		return ".zst"
	case CompressionLZ4:
		return ".lz4"
	default:
		return ""
	}
}

// Snapshot is the serialisable state of one iteration.
type Snapshot struct {
	Version   int           `cbor:"version"`
	RunID     string        `cbor:"run_id"`
	Iteration int           `cbor:"iteration"`
	Dims      state.Dims    `cbor:"dims"`
	Arrays    []state.Array `cbor:"arrays"`
}

// NewSnapshot captures q. The arrays alias q until the snapshot is encoded.
func NewSnapshot(runID string, n int, q *state.State) *Snapshot {
	return &Snapshot{
		Version:   Version,
		RunID:     runID,
		Iteration: n,
		Dims:      q.Dims,
		Arrays:    q.Arrays(),
	}
}

// Restore copies the snapshot arrays into q. Every array of q must be
// present with a matching size.
func (s *Snapshot) Restore(q *state.State) error {
	if s.Dims != q.Dims {
		return fmt.Errorf("%w: dims %+v, state has %+v", ErrStateMismatch, s.Dims, q.Dims)
	}
	byName := make(map[string][]float64, len(s.Arrays))
	for _, a := range s.Arrays {
		byName[a.Name] = a.Data
	}
	for _, a := range q.Arrays() {
		data, ok := byName[a.Name]
		if !ok {
			return fmt.Errorf("%w: missing array %s", ErrStateMismatch, a.Name)
		}
		if len(data) != len(a.Data) {
			return fmt.Errorf("%w: array %s has %d values, want %d", ErrStateMismatch, a.Name, len(data), len(a.Data))
		}
		copy(a.Data, data)
	}
	return nil
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("checkpoint: cbor encoder: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		MaxArrayElements: 2147483647,
		MaxMapPairs:      2147483647,
	}.DecMode()
	if err != nil {
		panic("checkpoint: cbor decoder: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("checkpoint: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayload))
	if err != nil {
		panic("checkpoint: zstd decoder: " + err.Error())
	}
}

// Encode writes s to w. Compression falls back to none when the payload
// does not shrink.
func (s *Snapshot) Encode(w io.Writer, codec Codec, comp Compression) error {
	var payload bytes.Buffer
	switch codec {
	case CodecGob:
		if err := gob.NewEncoder(&payload).Encode(s); err != nil {
			return fmt.Errorf("gob encode: %w", err)
		}
	case CodecCBOR:
		if err := cborEnc.NewEncoder(&payload).Encode(s); err != nil {
			return fmt.Errorf("cbor encode: %w", err)
		}
	default:
		return fmt.Errorf("unsupported codec %s", codec)
	}

	raw := payload.Bytes()
	body, err := compress(raw, comp)
	if errors.Is(err, errIncompressible) {
		body, comp = raw, CompressionNone
	} else if err != nil {
		return err
	}

	header := make([]byte, 0, headerSize)
	header = append(header, magic...)
	header = append(header, formatV1, byte(codec), byte(comp))
	header = binary.LittleEndian.AppendUint64(header, uint64(len(raw)))
	digest := blake3.Sum256(raw)
	header = append(header, digest[:]...)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// Decode reads a snapshot written by Encode.
func Decode(r io.Reader) (*Snapshot, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if string(header[:len(magic)]) != magic {
		return nil, ErrBadMagic
	}
	h := header[len(magic):]
	if h[0] != formatV1 {
		return nil, fmt.Errorf("%w: format %d", ErrVersion, h[0])
	}
	codec, comp := Codec(h[1]), Compression(h[2])
	size := binary.LittleEndian.Uint64(h[3:11])
	var digest [32]byte
	copy(digest[:], h[11:43])

	if size > maxPayload {
		return nil, fmt.Errorf("%w: header announces %d payload bytes", ErrCorrupt, size)
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	raw, err := decompress(body, comp, int(size))
	if err != nil {
		return nil, err
	}
	if blake3.Sum256(raw) != digest {
		return nil, ErrChecksum
	}

	var s Snapshot
	switch codec {
	case CodecGob:
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&s); err != nil {
			return nil, fmt.Errorf("gob decode: %w", err)
		}
	case CodecCBOR:
		if err := cborDec.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("cbor decode: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
	if s.Version != Version {
		return nil, fmt.Errorf("%w: snapshot version %d", ErrVersion, s.Version)
	}
	return &s, nil
}

func compress(data []byte, comp Compression) ([]byte, error) {
	switch comp {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, errIncompressible
		}
		return out, nil
	case CompressionLZ4:
		out := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, out, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return nil, errIncompressible
		}
		return out[:n], nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", comp)
	}
}

func decompress(body []byte, comp Compression, size int) ([]byte, error) {
	switch comp {
	case CompressionNone:
		if len(body) != size {
			return nil, fmt.Errorf("%w: payload has %d bytes, header says %d", ErrCorrupt, len(body), size)
		}
		return body, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(body, make([]byte, 0, min(size, maxExpansion*len(body))))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("%w: zstd payload has %d bytes, header says %d", ErrCorrupt, len(out), size)
		}
		return out, nil
	case CompressionLZ4:
		if size > maxExpansion*len(body) {
			return nil, fmt.Errorf("%w: %d lz4 bytes cannot hold %d", ErrCorrupt, len(body), size)
		}
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
		}
		if n != size {
			return nil, fmt.Errorf("%w: lz4 payload has %d bytes, header says %d", ErrCorrupt, n, size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", comp)
	}
}
