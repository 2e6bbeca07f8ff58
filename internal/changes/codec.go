// Package changes encodes and decodes the frames exchanged on the replication socket.
//
// Inbound frames are either the liveness token or a change batch. A change
// batch arrives as a JSON text frame tagged with "type":"changes", or as a
// binary frame holding a protobuf Any whose value is the zstd-compressed JSON
// frame. Anything else is rejected as malformed.
package changes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/dgnsrekt/mirrorsync/internal/mirror"
)

const (
	// PingToken is the server's keep-alive message.
	PingToken = "ping"
	// PongToken is the client's reply to PingToken.
	PongToken = "pong"

	// FrameType tags a JSON change frame.
	FrameType = "changes"
	// BinaryTypeURL identifies a zstd-compressed change frame inside a protobuf Any.
	BinaryTypeURL = "mirrorsync/changes+zstd"

	maxDecodedSize = 16 << 20
)

// frame is the JSON shape of a change batch on the wire.
type frame struct {
	Type    string                `json:"type"`
	Changes []mirror.ChangeRecord `json:"changes"`
}

// decoder is shared; zstd decoders are safe for concurrent DecodeAll.
var decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))

// IsPing reports whether raw is the liveness token.
func IsPing(raw []byte) bool {
	return bytes.Equal(raw, []byte(PingToken))
}

// IsPong reports whether raw is the liveness acknowledgment.
func IsPong(raw []byte) bool {
	return bytes.Equal(raw, []byte(PongToken))
}

// Decode turns a socket payload into a change batch. It fails closed: an
// unknown tag, an unknown method, a non-positive version, versions that do not
// strictly increase within the batch or a missing entity kind all yield
// ErrMalformed, and a frame without records yields ErrNoRecords.
func Decode(raw []byte, binary bool) (mirror.ChangeBatch, error) {
	if binary {
		jsonFrame, err := unwrapBinary(raw)
		if err != nil {
			return mirror.ChangeBatch{}, err
		}
		raw = jsonFrame
	}

	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return mirror.ChangeBatch{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Type != FrameType {
		return mirror.ChangeBatch{}, fmt.Errorf("%w: unexpected type %q", ErrMalformed, f.Type)
	}
	if len(f.Changes) == 0 {
		return mirror.ChangeBatch{}, ErrNoRecords
	}
	for i, rec := range f.Changes {
		if err := validateRecord(rec); err != nil {
			return mirror.ChangeBatch{}, fmt.Errorf("%w: record %d: %v", ErrMalformed, i, err)
		}
		if i > 0 && rec.Version <= f.Changes[i-1].Version {
			return mirror.ChangeBatch{}, fmt.Errorf("%w: record %d: version %d does not follow %d",
				ErrMalformed, i, rec.Version, f.Changes[i-1].Version)
		}
	}
	return mirror.ChangeBatch{Records: f.Changes}, nil
}

func validateRecord(rec mirror.ChangeRecord) error {
	if rec.Entity == "" {
		return fmt.Errorf("missing entity")
	}
	if !rec.Method.Valid() {
		return fmt.Errorf("unknown method %q", rec.Method)
	}
	if rec.Version <= 0 {
		return fmt.Errorf("invalid version %d", rec.Version)
	}
	if len(rec.Payload) == 0 {
		return fmt.Errorf("missing payload")
	}
	return nil
}

func unwrapBinary(raw []byte) ([]byte, error) {
	var msg anypb.Any
	if err := proto.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.GetTypeUrl() != BinaryTypeURL {
		return nil, fmt.Errorf("%w: unexpected type url %q", ErrMalformed, msg.GetTypeUrl())
	}
	out, err := decoder.DecodeAll(msg.GetValue(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
	}
	return out, nil
}

// EncodeText builds a JSON change frame.
func EncodeText(batch mirror.ChangeBatch) ([]byte, error) {
	data, err := json.Marshal(frame{Type: FrameType, Changes: batch.Records})
	if err != nil {
		return nil, fmt.Errorf("marshal change frame: %w", err)
	}
	return data, nil
}

// Encoder builds binary change frames (protobuf Any + zstd).
type Encoder struct {
	zstdEncoder *zstd.Encoder
}

// NewEncoder creates a new Encoder with Zstd compression.
func NewEncoder() (*Encoder, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &Encoder{zstdEncoder: enc}, nil
}

// EncodeBinary compresses the JSON frame and wraps it in a protobuf Any.
func (e *Encoder) EncodeBinary(batch mirror.ChangeBatch) ([]byte, error) {
	jsonFrame, err := EncodeText(batch)
	if err != nil {
		return nil, err
	}
	msg := &anypb.Any{
		TypeUrl: BinaryTypeURL,
		Value:   e.zstdEncoder.EncodeAll(jsonFrame, nil),
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal protobuf: %w", err)
	}
	return data, nil
}

// Close releases encoder resources.
func (e *Encoder) Close() {
	if e.zstdEncoder != nil {
		e.zstdEncoder.Close()
	}
}

// ResyncRequest formats the client's mirror version as a resync request.
func ResyncRequest(version int64) string {
	return strconv.FormatInt(version, 10)
}

// ParseResyncRequest parses a resync request sent by a client.
func ParseResyncRequest(raw []byte) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
