package processor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"bookstream/models"
)

// ErrMalformedFrame marks a non-blank frame that could not be decoded. It is
// fatal for the connection that produced it.
var ErrMalformedFrame = errors.New("malformed frame")

// FrameKind identifies what a decoded frame carries.
type FrameKind int

const (
	FrameKeepAlive FrameKind = iota
	FrameSnapshot
	FrameDelta
)

func (k FrameKind) String() string {
	switch k {
	case FrameKeepAlive:
		return "keepalive"
	case FrameSnapshot:
		return "snapshot"
	case FrameDelta:
		return "delta"
	default:
		return fmt.Sprintf("FrameKind(%d)", int(k))
	}
}

// Frame is one decoded stream message. Exactly one of Snapshot and Delta is
// set for structured frames; both are nil for keepalives.
type Frame struct {
	Kind     FrameKind
	Snapshot *models.Snapshot
	Delta    *models.Delta
}

// DecodeFrame decodes a complete text message. The stream carries no type tag,
// so the caller says whether it is still waiting for the snapshot.
func DecodeFrame(data []byte, awaitingSnapshot bool) (Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Frame{Kind: FrameKeepAlive}, nil
	}
	if trimmed[0] != '{' {
		return Frame{}, fmt.Errorf("%w: expected json object", ErrMalformedFrame)
	}

	if awaitingSnapshot {
		var snap models.Snapshot
		if err := json.Unmarshal(trimmed, &snap); err != nil {
			return Frame{}, fmt.Errorf("%w: snapshot: %v", ErrMalformedFrame, err)
		}
		return Frame{Kind: FrameSnapshot, Snapshot: &snap}, nil
	}

	var delta models.Delta
	if err := json.Unmarshal(trimmed, &delta); err != nil {
		return Frame{}, fmt.Errorf("%w: delta: %v", ErrMalformedFrame, err)
	}
	return Frame{Kind: FrameDelta, Delta: &delta}, nil
}

// EncodeAuth builds the authentication frame.
func EncodeAuth(keyID, keySecret string) ([]byte, error) {
	payload, err := json.Marshal(models.AuthRequest{APIKeyID: keyID, APIKeySecret: keySecret})
	if err != nil {
		return nil, fmt.Errorf("encode auth: %w", err)
	}
	return payload, nil
}
