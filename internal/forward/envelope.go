package forward

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/snapsvc/internal/component"
)

const EnvelopeVersion = 1

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]map[string]any{})
}

// RegisterPayloadType makes a concrete payload value type transportable.
// Builtin scalars, strings, byte slices and nested map[string]any / []any
// are registered already.
func RegisterPayloadType(v any) { gob.Register(v) }

var (
	ErrUnsupportedVersion = errors.New("unsupported envelope version")
	ErrDigestMismatch     = errors.New("envelope digest mismatch")
)

// Envelope is the wire form of a request crossing a domain boundary or
// waiting on a deferred trigger.
type Envelope struct {
	Version   int              `json:"version"`
	ID        uuid.UUID        `json:"id"`
	Target    component.Domain `json:"target"`
	CreatedAt time.Time        `json:"created_at"`
	Request   []byte           `json:"request"`
	Digest    string           `json:"digest"`
}

// Seal builds an envelope for req addressed to target.
func Seal(id uuid.UUID, req component.Request, target component.Domain, now time.Time) (Envelope, error) {
	raw, err := encodeRequest(req)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Version:   EnvelopeVersion,
		ID:        id,
		Target:    target,
		CreatedAt: now.UTC(),
		Request:   raw,
		Digest:    digest(raw),
	}, nil
}

func Encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses and verifies an envelope and returns the request it carries.
func Decode(b []byte) (Envelope, component.Request, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, component.Request{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version != EnvelopeVersion {
		return env, component.Request{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	if digest(env.Request) != env.Digest {
		return env, component.Request{}, ErrDigestMismatch
	}
	req, err := decodeRequest(env.Request)
	if err != nil {
		return env, component.Request{}, err
	}
	return env, req, nil
}

// wireRequest is the gob form of a request. Payload is held as an interface
// so an empty non-nil map survives, and payload values keep their concrete
// types instead of collapsing to JSON numbers and strings.
type wireRequest struct {
	Target  component.Key
	Action  string
	Payload any
	Domain  component.Domain
}

func encodeRequest(req component.Request) ([]byte, error) {
	w := wireRequest{Target: req.Target, Action: req.Action, Domain: req.Domain}
	if req.Payload != nil {
		w.Payload = req.Payload
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&w); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRequest(b []byte) (component.Request, error) {
	var w wireRequest
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&w); err != nil {
		return component.Request{}, fmt.Errorf("decode request: %w", err)
	}
	req := component.Request{Target: w.Target, Action: w.Action, Domain: w.Domain}
	if w.Payload != nil {
		p, ok := w.Payload.(map[string]any)
		if !ok {
			return component.Request{}, fmt.Errorf("decode request: payload is %T", w.Payload)
		}
		req.Payload = p
	}
	return req, nil
}

// RequestCode derives a non-negative alarm request code from an envelope id.
func RequestCode(id uuid.UUID) int64 {
	return int64(binary.BigEndian.Uint64(id[:8]) >> 1)
}

// UserAlarmCode mixes a caller-chosen request code with the worker key.
func UserAlarmCode(key component.Key, requestCode int64) int64 {
	buf := make([]byte, 0, len(key)+9)
	buf = append(buf, key...)
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint64(buf, uint64(requestCode))
	sum := blake3.Sum256(buf)
	return int64(binary.BigEndian.Uint64(sum[:8]) >> 1)
}

func digest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
