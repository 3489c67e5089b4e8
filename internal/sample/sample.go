// Package sample turns raw heart-rate notification payloads into
// timestamped readings.
//
// Payloads follow the Bluetooth Heart Rate Measurement characteristic
// (0x2A37): a flags byte, then the measurement value(s), then the
// optional energy-expended and RR-interval fields. The strap used at
// the kiosk packs several sub-samples into one notification when no
// optional field is present; the filter keeps the peak.
package sample

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Flag bits of the first payload byte.
const (
	flagUint16         = 1 << 0
	flagEnergyExpended = 1 << 3
	flagRRInterval     = 1 << 4
)

// ErrTruncated is wrapped by a ProtocolError when the payload is shorter
// than its flags declare.
var ErrTruncated = errors.New("payload truncated")

// ErrTrailingBytes is wrapped by a ProtocolError when bytes remain that
// no declared field accounts for.
var ErrTrailingBytes = errors.New("unexpected trailing bytes")

// Reading is one filtered amplitude value. It is immutable once built.
type Reading struct {
	Timestamp time.Time `json:"ts"`
	Amplitude int       `json:"amplitude"`
}

// IsZero reports whether the strap signalled no skin contact.
func (r Reading) IsZero() bool {
	return r.Amplitude == 0
}

// ProtocolError reports a malformed notification payload. The caller
// drops the payload and keeps going.
type ProtocolError struct {
	Payload []byte
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed heart-rate payload % x: %v", e.Payload, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Filter converts one payload into a Reading whose amplitude is the
// largest sample in it. ok is false for payloads without samples (empty
// or flags only); those are dropped without error.
func Filter(payload []byte, at time.Time) (r Reading, ok bool, err error) {
	if len(payload) <= 1 {
		return Reading{}, false, nil
	}

	flags := payload[0]
	width := 1
	if flags&flagUint16 != 0 {
		width = 2
	}

	body := payload[1:]
	var samples []byte

	if flags&(flagEnergyExpended|flagRRInterval) == 0 {
		if len(body)%width != 0 {
			return Reading{}, false, malformed(payload, fmt.Errorf("%w: %d sample bytes for width %d", ErrTruncated, len(body), width))
		}
		samples = body
	} else {
		if len(body) < width {
			return Reading{}, false, malformed(payload, ErrTruncated)
		}
		samples, body = body[:width], body[width:]

		if flags&flagEnergyExpended != 0 {
			if len(body) < 2 {
				return Reading{}, false, malformed(payload, fmt.Errorf("%w: energy expended field", ErrTruncated))
			}
			body = body[2:]
		}
		if flags&flagRRInterval != 0 {
			if len(body)%2 != 0 {
				return Reading{}, false, malformed(payload, fmt.Errorf("%w: odd RR interval region", ErrTruncated))
			}
			body = nil
		}
		if len(body) != 0 {
			return Reading{}, false, malformed(payload, ErrTrailingBytes)
		}
	}

	peak := 0
	for i := 0; i < len(samples); i += width {
		v := int(samples[i])
		if width == 2 {
			v = int(binary.LittleEndian.Uint16(samples[i:]))
		}
		if v > peak {
			peak = v
		}
	}

	return Reading{Timestamp: at, Amplitude: peak}, true, nil
}

func malformed(payload []byte, err error) *ProtocolError {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return &ProtocolError{Payload: cp, Err: err}
}
