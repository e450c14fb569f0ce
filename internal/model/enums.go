package model

import (
	"errors"
	"fmt"
)

// ErrUnknownEnum is returned when decoding an enum name that does not exist.
var ErrUnknownEnum = errors.New("model: unknown enum value")

// WeightModel selects how a committed position is weighted.
type WeightModel uint8

const (
	WeightConstant WeightModel = iota
	WeightTimeBased
)

// ResolutionType selects who picks the winning pool.
type ResolutionType uint8

const (
	ResolutionAdmin ResolutionType = iota
	ResolutionOracle
)

// EpochState is the lifecycle of an EpochResult.
type EpochState uint8

const (
	EpochActive EpochState = iota
	EpochPending
	EpochResolved
)

var (
	weightModelNames = []string{"constant", "time_based"}
	resolutionNames  = []string{"admin", "oracle"}
	epochStateNames  = []string{"active", "pending", "resolved"}
)

func (m WeightModel) Valid() bool { return int(m) < len(weightModelNames) }

func (m WeightModel) String() string { return enumName(weightModelNames, uint8(m)) }

func (m WeightModel) MarshalText() ([]byte, error) { return marshalEnum(weightModelNames, uint8(m)) }

func (m *WeightModel) UnmarshalText(b []byte) error {
	v, err := unmarshalEnum(weightModelNames, b)
	*m = WeightModel(v)
	return err
}

func (r ResolutionType) Valid() bool { return int(r) < len(resolutionNames) }

func (r ResolutionType) String() string { return enumName(resolutionNames, uint8(r)) }

func (r ResolutionType) MarshalText() ([]byte, error) { return marshalEnum(resolutionNames, uint8(r)) }

func (r *ResolutionType) UnmarshalText(b []byte) error {
	v, err := unmarshalEnum(resolutionNames, b)
	*r = ResolutionType(v)
	return err
}

func (s EpochState) String() string { return enumName(epochStateNames, uint8(s)) }

func (s EpochState) MarshalText() ([]byte, error) { return marshalEnum(epochStateNames, uint8(s)) }

func (s *EpochState) UnmarshalText(b []byte) error {
	v, err := unmarshalEnum(epochStateNames, b)
	*s = EpochState(v)
	return err
}

// ParseResolutionType parses "admin" or "oracle".
func ParseResolutionType(s string) (ResolutionType, error) {
	v, err := unmarshalEnum(resolutionNames, []byte(s))
	return ResolutionType(v), err
}

func enumName(names []string, v uint8) string {
	if int(v) < len(names) {
		return names[v]
	}
	return fmt.Sprintf("unknown(%d)", v)
}

func marshalEnum(names []string, v uint8) ([]byte, error) {
	if int(v) >= len(names) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEnum, v)
	}
	return []byte(names[v]), nil
}

func unmarshalEnum(names []string, b []byte) (uint8, error) {
	for i, n := range names {
		if n == string(b) {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEnum, b)
}
