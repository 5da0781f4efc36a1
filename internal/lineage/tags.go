package lineage

import (
	"errors"
	"fmt"
)

// Tag is a categorical label drawn from a small fixed vocabulary. Spots
// carry a detection tag and a tracking tag; links carry a tracking tag.
type Tag uint8

const (
	TagUnlabeled     Tag = iota // Not yet reviewed
	TagApproved                 // Tracking approved by a curator
	TagTruePositive             // Correct detection
	TagFalsePositive            // Spurious detection
	TagTrueNegative             // Correctly rejected region
	TagFalseNegative            // Missed detection that was added later
	TagTrueBoundary             // Correct boundary annotation
	TagFalseBoundary            // Incorrect boundary annotation
	tagCount
)

// ErrUnknownTag is returned for tags outside the vocabulary.
var ErrUnknownTag = errors.New("unknown tag")

var tagNames = [tagCount]string{
	"unlabeled",
	"approved",
	"true-positive",
	"false-positive",
	"true-negative",
	"false-negative",
	"true-boundary",
	"false-boundary",
}

// Valid reports whether t belongs to the vocabulary.
func (t Tag) Valid() bool { return t < tagCount }

func (t Tag) String() string {
	if !t.Valid() {
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
	return tagNames[t]
}

// ParseTag converts a tag name back to a Tag.
func ParseTag(s string) (Tag, error) {
	for i, name := range tagNames {
		if name == s {
			return Tag(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTag, s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tag) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tag) UnmarshalText(b []byte) error {
	v, err := ParseTag(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
