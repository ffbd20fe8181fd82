package awsctl

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a control-plane failure so callers can decide between
// aborting the fleet, recording a per-instance failure, or retrying.
type Kind string

const (
	KindBadSubnet        Kind = "bad-subnet"
	KindBadKey           Kind = "bad-key"
	KindBadImage         Kind = "bad-image"
	KindBadSecurityGroup Kind = "bad-security-group"
	KindCapacity         Kind = "capacity"
	KindUnsupportedType  Kind = "unsupported-type"
	KindPlacementGroup   Kind = "placement-group-constraint"
	KindImageUnavailable Kind = "image-unavailable"
	KindLaunchTimeout    Kind = "launch-timeout"
	KindAuth             Kind = "cloud-auth"
	KindThrottled        Kind = "cloud-api-transient"
	KindUnknown          Kind = "unknown"
)

// Error is a classified control-plane error.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from err, or KindUnknown when err is not
// an *Error produced by this package.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// Retryable reports whether the failure is worth another attempt at the
// transport layer. Capacity errors are transient from the fleet's point of
// view but retrying the same launch immediately never helps, so they are not
// retryable here.
func Retryable(err error) bool {
	return KindOf(err) == KindThrottled
}

// classify maps an EC2 API error onto a Kind by inspecting the error code
// embedded in its message. The SDK surfaces service codes as text, so a
// substring match is the stable way to recognize them across SDK versions.
func classify(op string, err error) *Error {
	msg := err.Error()
	kind := KindUnknown
	switch {
	case containsAny(msg, "InvalidSubnetID.NotFound", "InvalidSubnet"):
		kind = KindBadSubnet
	case containsAny(msg, "InvalidKeyPair.NotFound", "InvalidKeyPair"):
		kind = KindBadKey
	case containsAny(msg, "InvalidAMIID", "InvalidImageID"):
		kind = KindBadImage
	case containsAny(msg, "InvalidGroup.NotFound", "InvalidSecurityGroupID"):
		kind = KindBadSecurityGroup
	case containsAny(msg, "InsufficientInstanceCapacity", "InstanceLimitExceeded", "VcpuLimitExceeded", "InsufficientCapacity"):
		kind = KindCapacity
	case containsAny(msg, "Unsupported", "InstanceTypeNotSupported"):
		kind = KindUnsupportedType
	case containsAny(msg, "InvalidPlacementGroup", "PlacementGroup"):
		kind = KindPlacementGroup
	case containsAny(msg, "UnauthorizedOperation", "AuthFailure", "ExpiredToken", "InvalidClientTokenId"):
		kind = KindAuth
	case containsAny(msg, "RequestLimitExceeded", "Throttling", "ServiceUnavailable", "RequestTimeout", "connection reset", "no such host", "i/o timeout"):
		kind = KindThrottled
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
