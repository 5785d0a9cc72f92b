package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_UnwrapsWrappedErrors(t *testing.T) {
	base := newErr(KindExceedLength, "prompt too long")
	wrapped := errors.New("context: " + base.Error())
	assert.Equal(t, KindUnknown, KindOf(wrapped))
	assert.Equal(t, KindExceedLength, KindOf(base))
	assert.Equal(t, KindExceedLength, KindOf(errors.Join(base)))
}

func TestError_StringIncludesKindAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := wrapErr(KindInsufficientHostMemory, cause, "allocate host pool")
	assert.Contains(t, err.Error(), "INSUFFICIENT_HOST_MEMORY")
	assert.Contains(t, err.Error(), "disk full")
}

func TestKind_String_CoversEveryDefinedKind(t *testing.T) {
	kinds := []Kind{
		KindExceedCapacity, KindExceedLength, KindOutOfDeviceMemory,
		KindInsufficientHostMemory, KindInvalidArgument, KindUnimplemented,
		KindDeviceError, KindStopped,
	}
	for _, k := range kinds {
		assert.NotEqual(t, "UNKNOWN", k.String())
	}
}
