package caserr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageIncludesCID(t *testing.T) {
	err := New(KindNotFound, "tier.get", "bxyz", nil)
	assert.Contains(t, err.Error(), "cid=bxyz")
	assert.Contains(t, err.Error(), "tier.get")
}

func TestErrorMessageWithoutCID(t *testing.T) {
	err := New(KindBackendError, "cache.put", "", nil)
	assert.NotContains(t, err.Error(), "cid=")
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("boom")
	err := New(KindWriteFailed, "disk.put", "bxyz", cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestIsMatchesByKind(t *testing.T) {
	err := New(KindNotFound, "cache.get", "bxyz", nil)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestKindOfExtractsKind(t *testing.T) {
	err := New(KindIntegrityMismatch, "replication.verify", "bxyz", nil)
	assert.Equal(t, KindIntegrityMismatch, KindOf(err))
}

func TestKindOfOnPlainErrorIsUnknown(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("not ours")))
}
