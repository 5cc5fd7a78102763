package tier

import (
	"errors"
	"net/http"
	"testing"

	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
)

// S3Backend itself talks to a concrete *s3.Client with no narrow interface
// seam (unlike RedisBackend or the SQS publisher), so exercising Get/Put
// against a fake wire protocol would mean reimplementing S3's REST surface;
// the pack has no fake-S3 library the way it has miniredis for Redis. What
// is cheaply testable without a live bucket is the 404-classification logic
// that the rest of the backend depends on.
func TestIsNotFoundDetectsS3404(t *testing.T) {
	err := &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 404}},
		Err:      errors.New("NoSuchKey"),
	}
	assert.True(t, isNotFound(err))
}

func TestIsNotFoundIgnoresOtherStatusCodes(t *testing.T) {
	err := &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 500}},
		Err:      errors.New("InternalError"),
	}
	assert.False(t, isNotFound(err))
}

func TestIsNotFoundFalseForUnrelatedErrors(t *testing.T) {
	assert.False(t, isNotFound(errors.New("boom")))
}
