package response

import (
	"encoding/json"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

func TestMultiErrorJSON(t *testing.T) {
	me := NewMultiError(ErrDeviceNotWatched("P1234"), ErrUnknownFields([]string{"a", "b"}))
	raw, err := json.Marshal(me)
	require.NoError(t, err)
	assert.JSONEq(t, `{"errors":[
		{"code":10007,"message":"Device P1234 is not watched."},
		{"code":10005,"message":"Unknown telemetry fields: a,b"}
	]}`, string(raw))

	decoded := &MultiError{}
	require.NoError(t, json.Unmarshal(raw, decoded))
	assert.Equal(t, 2, decoded.Len())
	assert.Equal(t, ErrCodeDeviceNotWatched, decoded.Errors()[0].(*responseError).GetCode())
}

func TestIsResponseError(t *testing.T) {
	assert.True(t, IsResponseError(ErrMalformedJSON))
	assert.True(t, IsResponseError(pkgerrors.Wrap(ErrTooManyJsonPatchOperations(10), "patch")))
	assert.False(t, IsResponseError(pkgerrors.New("plain")))
}

func TestWrappedCause(t *testing.T) {
	cause := pkgerrors.New("parsing time")
	err := ErrInvalidTime("yesterday", cause)
	assert.Equal(t, "10006: Invalid time yesterday, RFC3339 expected.", err.Error())
	assert.True(t, pkgerrors.Is(err, cause))
}

func TestFromFieldErrors(t *testing.T) {
	errs := field.ErrorList{field.Required(field.NewPath("id"), "")}
	me := FromFieldErrors(errs)
	require.Equal(t, 1, me.Len())
	assert.Equal(t, ErrCodeInvalidDeviceId, me.Errors()[0].(*responseError).GetCode())
}
