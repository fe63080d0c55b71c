package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type customErr struct {
	Msg  string
	Code int
	Self *customErr
}

func (e *customErr) Error() string { return e.Msg }

func TestSerialize_CapturesFieldsAndBreaksCircularRefs(t *testing.T) {
	e := &customErr{Msg: "boom", Code: 7}
	e.Self = e // circular

	se := Serialize(e)
	require.Equal(t, "boom", se.Message)
	require.Equal(t, "customErr", se.Name)
	require.NotNil(t, se.Extra)
	require.Equal(t, int64(7), toInt64(se.Extra["Code"]))

	circular, ok := se.Extra["Self"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, circular["_circular"])
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	default:
		return -1
	}
}

func TestDeserialize_RoundTripsNameAndMessage(t *testing.T) {
	se := &SerializedError{Name: "RangeError", Message: "out of range"}
	err := Deserialize(se)
	require.EqualError(t, err, "RangeError: out of range")

	name, ok := NameOf(err)
	require.True(t, ok)
	require.Equal(t, "RangeError", name)
}

func TestDecodeResponse_AcceptsLegacyUntaggedShape(t *testing.T) {
	legacy := []byte(`{"id":3,"method":"add","result":7}`)
	r, err := DecodeResponse(legacy)
	require.NoError(t, err)
	require.Equal(t, TypeSuccess, r.Type)
	require.EqualValues(t, 3, r.ID)
}

func TestDecodeResponse_LegacyErrorShape(t *testing.T) {
	legacy := []byte(`{"id":4,"error":{"name":"Error","message":"bad"}}`)
	r, err := DecodeResponse(legacy)
	require.NoError(t, err)
	require.Equal(t, TypeError, r.Type)
	require.Equal(t, "bad", r.Error.Message)
}

func TestErrors_Is_ThroughDeserializedError(t *testing.T) {
	err := Deserialize(&SerializedError{Name: "Error", Message: "x"})
	require.False(t, errors.Is(err, errors.New("x"))) // distinct instances never equal
}
