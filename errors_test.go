package krot

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKrotError(t *testing.T) {
	t.Run("Should match wrapped errors by code", func(t *testing.T) {
		err := fmt.Errorf("%w: %w", ErrInvalidSettings, ErrInvalidPolicy.Wrap(errors.New("bad")))

		assert.ErrorIs(t, err, ErrInvalidSettings)
		assert.ErrorIs(t, err, ErrInvalidPolicy)
		assert.NotErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("Should only report key generation as fatal", func(t *testing.T) {
		assert.True(t, IsFatal(ErrKeyGeneration.Wrap(errors.New("no rsa"))))
		assert.True(t, IsFatal(fmt.Errorf("startup: %w", ErrKeyGeneration)))
		assert.False(t, IsFatal(ErrInvalidPolicy))
		assert.False(t, IsFatal(errors.New("plain")))
		assert.False(t, IsFatal(nil))
	})

	t.Run("Should not rewrap an error that already has a cause", func(t *testing.T) {
		first := ErrKeyGeneration.Wrap(errors.New("first"))
		second := first.(KrotError).Wrap(errors.New("second"))

		assert.Equal(t, "key generation failed: first", second.Error())
		assert.Equal(t, "key generation failed", ErrKeyGeneration.Error())
	})

	t.Run("Should round trip through JSON", func(t *testing.T) {
		original := ErrKeyGeneration.Wrap(errors.New("no rsa"))

		data, err := json.Marshal(original)
		require.NoError(t, err)
		assert.JSONEq(t, `{"code":202,"kind":"fatal","message":"key generation failed","cause":"no rsa"}`, string(data))

		decoded := &krotError{}
		require.NoError(t, json.Unmarshal(data, decoded))

		assert.Equal(t, ErrCodeKeyGeneration, decoded.Code())
		assert.Equal(t, KindFatal, decoded.Kind())
		assert.Equal(t, original.Error(), decoded.Error())
		assert.ErrorIs(t, decoded, ErrKeyGeneration)
	})

	t.Run("Should marshal nested causes", func(t *testing.T) {
		err := ErrInvalidSettings.Wrap(ErrInvalidPolicy)

		data, marshalErr := json.Marshal(err)
		require.NoError(t, marshalErr)
		assert.JSONEq(t, `{
			"code": 1,
			"kind": "recoverable",
			"message": "invalid settings",
			"cause": {"code": 100, "kind": "recoverable", "message": "invalid rotation policy"}
		}`, string(data))
	})
}
