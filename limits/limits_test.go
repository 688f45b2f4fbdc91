package limits

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidatePayload(t *testing.T) {
	assert.ErrorIs(t, ValidatePayload(nil), ErrPayloadEmpty)
	assert.ErrorIs(t, ValidatePayload([]byte{}), ErrPayloadEmpty)
	assert.NoError(t, ValidatePayload([]byte("hello")))
	assert.NoError(t, ValidatePayload(bytes.Repeat([]byte{1}, MaxPayloadSize)))
	assert.ErrorIs(t, ValidatePayload(bytes.Repeat([]byte{1}, MaxPayloadSize+1)), ErrPayloadTooLarge)
}

func TestTimeoutFor(t *testing.T) {
	assert.Equal(t, 30*time.Second, TimeoutFor(false, false))
	assert.Equal(t, 60*time.Second, TimeoutFor(true, false))

	// Favorites get the long timeout regardless of message class.
	assert.Equal(t, 300*time.Second, TimeoutFor(false, true))
	assert.Equal(t, 300*time.Second, TimeoutFor(true, true))
}

func TestRetryBudgetFor(t *testing.T) {
	assert.Equal(t, 3, RetryBudgetFor(false))
	assert.Equal(t, 5, RetryBudgetFor(true))
}
