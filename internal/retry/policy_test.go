package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPolicyDelay(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
}

func TestExponentialCapsAtMax(t *testing.T) {
	p := NewPolicy(BackoffExponential, time.Second, 10*time.Second, 5)
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 10*time.Second, p.Delay(10))
}

func TestFixedDelay(t *testing.T) {
	p := NewPolicy(BackoffFixed, 3*time.Second, time.Minute, 5)
	assert.Equal(t, 3*time.Second, p.Delay(1))
	assert.Equal(t, 3*time.Second, p.Delay(9))
}

func TestDelayZeroForNonPositiveRetryCount(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, time.Duration(0), p.Delay(-1))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{Initial: 0, Max: time.Second}.Validate())
	assert.Error(t, Policy{Initial: time.Second, Max: 0}.Validate())
	assert.Error(t, Policy{Initial: time.Second, Max: time.Second, MaxRetries: -1}.Validate())
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, Retryable(ReasonOutOfMemory))
	assert.True(t, Retryable(ReasonSchedulerDeath))
	assert.False(t, Retryable(ReasonTimeout))
	assert.False(t, Retryable(ReasonCancelled))
	assert.False(t, Retryable(ReasonProcessDeath))
}
