package errors

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnchorError(t *testing.T) {
	t.Run("message includes code", func(t *testing.T) {
		err := New(CodeReverted, "execution reverted")
		assert.Contains(t, err.Error(), "REVERTED")
		assert.Contains(t, err.Error(), "execution reverted")
	})

	t.Run("cause is unwrapped", func(t *testing.T) {
		cause := stderrors.New("socket closed")
		err := New(CodeRpcTransient, "broadcast failed").WithCause(cause)
		assert.True(t, Is(err, cause))
		assert.Contains(t, err.Error(), "socket closed")
	})

	t.Run("context survives wrapping", func(t *testing.T) {
		inner := New(CodeUnconfirmed, "no receipt").WithContext("tx_hash", "0xabc")
		wrapped := Wrap(inner, "awaiting confirmation")

		var ae *AnchorError
		require.True(t, As(wrapped, &ae))
		assert.Equal(t, "0xabc", ae.Context["tx_hash"])
	})
}

func TestCodeClassification(t *testing.T) {
	retryable := []Code{CodeRpcTransient, CodeUnconfirmed}
	permanent := []Code{CodeBadCanonicalization, CodeReverted, CodeEventMissing, CodeConfiguration}
	neither := []Code{CodeNotFound, CodeConcurrentAnchor, CodeReorganized, CodeInternal}

	for _, code := range retryable {
		err := New(code, "x")
		assert.True(t, err.IsRetryable(), "%s must be retryable", code)
		assert.False(t, err.Permanent(), "%s must not be permanent", code)
	}
	for _, code := range permanent {
		err := New(code, "x")
		assert.False(t, err.IsRetryable(), "%s must not be retryable", code)
		assert.True(t, err.Permanent(), "%s must be permanent", code)
	}
	for _, code := range neither {
		err := New(code, "x")
		assert.False(t, err.IsRetryable())
		assert.False(t, err.Permanent())
	}
}

func TestHasCodeAndCodeOf(t *testing.T) {
	err := Wrap(New(CodeConcurrentAnchor, "in flight"), "submit")

	assert.True(t, HasCode(err, CodeConcurrentAnchor))
	assert.False(t, HasCode(err, CodeNotFound))
	assert.Equal(t, CodeConcurrentAnchor, CodeOf(err))

	assert.Equal(t, CodeInternal, CodeOf(stderrors.New("plain")))
	assert.False(t, HasCode(stderrors.New("plain"), CodeInternal))
}

func TestIsRetryable_ForeignErrors(t *testing.T) {
	assert.True(t, IsRetryable(stderrors.New("dial tcp: connection refused")))
	assert.True(t, IsRetryable(stderrors.New("429 Too Many Requests")))
	assert.True(t, IsRetryable(stderrors.New("context deadline exceeded (timeout)")))
	assert.False(t, IsRetryable(stderrors.New("invalid argument")))
	assert.False(t, IsRetryable(nil))
}

func TestClassifyRPC(t *testing.T) {
	t.Run("transient", func(t *testing.T) {
		ae := ClassifyRPC(stderrors.New("connection reset by peer"), "broadcast failed")
		assert.Equal(t, CodeRpcTransient, ae.Code)
	})

	t.Run("unknown", func(t *testing.T) {
		ae := ClassifyRPC(stderrors.New("invalid opcode"), "call failed")
		assert.Equal(t, CodeInternal, ae.Code)
	})

	t.Run("existing anchor error passes through", func(t *testing.T) {
		orig := New(CodeReverted, "reverted")
		assert.Equal(t, orig, ClassifyRPC(orig, "ignored"))
	})

	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, ClassifyRPC(nil, "x"))
	})
}

func TestRetry(t *testing.T) {
	fastConfig := &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), fastConfig, func() error {
			attempts++
			if attempts < 3 {
				return New(CodeRpcTransient, "flaky")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), fastConfig, func() error {
			attempts++
			return New(CodeReverted, "nope")
		})
		require.Error(t, err)
		assert.Equal(t, 1, attempts)
		assert.True(t, HasCode(err, CodeReverted))
	})

	t.Run("budget exhaustion", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), fastConfig, func() error {
			attempts++
			return New(CodeRpcTransient, "always down")
		})
		require.Error(t, err)
		assert.Equal(t, 3, attempts)
		assert.Contains(t, err.Error(), "giving up after 3 attempts")
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := Retry(ctx, fastConfig, func() error {
			return New(CodeRpcTransient, "x")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("default config", func(t *testing.T) {
		cfg := DefaultRetryConfig()
		assert.Equal(t, 8, cfg.MaxAttempts)
		assert.Equal(t, time.Second, cfg.InitialDelay)
		assert.Equal(t, time.Minute, cfg.MaxDelay)
	})
}
