package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/modelgate/types"
)

type fakeNetError struct{ timeout bool }

func (e fakeNetError) Error() string   { return "connection reset" }
func (e fakeNetError) Timeout() bool   { return e.timeout }
func (e fakeNetError) Temporary() bool { return true }

func TestClassifier_DecisionTable(t *testing.T) {
	c := NewErrorClassifier(nil)

	tests := []struct {
		name         string
		err          error
		hasRetryLeft bool
		want         Decision
	}{
		{"admission rejected breaks regardless of retries", types.NewAdmissionRejectedError(1), true, DecisionBreak},
		{"auth failure breaks", types.NewError(types.ErrAuthFailure, "bad key"), true, DecisionBreak},
		{"access denied breaks", types.NewError(types.ErrAccessDenied, "forbidden"), true, DecisionBreak},
		{"rate limited breaks to next candidate", types.NewRateLimitedError("acme", time.Second), true, DecisionBreak},
		{"compatibility breaks", types.NewError(types.ErrCompatibility, "unsupported parameter"), true, DecisionBreak},
		{"client error breaks", types.NewError(types.ErrClientError, "context length"), true, DecisionBreak},
		{"thinking signature breaks", types.NewError(types.ErrThinkingSignature, "invalid signature"), true, DecisionBreak},
		{"http 401 breaks with retries left", types.NewError(types.ErrInternalError, "x").WithHTTPStatus(401), true, DecisionBreak},
		{"http 403 breaks with retries left", types.NewError(types.ErrInternalError, "x").WithHTTPStatus(403), true, DecisionBreak},
		{"http 500 retries while budget left", types.NewUnavailableError("acme", 500), true, DecisionContinue},
		{"http 500 breaks when budget spent", types.NewUnavailableError("acme", 500), false, DecisionBreak},
		{"stream probe retries while budget left", types.NewError(types.ErrStreamProbe, "no first chunk"), true, DecisionContinue},
		{"net error retries while budget left", fakeNetError{timeout: true}, true, DecisionContinue},
		{"net error breaks when budget spent", fakeNetError{timeout: true}, false, DecisionBreak},
		{"deadline exceeded retries while budget left", context.DeadlineExceeded, true, DecisionContinue},
		{"unknown error breaks", errors.New("boom"), true, DecisionBreak},
		{"nil error breaks", nil, true, DecisionBreak},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.err, tt.hasRetryLeft), tt.name)
		})
	}
}

func TestClassifier_ShouldStop(t *testing.T) {
	c := NewErrorClassifier(nil)
	provider := &Provider{
		Code: "acme",
		ErrorStopPatterns: StopRuleList{
			{Pattern: "billing hard limit"},
			{Pattern: "model retired", Statuses: []int{404, 410}},
		},
	}

	// 无状态码限定的规则对任意状态生效
	assert.True(t, c.ShouldStop(provider, 500, "your billing hard limit has been reached"))

	// 限定状态码的规则只在状态匹配时生效
	assert.True(t, c.ShouldStop(provider, 410, "this model retired on 2025-01-01"))
	assert.False(t, c.ShouldStop(provider, 400, "this model retired on 2025-01-01"))

	assert.False(t, c.ShouldStop(provider, 500, "transient upstream error"))
	assert.False(t, c.ShouldStop(nil, 500, "anything"))
}

func TestClassifier_ConvertHTTPError(t *testing.T) {
	c := NewErrorClassifier(nil)

	t.Run("401 auth failure", func(t *testing.T) {
		te := c.ConvertHTTPError("acme", 401, []byte(`{"error":{"message":"invalid api key"}}`), nil)
		assert.Equal(t, types.ErrAuthFailure, te.Code)
		assert.Equal(t, "invalid api key", te.Message)
		assert.Equal(t, 401, te.HTTPStatus)
	})

	t.Run("403 with account phrase is auth failure", func(t *testing.T) {
		te := c.ConvertHTTPError("acme", 403, []byte(`{"error":{"message":"Your account has been suspended"}}`), nil)
		assert.Equal(t, types.ErrAuthFailure, te.Code)
	})

	t.Run("403 without account phrase is access denied", func(t *testing.T) {
		te := c.ConvertHTTPError("acme", 403, []byte(`{"error":{"message":"no access to this model"}}`), nil)
		assert.Equal(t, types.ErrAccessDenied, te.Code)
	})

	t.Run("429 carries retry-after", func(t *testing.T) {
		te := c.ConvertHTTPError("acme", 429, nil, map[string]string{"Retry-After": "30"})
		assert.Equal(t, types.ErrRateLimited, te.Code)
		assert.Equal(t, 30*time.Second, te.RetryAfter)
	})

	t.Run("400 thinking signature wins over client error", func(t *testing.T) {
		te := c.ConvertHTTPError("acme", 400,
			[]byte(`{"error":{"message":"signature verification failed for thinking block in context length check"}}`), nil)
		assert.Equal(t, types.ErrThinkingSignature, te.Code)
	})

	t.Run("400 client error wins over compatibility", func(t *testing.T) {
		te := c.ConvertHTTPError("acme", 400,
			[]byte(`{"error":{"message":"prompt is too long: unsupported parameter combination"}}`), nil)
		assert.Equal(t, types.ErrClientError, te.Code)
	})

	t.Run("400 compatibility", func(t *testing.T) {
		te := c.ConvertHTTPError("acme", 400, []byte(`{"error":{"message":"unsupported parameter: logprobs"}}`), nil)
		assert.Equal(t, types.ErrCompatibility, te.Code)
	})

	t.Run("unclassified 400 is non-retryable unavailable", func(t *testing.T) {
		te := c.ConvertHTTPError("acme", 400, []byte(`{"error":{"message":"malformed request"}}`), nil)
		assert.Equal(t, types.ErrUnavailable, te.Code)
		assert.False(t, te.Retryable)
	})

	t.Run("5xx is retryable unavailable", func(t *testing.T) {
		te := c.ConvertHTTPError("acme", 503, []byte(`upstream overloaded`), nil)
		assert.Equal(t, types.ErrUnavailable, te.Code)
		assert.Equal(t, 503, te.HTTPStatus)
	})
}

func TestClassifier_ExtractErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"nested error object", `{"error":{"message":"rate limited","type":"rate_limit_error"}}`, "rate limited"},
		{"bare string error", `{"error":"something broke"}`, "something broke"},
		{"errorMessage field", `{"errorMessage":"lambda timed out"}`, "lambda timed out"},
		{"aws type with message", `{"__type":"ValidationException","message":"too many tokens"}`, "ValidationException: too many tokens"},
		{"aws type with reason", `{"__type":"ThrottlingException","reason":"rate exceeded"}`, "ThrottlingException: rate exceeded"},
		{"aws type alone", `{"__type":"AccessDeniedException"}`, "AccessDeniedException"},
		{"top-level message", `{"message":"service unavailable"}`, "service unavailable"},
		{"non-json passthrough", `<html>502 Bad Gateway</html>`, `<html>502 Bad Gateway</html>`},
		{"empty body", ``, ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractErrorMessage([]byte(tt.body)))
		})
	}
}

func TestClassifier_ParseRetryAfter(t *testing.T) {
	assert.Equal(t, 15*time.Second, parseRetryAfter(map[string]string{"retry-after": "15"}))
	assert.Equal(t, 15*time.Second, parseRetryAfter(map[string]string{"Retry-After": " 15 "}))
	assert.Equal(t, time.Duration(0), parseRetryAfter(map[string]string{"Retry-After": "Wed, 21 Oct 2026 07:28:00 GMT"}))
	assert.Equal(t, time.Duration(0), parseRetryAfter(nil))
}

func TestClassifier_StopRuleListRoundtrip(t *testing.T) {
	rules := StopRuleList{{Pattern: "quota exceeded", Statuses: []int{429}}}
	v, err := rules.Value()
	require.NoError(t, err)

	var decoded StopRuleList
	require.NoError(t, decoded.Scan(v))
	require.Len(t, decoded, 1)
	assert.Equal(t, "quota exceeded", decoded[0].Pattern)
	assert.Equal(t, []int{429}, decoded[0].Statuses)
}
