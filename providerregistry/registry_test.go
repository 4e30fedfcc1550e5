package providerregistry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleitzeit-dev/gleitzeit/gzerr"
)

func llmProtocol() Protocol {
	return Protocol{ID: "llm/v1", Methods: map[string]MethodSpec{"chat": {Name: "chat"}}}
}

func TestRegisterProviderUnknownProtocol(t *testing.T) {
	r := New()
	_, err := r.RegisterProvider("p1", []MethodKey{{Protocol: "llm/v1", Method: "chat"}}, 0)
	require.Error(t, err)
	assert.Equal(t, gzerr.CodeProtocolNotFound, gzerr.CodeOf(err))
}

func TestRegisterProviderUnknownMethod(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterProtocol(llmProtocol()))
	_, err := r.RegisterProvider("p1", []MethodKey{{Protocol: "llm/v1", Method: "nope"}}, 0)
	require.Error(t, err)
	assert.Equal(t, gzerr.CodeMethodNotSupported, gzerr.CodeOf(err))
}

func TestSelectLeastActiveRequests(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterProtocol(llmProtocol()))
	mk := []MethodKey{{Protocol: "llm/v1", Method: "chat"}}
	s1, err := r.RegisterProvider("p1", mk, 0)
	require.NoError(t, err)
	s2, err := r.RegisterProvider("p2", mk, 0)
	require.NoError(t, err)

	s1.BeginRequest()
	s1.BeginRequest()
	s2.BeginRequest()

	sel, err := r.Select("llm/v1", "chat", nil)
	require.NoError(t, err)
	assert.Equal(t, "p2", sel.ProviderID)
}

func TestSelectNoProvider(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterProtocol(llmProtocol()))
	_, err := r.Select("llm/v1", "chat", nil)
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestCircuitBreakerExcludesUnhealthySession(t *testing.T) {
	r := New(WithBreakerSettings(DefaultBreakerSettings("")))
	require.NoError(t, r.RegisterProtocol(llmProtocol()))
	mk := []MethodKey{{Protocol: "llm/v1", Method: "chat"}}
	sess, err := r.RegisterProvider("p1", mk, 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		r.MarkOutcome(sess, false, time.Millisecond)
	}
	assert.Equal(t, HealthUnhealthy, sess.Health())

	_, err = r.Select("llm/v1", "chat", nil)
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestDeregisterProviderRemovesFromBucket(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterProtocol(llmProtocol()))
	mk := []MethodKey{{Protocol: "llm/v1", Method: "chat"}}
	_, err := r.RegisterProvider("p1", mk, 0)
	require.NoError(t, err)

	r.DeregisterProvider("p1")
	_, err = r.Select("llm/v1", "chat", nil)
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestValidateMethod(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterProtocol(llmProtocol()))
	assert.NoError(t, r.ValidateMethod("llm/v1", "chat"))
	assert.Equal(t, gzerr.CodeMethodNotSupported, gzerr.CodeOf(r.ValidateMethod("llm/v1", "nope")))
	assert.Equal(t, gzerr.CodeProtocolNotFound, gzerr.CodeOf(r.ValidateMethod("missing/v1", "chat")))
}
