package localbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleitzeit-dev/gleitzeit/transport"
)

func TestDialAndAcceptPairUp(t *testing.T) {
	bus := New(4)
	ctx := context.Background()

	providerSide, err := bus.Dial(ctx)
	require.NoError(t, err)

	engineSide, err := bus.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, providerSide.Send(ctx, transport.Envelope{
		Kind: transport.KindRegisterProvider, ProviderID: "prov1",
	}))

	env, err := engineSide.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, transport.KindRegisterProvider, env.Kind)
	assert.Equal(t, "prov1", env.ProviderID)
	assert.Equal(t, "prov1", engineSide.ProviderID(), "ProviderID must be captured from a register envelope observed on Recv")
}

func TestRoundTripRequestResponse(t *testing.T) {
	bus := New(4)
	ctx := context.Background()

	providerSide, err := bus.Dial(ctx)
	require.NoError(t, err)
	engineSide, err := bus.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, engineSide.Send(ctx, transport.Envelope{
		Kind: transport.KindRequest, CorrelationID: "c1", Method: "chat",
	}))
	req, err := providerSide.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c1", req.CorrelationID)

	require.NoError(t, providerSide.Send(ctx, transport.Envelope{
		Kind: transport.KindResponse, CorrelationID: "c1",
	}))
	resp, err := engineSide.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, transport.KindResponse, resp.Kind)
	assert.Equal(t, "c1", resp.CorrelationID)
}

func TestCloseUnblocksRecv(t *testing.T) {
	bus := New(4)
	ctx := context.Background()

	providerSide, err := bus.Dial(ctx)
	require.NoError(t, err)
	engineSide, err := bus.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, providerSide.Close())

	_, err = engineSide.Recv(ctx)
	assert.Error(t, err)
}

func TestDialRespectsContextCancellation(t *testing.T) {
	bus := New(0)
	// Fill the pending backlog so a further Dial would block, then cancel
	// immediately to confirm Dial returns ctx.Err() rather than hanging.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	for i := 0; i < 16; i++ {
		_, err := bus.Dial(context.Background())
		require.NoError(t, err)
	}
	_, err := bus.Dial(ctx)
	assert.Error(t, err)
}

func TestAcceptAfterCloseErrors(t *testing.T) {
	bus := New(4)
	require.NoError(t, bus.Close())

	_, err := bus.Accept(context.Background())
	assert.Error(t, err)
}
