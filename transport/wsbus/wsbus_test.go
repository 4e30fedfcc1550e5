package wsbus

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleitzeit-dev/gleitzeit/transport"
)

func TestAcceptReceivesUpgradedConnection(t *testing.T) {
	bus := New(nil, 4)
	srv := httptest.NewServer(bus)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := bus.Accept(ctx)
	require.NoError(t, err)
	require.NotNil(t, conn)
}

func TestRoundTripOverWebSocket(t *testing.T) {
	bus := New(nil, 4)
	srv := httptest.NewServer(bus)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	engineSide, err := bus.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, engineSide.Send(ctx, transport.Envelope{
		Kind: transport.KindRequest, CorrelationID: "c1", Method: "chat",
	}))

	var req transport.Envelope
	require.NoError(t, client.ReadJSON(&req))
	assert.Equal(t, "c1", req.CorrelationID)

	require.NoError(t, client.WriteJSON(transport.Envelope{
		Kind: transport.KindResponse, CorrelationID: "c1",
	}))

	resp, err := engineSide.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, transport.KindResponse, resp.Kind)
	assert.Equal(t, "c1", resp.CorrelationID)
}

func TestProviderIDCapturedFromRegisterEnvelope(t *testing.T) {
	bus := New(nil, 4)
	srv := httptest.NewServer(bus)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteJSON(transport.Envelope{
		Kind: transport.KindRegisterProvider, ProviderID: "prov1", Protocol: "llm/v1",
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	engineSide, err := bus.Accept(ctx)
	require.NoError(t, err)

	env, err := engineSide.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "prov1", env.ProviderID)
	assert.Equal(t, "prov1", engineSide.ProviderID())
}

func TestAcceptAfterCloseErrors(t *testing.T) {
	bus := New(nil, 4)
	require.NoError(t, bus.Close())

	_, err := bus.Accept(context.Background())
	assert.Error(t, err)
}
