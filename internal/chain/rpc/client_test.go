package rpc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketkeeper/internal/chain"
	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

func rpcServer(t *testing.T, handle func(method string, params []json.RawMessage) (status int, body string)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.Unmarshal(raw, &req))
		status, body := handle(req.Method, req.Params)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestGetAccountInfoMissing(t *testing.T) {
	c := rpcServer(t, func(method string, _ []json.RawMessage) (int, string) {
		assert.Equal(t, "getAccountInfo", method)
		return 200, `{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":1},"value":null}}`
	})
	info, err := c.GetAccountInfo(context.Background(), chain.SystemProgramID)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestGetMultipleAccounts(t *testing.T) {
	c := rpcServer(t, func(method string, _ []json.RawMessage) (int, string) {
		return 200, `{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":1},"value":[null,{"lamports":5,"owner":"x","data":["AQI=","base64"]}]}}`
	})
	infos, err := c.GetMultipleAccounts(context.Background(), []chain.PublicKey{chain.SystemProgramID, chain.TokenProgramID})
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Nil(t, infos[0])
	assert.Equal(t, []byte{1, 2}, infos[1].Data)
}

func TestSendTransactionPreflightLogs(t *testing.T) {
	c := rpcServer(t, func(string, []json.RawMessage) (int, string) {
		return 200, `{"jsonrpc":"2.0","id":1,"error":{"code":-32002,"message":"Transaction simulation failed","data":{"logs":["Program log: AnchorError occurred. Error Code: MarketAlreadyResolved."]}}}`
	})
	_, err := c.SendTransaction(context.Background(), []byte{1}, false)
	require.Error(t, err)
	var rpcErr *Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32002, rpcErr.Code)
	require.Len(t, rpcErr.Logs(), 1)
	assert.True(t, strings.Contains(rpcErr.Logs()[0], "MarketAlreadyResolved"))
}

func TestRateLimitedIsTransient(t *testing.T) {
	c := rpcServer(t, func(string, []json.RawMessage) (int, string) {
		return http.StatusTooManyRequests, "slow down"
	})
	_, _, err := c.GetLatestBlockhash(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestSignatureStatus(t *testing.T) {
	c := rpcServer(t, func(string, []json.RawMessage) (int, string) {
		return 200, `{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":1},"value":[{"slot":9,"confirmations":null,"err":{"InstructionError":[1,{"Custom":6008}]},"confirmationStatus":"confirmed"},null]}}`
	})
	st, err := c.GetSignatureStatuses(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, st, 2)
	assert.True(t, st[0].Failed())
	assert.True(t, st[0].Confirmed())
	assert.Nil(t, st[1])
}
