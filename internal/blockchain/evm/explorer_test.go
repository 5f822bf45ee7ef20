package evm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const tokentxResponse = `{
	"status": "1",
	"message": "OK",
	"result": [
		{
			"blockNumber": "100",
			"timeStamp": "1700000000",
			"hash": "0xaaa",
			"from": "0x1111111111111111111111111111111111111111",
			"contractAddress": "0xdac17f958d2ee523a2206206994597c13d831ec7",
			"to": "0x2222222222222222222222222222222222222222",
			"value": "150000000",
			"tokenSymbol": "USDT",
			"tokenDecimal": "6"
		},
		{
			"blockNumber": "101",
			"timeStamp": "1700000100",
			"hash": "0xbbb",
			"from": "0x2222222222222222222222222222222222222222",
			"contractAddress": "0xdac17f958d2ee523a2206206994597c13d831ec7",
			"to": "0x3333333333333333333333333333333333333333",
			"value": "1000000",
			"tokenSymbol": "USDT",
			"tokenDecimal": "6"
		}
	]
}`

func TestExplorerIncomingTransfers(t *testing.T) {
	var gotQuery map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"action":          r.URL.Query().Get("action"),
			"address":         r.URL.Query().Get("address"),
			"contractaddress": r.URL.Query().Get("contractaddress"),
			"apikey":          r.URL.Query().Get("apikey"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(tokentxResponse))
	}))
	defer server.Close()

	explorer := NewExplorer(ExplorerConfig{BaseURL: server.URL, APIKey: "key", RateLimit: 100}, zap.NewNop())

	address := "0x2222222222222222222222222222222222222222"
	transfers, err := explorer.IncomingTransfers(context.Background(), address, "0xdac17f958d2ee523a2206206994597c13d831ec7")
	require.NoError(t, err)

	assert.Equal(t, "tokentx", gotQuery["action"])
	assert.Equal(t, address, gotQuery["address"])
	assert.Equal(t, "key", gotQuery["apikey"])

	// outgoing transfer is filtered out
	require.Len(t, transfers, 1)
	assert.Equal(t, "0xaaa", transfers[0].Hash)
	assert.Equal(t, "150000000", transfers[0].Value.String())
	assert.Equal(t, int32(6), transfers[0].Decimals)
	assert.Equal(t, "USDT", transfers[0].Symbol)
}

func TestParseTokenTransfers(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{"no transactions", `{"status":"0","message":"No transactions found","result":[]}`, 0, false},
		{"rate limited", `{"status":"0","message":"NOTOK","result":"Max rate limit reached"}`, 0, true},
		{"invalid json", `{not json`, 0, true},
		{"bad value", `{"status":"1","result":[{"hash":"0x1","value":"abc"}]}`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTokenTransfers([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestExplorerHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	explorer := NewExplorer(ExplorerConfig{BaseURL: server.URL, RateLimit: 100}, zap.NewNop())
	_, err := explorer.IncomingTransfers(context.Background(), "0x2222222222222222222222222222222222222222", "")
	assert.Error(t, err)
}
