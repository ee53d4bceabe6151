package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	registry = "0x1111111111111111111111111111111111111111"
	holder   = "0xAbCdEf0123456789abcdef0123456789ABCDEF01"
)

// encodeString builds ABI return data for a single string.
func encodeString(s string) string {
	out := make([]byte, 64)
	out[31] = 32
	out[63] = byte(len(s))
	data := []byte(s)
	if pad := len(data) % 32; pad != 0 {
		data = append(data, make([]byte, 32-pad)...)
	}
	return "0x" + hex.EncodeToString(append(out, data...))
}

func TestSelector(t *testing.T) {
	// keccak256("transfer(address,uint256)")[:4], a well-known selector.
	assert.Equal(t, "a9059cbb", hex.EncodeToString(Selector("transfer(address,uint256)")))
}

func TestEncodeAddressCall(t *testing.T) {
	data, err := EncodeAddressCall([]byte{0xde, 0xad, 0xbe, 0xef}, holder)
	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef"+strings.Repeat("0", 24)+strings.ToLower(holder[2:]), data)

	_, err = EncodeAddressCall([]byte{1, 2, 3, 4}, "0xnope")
	assert.Error(t, err)
}

func TestDecodeString(t *testing.T) {
	got, err := DecodeString(encodeString("satoshi"))
	require.NoError(t, err)
	assert.Equal(t, "satoshi", got)

	got, err = DecodeString("0x")
	require.NoError(t, err)
	assert.Equal(t, "", got)

	_, err = DecodeString("0x" + strings.Repeat("ff", 64))
	assert.Error(t, err)
	_, err = DecodeString("0xzz")
	assert.Error(t, err)
}

func newRegistry(t *testing.T, handler http.HandlerFunc) *ProfileRegistry {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	reg, err := NewProfileRegistry(NewClient(srv.URL, 0), registry)
	require.NoError(t, err)
	return reg
}

func TestHasNickname(t *testing.T) {
	reg := newRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req RPCRequest
		if !assert.NoError(t, json.Unmarshal(body, &req)) {
			return
		}
		assert.Equal(t, "eth_call", req.Method)
		assert.Equal(t, "latest", req.Params[1])
		call := req.Params[0].(map[string]interface{})
		assert.Equal(t, registry, call["to"])

		nick := ""
		if strings.HasSuffix(call["data"].(string), strings.ToLower(holder[2:])) {
			nick = "satoshi"
		}
		io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":"`+encodeString(nick)+`"}`)
	})

	ok, err := reg.HasNickname(context.Background(), holder)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.HasNickname(context.Background(), "0x"+strings.Repeat("2", 40))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRPCErrorIsReturned(t *testing.T) {
	reg := newRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"execution reverted"}}`)
	})

	_, err := reg.HasNickname(context.Background(), holder)
	require.Error(t, err)
	var rpcErr *RPCError
	assert.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(-32000), rpcErr.Code)
}

func TestNewProfileRegistryValidatesAddress(t *testing.T) {
	_, err := NewProfileRegistry(NewClient("http://localhost", 0), "registry")
	assert.Error(t, err)
}
