package resend

import (
	"testing"

	"github.com/i5heu/ouroboros-privacy/pkg/encryption"
	"github.com/i5heu/ouroboros-privacy/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestResendRequest(t *testing.T) {
	all := ResendRequest{Type: All, PublicKey: encryption.PublicKey{7}}
	var got ResendRequest
	require.NoError(t, got.Unmarshal(all.Marshal()))
	assert.Equal(t, all, got)

	individual := ResendRequest{Type: Individual, PublicKey: encryption.PublicKey{7}, Key: model.NewMessageHash([]byte("tx"))}
	require.NoError(t, got.Unmarshal(individual.Marshal()))
	assert.Equal(t, individual, got)
	assert.Equal(t, "INDIVIDUAL", got.Type.String())
}

func TestIndividualRequestNeedsKey(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(Individual))

	var got ResendRequest
	assert.ErrorIs(t, got.Unmarshal(b), ErrInvalidMessage)
}

func TestBatchMessages(t *testing.T) {
	req := ResendBatchRequest{PublicKey: encryption.PublicKey{1, 2, 3}, BatchSize: 500}
	var gotReq ResendBatchRequest
	require.NoError(t, gotReq.Unmarshal(req.Marshal()))
	assert.Equal(t, req, gotReq)

	resp := ResendBatchResponse{Total: 12345}
	var gotResp ResendBatchResponse
	require.NoError(t, gotResp.Unmarshal(resp.Marshal()))
	assert.Equal(t, resp, gotResp)

	push := PushBatchRequest{Payloads: [][]byte{[]byte("a"), []byte("bc"), {}}}
	var gotPush PushBatchRequest
	require.NoError(t, gotPush.Unmarshal(push.Marshal()))
	require.Len(t, gotPush.Payloads, 3)
	assert.Equal(t, []byte("bc"), gotPush.Payloads[1])
	assert.Empty(t, gotPush.Payloads[2])
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	b := ResendBatchResponse{Total: 9}.Marshal()
	b = protowire.AppendTag(b, 15, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))

	var got ResendBatchResponse
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, uint64(9), got.Total)
}

func TestMalformedInput(t *testing.T) {
	var req ResendBatchRequest
	assert.ErrorIs(t, req.Unmarshal([]byte{0x0a, 0x05, 0x01}), ErrInvalidMessage)

	wrongKey := protowire.AppendBytes(protowire.AppendTag(nil, 1, protowire.BytesType), []byte{1, 2})
	assert.ErrorIs(t, req.Unmarshal(wrongKey), ErrInvalidMessage)
}
