package codec

import (
	"testing"

	"github.com/i5heu/ouroboros-privacy/pkg/encryption"
	"github.com/i5heu/ouroboros-privacy/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func genKey(t *rapid.T, label string) encryption.PublicKey {
	var k encryption.PublicKey
	copy(k[:], rapid.SliceOfN(rapid.Byte(), encryption.KeySize, encryption.KeySize).Draw(t, label))
	return k
}

func genNonce(t *rapid.T, label string) encryption.Nonce {
	var n encryption.Nonce
	copy(n[:], rapid.SliceOfN(rapid.Byte(), encryption.NonceSize, encryption.NonceSize).Draw(t, label))
	return n
}

func genPayload(t *rapid.T) model.EncodedPayload {
	mode := model.PrivacyMode(rapid.IntRange(0, 3).Draw(t, "mode"))
	p := model.EncodedPayload{
		SenderKey:       genKey(t, "sender"),
		CipherText:      rapid.SliceOfN(rapid.Byte(), 1, 128).Draw(t, "cipherText"),
		CipherTextNonce: genNonce(t, "nonce"),
		RecipientNonce:  genNonce(t, "recipientNonce"),
		PrivacyMode:     mode,
	}

	boxes := rapid.IntRange(1, 4).Draw(t, "boxes")
	for i := 0; i < boxes; i++ {
		p.RecipientBoxes = append(p.RecipientBoxes, rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(t, "box"))
		p.RecipientKeys = append(p.RecipientKeys, genKey(t, "recipient"))
	}

	if mode != model.StandardPrivate {
		n := rapid.IntRange(0, 3).Draw(t, "affected")
		for i := 0; i < n; i++ {
			if p.AffectedContractTransactions == nil {
				p.AffectedContractTransactions = map[model.MessageHash]model.SecurityHash{}
			}
			h := model.NewMessageHash(rapid.SliceOfN(rapid.Byte(), 1, 16).Draw(t, "affectedCipher"))
			p.AffectedContractTransactions[h] = rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(t, "securityHash")
		}
	}
	if mode == model.PrivateStateValidation {
		p.ExecHash = rapid.SliceOfN(rapid.Byte(), 1, 32).Draw(t, "execHash")
	}
	if mode == model.MandatoryRecipients {
		p.MandatoryRecipients = []encryption.PublicKey{genKey(t, "mandatory")}
	}
	return p
}

func TestRoundTrip(t *testing.T) {
	for _, typ := range []Type{TypeLegacy, TypeCBOR} {
		typ := typ
		t.Run(string(typ), func(t *testing.T) {
			c, err := ForType(typ)
			require.NoError(t, err)

			rapid.Check(t, func(rt *rapid.T) {
				p := genPayload(rt)

				data, err := c.Encode(p)
				if err != nil {
					rt.Fatalf("encode: %v", err)
				}
				got, err := c.Decode(data)
				if err != nil {
					rt.Fatalf("decode: %v", err)
				}
				assert.Equal(rt, p, got)
				assert.Equal(rt, p.Hash(), got.Hash())
			})
		})
	}
}

func TestCBOREncodingIsDeterministic(t *testing.T) {
	c := NewCBOR()
	rapid.Check(t, func(rt *rapid.T) {
		p := genPayload(rt)
		a, err := c.Encode(p)
		if err != nil {
			rt.Fatal(err)
		}
		b, err := c.Encode(p.Clone())
		if err != nil {
			rt.Fatal(err)
		}
		assert.Equal(rt, a, b)
	})
}

func TestLegacyDecodesPayloadWithoutRecipientKeys(t *testing.T) {
	var buf []byte
	put := func(field []byte) {
		var n [8]byte
		l := uint64(len(field))
		for i := 7; i >= 0; i-- {
			n[i] = byte(l)
			l >>= 8
		}
		buf = append(buf, n[:]...)
		buf = append(buf, field...)
	}
	sender := make([]byte, encryption.KeySize)
	sender[0] = 7
	nonce := make([]byte, encryption.NonceSize)

	put(sender)
	put([]byte("cipher"))
	put(nonce)
	buf = append(buf, 0, 0, 0, 0, 0, 0, 0, 1)
	put([]byte("box"))
	put(nonce)

	p, err := Legacy{}.Decode(buf)
	require.NoError(t, err)

	assert.Equal(t, byte(7), p.SenderKey[0])
	assert.Equal(t, []byte("cipher"), p.CipherText)
	assert.Equal(t, []model.RecipientBox{[]byte("box")}, p.RecipientBoxes)
	assert.Empty(t, p.RecipientKeys)
	assert.Equal(t, model.StandardPrivate, p.PrivacyMode)
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	p := model.EncodedPayload{
		CipherText:     []byte("cipher"),
		RecipientBoxes: []model.RecipientBox{[]byte("box")},
		RecipientKeys:  []encryption.PublicKey{{1}},
	}
	data, err := Legacy{}.Encode(p)
	require.NoError(t, err)

	for _, cut := range []int{0, 5, 20, 60} {
		_, err := Legacy{}.Decode(data[:cut])
		assert.ErrorIs(t, err, ErrMalformed, "cut at %d", cut)
	}

	_, err = NewCBOR().Decode([]byte{0xa1, 0x01})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLegacyRejectsOversizedLength(t *testing.T) {
	data := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 1, 2, 3}
	_, err := Legacy{}.Decode(data)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestForTypeUnknown(t *testing.T) {
	_, err := ForType("XML")
	assert.Error(t, err)
}
