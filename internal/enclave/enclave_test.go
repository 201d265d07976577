package enclave

import (
	"testing"

	naclimpl "github.com/i5heu/ouroboros-privacy/internal/encryption"
	"github.com/i5heu/ouroboros-privacy/internal/keymanager"
	"github.com/i5heu/ouroboros-privacy/pkg/encryption"
	"github.com/i5heu/ouroboros-privacy/pkg/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type node struct {
	pairs   []encryption.KeyPair
	enclave *Enclave
}

func newNode(t testing.TB, nacl *naclimpl.NaclEncryptor, pairs ...encryption.KeyPair) node {
	t.Helper()
	km, err := keymanager.New(pairs, nil)
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return node{pairs: pairs, enclave: New(nacl, km, logger)}
}

func genPair(t testing.TB, nacl *naclimpl.NaclEncryptor) encryption.KeyPair {
	t.Helper()
	kp, err := nacl.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func ptr(k encryption.PublicKey) *encryption.PublicKey { return &k }

func TestEnvelopeRoundTrip(t *testing.T) {
	nacl := naclimpl.NewNaclEncryptor()
	sender := newNode(t, nacl, genPair(t, nacl))
	recipient := newNode(t, nacl, genPair(t, nacl))
	sPub := sender.pairs[0].Public
	rPub := recipient.pairs[0].Public

	rapid.Check(t, func(rt *rapid.T) {
		msg := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(rt, "message")

		p, err := sender.enclave.EncryptPayload(msg, sPub, []encryption.PublicKey{rPub}, model.PrivacyMetadata{})
		if err != nil {
			rt.Fatal(err)
		}
		if len(p.RecipientBoxes[0]) != encryption.KeySize+encryption.Overhead {
			rt.Fatalf("box length %d", len(p.RecipientBoxes[0]))
		}

		got, err := recipient.enclave.UnencryptTransaction(p, ptr(rPub))
		if err != nil {
			rt.Fatal(err)
		}
		assert.Equal(rt, msg, got)
	})
}

func TestFooScenario(t *testing.T) {
	nacl := naclimpl.NewNaclEncryptor()
	a := newNode(t, nacl, genPair(t, nacl))
	b := newNode(t, nacl, genPair(t, nacl))
	aPub, bPub := a.pairs[0].Public, b.pairs[0].Public

	p, err := a.enclave.EncryptPayload([]byte("foo"), aPub, []encryption.PublicKey{aPub, bPub}, model.PrivacyMetadata{})
	require.NoError(t, err)
	require.Len(t, p.RecipientBoxes, 2)

	forB, err := p.ForRecipient(bPub)
	require.NoError(t, err)

	got, err := b.enclave.UnencryptTransaction(forB, ptr(bPub))
	require.NoError(t, err)
	assert.Equal(t, []byte("foo"), got)

	// nil key probes every local key
	got, err = b.enclave.UnencryptTransaction(forB, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("foo"), got)

	// sender reads its own copy
	got, err = a.enclave.UnencryptTransaction(p, ptr(aPub))
	require.NoError(t, err)
	assert.Equal(t, []byte("foo"), got)

	// a key that is not a recipient does not fall back to another box
	_, err = a.enclave.UnencryptTransaction(p, ptr(encryption.PublicKey{7}))
	assert.ErrorIs(t, err, ErrWrongKey)
	_, err = a.enclave.UnencryptTransaction(forB, ptr(aPub))
	assert.ErrorIs(t, err, ErrWrongKey)
	assert.Equal(t, model.NewMessageHash(p.CipherText), forB.Hash())
}

func TestUnencryptWithWrongKey(t *testing.T) {
	nacl := naclimpl.NewNaclEncryptor()
	a := newNode(t, nacl, genPair(t, nacl))
	b := newNode(t, nacl, genPair(t, nacl))
	c := newNode(t, nacl, genPair(t, nacl))

	p, err := a.enclave.EncryptPayload([]byte("secret"), a.pairs[0].Public, []encryption.PublicKey{b.pairs[0].Public}, model.PrivacyMetadata{})
	require.NoError(t, err)

	_, err = c.enclave.UnencryptTransaction(p, ptr(c.pairs[0].Public))
	assert.ErrorIs(t, err, ErrWrongKey)
	assert.ErrorIs(t, err, encryption.ErrDecryption)

	_, err = c.enclave.UnencryptTransaction(p, nil)
	assert.ErrorIs(t, err, ErrWrongKey)

	_, err = c.enclave.UnencryptTransaction(p, ptr(b.pairs[0].Public))
	assert.ErrorIs(t, err, keymanager.ErrKeyNotFound)

	p.RecipientBoxes = nil
	_, err = b.enclave.UnencryptTransaction(p, nil)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestCreateNewRecipientBoxPreservesContent(t *testing.T) {
	nacl := naclimpl.NewNaclEncryptor()
	a := newNode(t, nacl, genPair(t, nacl))
	b := newNode(t, nacl, genPair(t, nacl))
	c := newNode(t, nacl, genPair(t, nacl))
	aPub, bPub, cPub := a.pairs[0].Public, b.pairs[0].Public, c.pairs[0].Public

	rapid.Check(t, func(rt *rapid.T) {
		msg := rapid.SliceOfN(rapid.Byte(), 1, 256).Draw(rt, "message")

		p, err := a.enclave.EncryptPayload(msg, aPub, []encryption.PublicKey{bPub}, model.PrivacyMetadata{})
		if err != nil {
			rt.Fatal(err)
		}
		hash := p.Hash()

		box, err := a.enclave.CreateNewRecipientBox(p, cPub)
		if err != nil {
			rt.Fatal(err)
		}
		p.RecipientKeys = append(p.RecipientKeys, cPub)
		p.RecipientBoxes = append(p.RecipientBoxes, box)

		forC, err := p.ForRecipient(cPub)
		if err != nil {
			rt.Fatal(err)
		}
		fromC, err := c.enclave.UnencryptTransaction(forC, ptr(cPub))
		if err != nil {
			rt.Fatal(err)
		}
		fromB, err := b.enclave.UnencryptTransaction(p, ptr(bPub))
		if err != nil {
			rt.Fatal(err)
		}
		assert.Equal(rt, msg, fromC)
		assert.Equal(rt, fromB, fromC)
		assert.Equal(rt, hash, p.Hash())
	})
}

func TestCreateNewRecipientBoxNeedsBoxes(t *testing.T) {
	nacl := naclimpl.NewNaclEncryptor()
	a := newNode(t, nacl, genPair(t, nacl))

	_, err := a.enclave.CreateNewRecipientBox(model.EncodedPayload{SenderKey: a.pairs[0].Public}, a.pairs[0].Public)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestRawPayload(t *testing.T) {
	nacl := naclimpl.NewNaclEncryptor()
	a := newNode(t, nacl, genPair(t, nacl))
	b := newNode(t, nacl, genPair(t, nacl))
	aPub, bPub := a.pairs[0].Public, b.pairs[0].Public

	raw, err := a.enclave.EncryptRawPayload([]byte("raw"), aPub)
	require.NoError(t, err)

	plain, err := a.enclave.UnencryptRawPayload(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), plain)

	p, err := a.enclave.EncryptPayloadFromRaw(raw, []encryption.PublicKey{bPub}, model.PrivacyMetadata{})
	require.NoError(t, err)
	assert.Equal(t, raw.EncryptedPayload, p.CipherText)

	got, err := b.enclave.UnencryptTransaction(p, ptr(bPub))
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), got)
}

func TestFindRecipientKeyProbesLocalKeys(t *testing.T) {
	nacl := naclimpl.NewNaclEncryptor()
	a := newNode(t, nacl, genPair(t, nacl))
	b := newNode(t, nacl, genPair(t, nacl), genPair(t, nacl), genPair(t, nacl))
	target := b.pairs[2].Public

	p, err := a.enclave.EncryptPayload([]byte("x"), a.pairs[0].Public, []encryption.PublicKey{target}, model.PrivacyMetadata{})
	require.NoError(t, err)
	forB, err := p.ForRecipient(target)
	require.NoError(t, err)
	forB.RecipientKeys = nil

	found, err := b.enclave.FindRecipientKey(forB)
	require.NoError(t, err)
	assert.Equal(t, target, found)

	_, err = a.enclave.FindRecipientKey(model.EncodedPayload{})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestSecurityHashes(t *testing.T) {
	nacl := naclimpl.NewNaclEncryptor()
	a := newNode(t, nacl, genPair(t, nacl))
	b := newNode(t, nacl, genPair(t, nacl))
	aPub, bPub := a.pairs[0].Public, b.pairs[0].Public
	recipients := []encryption.PublicKey{aPub, bPub}

	affected, err := a.enclave.EncryptPayload([]byte("contract"), aPub, recipients, model.PrivacyMetadata{PrivacyMode: model.PrivateStateValidation})
	require.NoError(t, err)

	meta := model.PrivacyMetadata{
		PrivacyMode:          model.PrivateStateValidation,
		AffectedTransactions: []model.AffectedTransaction{{Hash: affected.Hash(), Payload: affected}},
		ExecHash:             []byte("exec"),
	}
	p, err := a.enclave.EncryptPayload([]byte("call"), aPub, recipients, meta)
	require.NoError(t, err)
	require.Len(t, p.AffectedContractTransactions, 1)
	assert.Len(t, p.AffectedContractTransactions[affected.Hash()], 64)

	// b only holds its own box of the affected transaction
	affectedForB, err := affected.ForRecipient(bPub)
	require.NoError(t, err)
	stored := map[model.MessageHash]model.EncodedPayload{affected.Hash(): affectedForB}
	assert.Empty(t, b.enclave.FindInvalidSecurityHashes(p, stored))

	tampered := p.Clone()
	tampered.AffectedContractTransactions[affected.Hash()][0] ^= 0xff
	assert.Equal(t, []model.MessageHash{affected.Hash()}, b.enclave.FindInvalidSecurityHashes(tampered, stored))

	assert.Equal(t, []model.MessageHash{affected.Hash()}, b.enclave.FindInvalidSecurityHashes(p, nil))
}
