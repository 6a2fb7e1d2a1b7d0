package vault

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func aesKey(seed byte) string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

// withEncryptor initializes DefaultEncryptor for the duration of the test
// and guarantees it's torn down afterward so one test's key material never
// leaks into the next.
func withEncryptor(t *testing.T, primaryB64 string, retiredB64 ...string) {
	t.Helper()
	require.NoError(t, Init(primaryB64, retiredB64...))
	t.Cleanup(func() { DefaultEncryptor = nil })
}

func TestInitConfiguresDefaultEncryptor(t *testing.T) {
	cases := []struct {
		name      string
		primary   string
		retired   []string
		wantErr   string
		wantOld   int
		wantNoEnc bool
	}{
		{name: "valid primary key only", primary: aesKey(0)},
		{name: "empty primary key disables encryption", primary: "", wantNoEnc: true},
		{name: "malformed base64", primary: "not-valid-base64!!!", wantErr: "not valid base64"},
		{name: "wrong key length", primary: base64.StdEncoding.EncodeToString([]byte("tooshort")), wantErr: "32 bytes"},
		{name: "primary plus one retired key", primary: aesKey(0), retired: []string{aesKey(50)}, wantOld: 1},
		{name: "malformed retired key", primary: aesKey(0), retired: []string{"bad-base64!!!"}, wantErr: "retired encryption key"},
		{name: "blank retired key entries are skipped", primary: aesKey(0), retired: []string{"", aesKey(50)}, wantOld: 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			defer func() { DefaultEncryptor = nil }()
			err := Init(tc.primary, tc.retired...)

			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			if tc.wantNoEnc {
				assert.False(t, Enabled())
				return
			}
			assert.True(t, Enabled())
			assert.Len(t, DefaultEncryptor.oldKeys, tc.wantOld)
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	withEncryptor(t, aesKey(0))

	values := []string{
		"my-secret-key",
		"secret-key-123",
		"a very long secret that contains special characters: !@#$%^&*()",
		`{"nested": "value"}`,
	}

	for _, plaintext := range values {
		t.Run(plaintext, func(t *testing.T) {
			envelope, err := DefaultEncryptor.Encrypt(plaintext)
			require.NoError(t, err)
			assert.True(t, IsEncrypted(envelope))
			assert.NotEqual(t, plaintext, envelope)
			assert.True(t, strings.HasPrefix(envelope, envelopeV1Prefix))

			opened, err := DefaultEncryptor.Decrypt(envelope)
			require.NoError(t, err)
			assert.Equal(t, plaintext, opened)
		})
	}
}

func TestEncryptIsNondeterministic(t *testing.T) {
	withEncryptor(t, aesKey(0))

	first, err := DefaultEncryptor.Encrypt("same-value")
	require.NoError(t, err)
	second, err := DefaultEncryptor.Encrypt("same-value")
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "nonce must differ between calls")

	openedFirst, err := DefaultEncryptor.Decrypt(first)
	require.NoError(t, err)
	openedSecond, err := DefaultEncryptor.Decrypt(second)
	require.NoError(t, err)
	assert.Equal(t, openedFirst, openedSecond)
}

func TestDecryptAcceptsBareLegacyPrefix(t *testing.T) {
	withEncryptor(t, aesKey(0))

	envelope, err := DefaultEncryptor.Encrypt("old-secret")
	require.NoError(t, err)
	legacy := strings.Replace(envelope, envelopeV1Prefix, envelopePrefix, 1)

	opened, err := DefaultEncryptor.Decrypt(legacy)
	require.NoError(t, err)
	assert.Equal(t, "old-secret", opened)
}

func TestDecryptFallsBackToRetiredKeyAfterRotation(t *testing.T) {
	withEncryptor(t, aesKey(0))
	sealedUnderOldKey, err := DefaultEncryptor.Encrypt("rotated-secret")
	require.NoError(t, err)

	require.NoError(t, Init(aesKey(50), aesKey(0)))
	defer func() { DefaultEncryptor = nil }()

	opened, err := DefaultEncryptor.Decrypt(sealedUnderOldKey)
	require.NoError(t, err)
	assert.Equal(t, "rotated-secret", opened)
}

func TestDecryptFailsWhenRetiringKeyWasDiscarded(t *testing.T) {
	withEncryptor(t, aesKey(0))
	sealed, err := DefaultEncryptor.Encrypt("lost-secret")
	require.NoError(t, err)

	require.NoError(t, Init(aesKey(50))) // no retired keys configured
	defer func() { DefaultEncryptor = nil }()

	_, err = DefaultEncryptor.Decrypt(sealed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not open")
}

func TestDecryptRejectsEnvelopeSealedUnderAnUnrelatedKey(t *testing.T) {
	withEncryptor(t, aesKey(0))
	envelope, err := DefaultEncryptor.Encrypt("secret")
	require.NoError(t, err)

	unrelatedKey := make([]byte, 32)
	for i := range unrelatedKey {
		unrelatedKey[i] = byte(200 + i)
	}
	stranger := &Encryptor{primaryKey: unrelatedKey}
	_, err = stranger.Decrypt(envelope)
	assert.Error(t, err)
}

func TestDecryptRejectsMalformedEnvelopes(t *testing.T) {
	withEncryptor(t, aesKey(0))

	cases := []struct {
		name    string
		value   string
		wantErr string
	}{
		{"no envelope prefix at all", "plain-value", "not an encrypted envelope"},
		{"prefix but invalid base64", envelopePrefix + "not-valid-base64!!!", ""},
		{"valid base64 but shorter than a nonce", envelopePrefix + base64.StdEncoding.EncodeToString([]byte("short")), ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DefaultEncryptor.Decrypt(tc.value)
			require.Error(t, err)
			if tc.wantErr != "" {
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestIsEncrypted(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"$edge_enc$abc123", true},
		{"$edge_enc$v1$abc123", true},
		{"enc:something", false},
		{"plaintext", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsEncrypted(tc.value), tc.value)
	}
}
