package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewServiceWithKeys(make([]byte, 32), []byte("a-test-sms-master-key"))
	require.NoError(t, err)
	return svc
}

func TestNewServiceWithKeysRejectsBadLength(t *testing.T) {
	_, err := NewServiceWithKeys([]byte("too-short"), nil)
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
}

func TestNewServiceRequiresEncryptionKey(t *testing.T) {
	_, err := NewService("", "")
	assert.ErrorIs(t, err, ErrEncryptionKeyNotSet)
}

func TestEncryptDecryptValueRoundTrip(t *testing.T) {
	svc := testService(t)

	encoded, err := svc.EncryptValue("patient notes: fracture, left leg")
	require.NoError(t, err)
	assert.NotEmpty(t, encoded)

	decoded, err := svc.DecryptValue(encoded)
	require.NoError(t, err)
	assert.Equal(t, "patient notes: fracture, left leg", decoded)
}

func TestDecryptValueRejectsTamperedCiphertext(t *testing.T) {
	svc := testService(t)
	encoded, err := svc.EncryptValue("sensitive")
	require.NoError(t, err)

	tampered := encoded[:len(encoded)-4] + "abcd"
	_, err = svc.DecryptValue(tampered)
	assert.Error(t, err)
}

func TestEncryptDecryptRecordCBCRoundTrip(t *testing.T) {
	svc := testService(t)
	plaintext := []byte("medical history blob payload")

	blob, err := svc.EncryptRecordCBC(plaintext)
	require.NoError(t, err)

	recovered, err := svc.DecryptRecordCBC(blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, recovered)
}

func TestDecryptRecordCBCRejectsShortBlob(t *testing.T) {
	svc := testService(t)
	_, err := svc.DecryptRecordCBC([]byte("short"))
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestSMSEnvelopeRoundTrip(t *testing.T) {
	svc := testService(t)
	patientID := "patient-123"

	envelope, err := svc.EncodeSMSEnvelope(patientID, "trapped at 40.1,-73.2")
	require.NoError(t, err)
	assert.True(t, IsEnvelope(envelope))

	plaintext, err := svc.DecodeSMSEnvelope(patientID, envelope)
	require.NoError(t, err)
	assert.Equal(t, "trapped at 40.1,-73.2", plaintext)
}

func TestSMSEnvelopeWrongPatientFailsToDecode(t *testing.T) {
	svc := testService(t)
	envelope, err := svc.EncodeSMSEnvelope("patient-a", "help")
	require.NoError(t, err)

	_, err = svc.DecodeSMSEnvelope("patient-b", envelope)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecodeSMSEnvelopeRejectsMissingPrefix(t *testing.T) {
	svc := testService(t)
	_, err := svc.DecodeSMSEnvelope("patient-a", "plain text message")
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestIsEnvelope(t *testing.T) {
	assert.True(t, IsEnvelope("TMT:v1:abcd=="))
	assert.False(t, IsEnvelope("help, I'm trapped"))
	assert.False(t, IsEnvelope("TMT:v1:"))
}

func TestGenerateRandomKey(t *testing.T) {
	key1, err := GenerateRandomKey()
	require.NoError(t, err)
	key2, err := GenerateRandomKey()
	require.NoError(t, err)
	assert.NotEmpty(t, key1)
	assert.NotEqual(t, key1, key2)
}
