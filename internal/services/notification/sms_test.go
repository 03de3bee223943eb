package notification

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSMSServiceIsConfigured(t *testing.T) {
	assert.False(t, NewSMSService(nil).IsConfigured())
	assert.False(t, NewSMSService(&SMSConfig{}).IsConfigured())
	assert.False(t, NewSMSService(&SMSConfig{AccountSID: "AC123"}).IsConfigured())

	svc := NewSMSService(&SMSConfig{
		AccountSID:      "AC123",
		AuthToken:       "token",
		FromPhoneNumber: "+15555550100",
	})
	assert.True(t, svc.IsConfigured())
}

func TestSendSMSWithoutConfig(t *testing.T) {
	svc := NewSMSService(nil)
	err := svc.SendSMS("+15555550100", "hello")
	assert.ErrorIs(t, err, ErrTwilioNotConfigured)
}

func TestBuildAcknowledgementMessage(t *testing.T) {
	assert.Equal(t, "Your emergency report was received. Help is being dispatched.", BuildAcknowledgementMessage(""))
	assert.Contains(t, BuildAcknowledgementMessage("trauma"), "trauma")
}

func TestBuildHospitalArrivalMessage(t *testing.T) {
	msg := BuildHospitalArrivalMessage("Central Hospital")
	assert.Contains(t, msg, "Central Hospital")
}

func TestMaskPhoneForLog(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"+15555551234", "+155****1234"},
		{"short", "****"},
		{"", "****"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.expected, MaskPhoneForLog(tc.input))
	}
}

func TestVerifyInboundSignature(t *testing.T) {
	form := url.Values{"Body": {"help"}, "From": {"+15555550100"}}

	// Dev mode: empty secret always verifies.
	assert.True(t, VerifyInboundSignature("", "https://example.com/sms", "bogus", form))

	// A wrong signature against a configured secret must fail.
	assert.False(t, VerifyInboundSignature("secret", "https://example.com/sms", "bogus", form))
}
