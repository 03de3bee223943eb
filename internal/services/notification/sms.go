package notification

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

var (
	ErrTwilioNotConfigured = errors.New("SMS carrier not configured")
	ErrInvalidPhoneNumber  = errors.New("invalid phone number")
	ErrSMSSendFailed       = errors.New("failed to send SMS")
	ErrSMSRateLimited      = errors.New("SMS rate limited")
	ErrTwilioCredentials   = errors.New("invalid carrier credentials")
	ErrInvalidSignature    = errors.New("invalid inbound webhook signature")
)

// SMSConfig holds the configuration for SMS sending via the carrier.
type SMSConfig struct {
	AccountSID      string
	AuthToken       string
	FromPhoneNumber string
	WebhookSecret   string
}

// SMSService handles sending and receiving SMS messages via the carrier.
type SMSService struct {
	config *SMSConfig
	client *twilio.RestClient
}

// NewSMSService creates a new SMSService.
func NewSMSService(config *SMSConfig) *SMSService {
	if config == nil {
		config = &SMSConfig{}
	}

	svc := &SMSService{config: config}

	if svc.IsConfigured() {
		svc.client = twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: config.AccountSID,
			Password: config.AuthToken,
		})
	}

	return svc
}

// IsConfigured returns true if the carrier client is properly configured.
func (s *SMSService) IsConfigured() bool {
	return s.config != nil &&
		s.config.AccountSID != "" &&
		s.config.AuthToken != "" &&
		s.config.FromPhoneNumber != ""
}

// SendSMS sends an SMS message to the specified phone number.
func (s *SMSService) SendSMS(to, message string) error {
	if !s.IsConfigured() {
		return ErrTwilioNotConfigured
	}

	if to == "" {
		return ErrInvalidPhoneNumber
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.config.FromPhoneNumber)
	params.SetBody(message)

	_, err := s.client.Api.CreateMessage(params)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "21610") || strings.Contains(errStr, "21614") {
			return fmt.Errorf("%w: %v", ErrInvalidPhoneNumber, err)
		}
		if strings.Contains(errStr, "20003") || strings.Contains(errStr, "20001") {
			return fmt.Errorf("%w: %v", ErrTwilioCredentials, err)
		}
		if strings.Contains(errStr, "14107") || strings.Contains(errStr, "rate") {
			return fmt.Errorf("%w: %v", ErrSMSRateLimited, err)
		}
		return fmt.Errorf("%w: %v", ErrSMSSendFailed, err)
	}

	return nil
}

// BuildAcknowledgementMessage builds the delivery-acknowledgement SMS sent
// back to a reporting phone once an SOS request from that number has been
// accepted into the pipeline.
func BuildAcknowledgementMessage(department string) string {
	if department == "" {
		return "Your emergency report was received. Help is being dispatched."
	}
	return fmt.Sprintf("Your emergency report was received and routed to %s. Help is being dispatched.", department)
}

// BuildHospitalArrivalMessage builds the SMS sent to a reporting phone once
// the matched facility records the patient's arrival.
func BuildHospitalArrivalMessage(facilityName string) string {
	return fmt.Sprintf("Update: you are now marked as arrived at %s.", facilityName)
}

// VerifyInboundSignature authenticates an inbound SMS webhook using the
// carrier's HMAC-SHA1 signature over requestURL concatenated with the
// sorted (key,value) pairs of the form body. In dev mode (empty
// webhookSecret) verification is skipped.
func VerifyInboundSignature(webhookSecret, requestURL, signature string, form url.Values) bool {
	if webhookSecret == "" {
		return true
	}

	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf strings.Builder
	buf.WriteString(requestURL)
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(webhookSecret))
	mac.Write([]byte(buf.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// MaskPhoneForLog masks a phone number for logging, keeping only the
// first four characters and last four digits (+155****1234).
func MaskPhoneForLog(phone string) string {
	if len(phone) < 8 {
		return "****"
	}
	return phone[:4] + "****" + phone[len(phone)-4:]
}
