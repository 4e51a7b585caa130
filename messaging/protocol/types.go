package protocol

import (
	"encoding/json"
)

// Event kinds in the ephemeral range, relays do not store them.
const (
	KindRequest   = 27000
	KindResponse  = 27001
	KindHandshake = 27010
	KindAuthGrant = 27011
)

type MessageType string

const (
	TypeAuthChallenge            MessageType = "auth_challenge"
	TypeAuthResponse             MessageType = "auth_response"
	TypeSinglePaymentRequest     MessageType = "single_payment_request"
	TypePaymentResponse          MessageType = "payment_response"
	TypeRecurringPaymentRequest  MessageType = "recurring_payment_request"
	TypeRecurringPaymentResponse MessageType = "recurring_payment_response"
	TypeInvoiceRequest           MessageType = "invoice_request"
	TypeInvoiceResponse          MessageType = "invoice_response"
	TypeCashuRequest             MessageType = "cashu_request"
	TypeCashuResponse            MessageType = "cashu_response"
	TypeHandshakeResponse        MessageType = "handshake_response"
	TypeAuthGrant                MessageType = "auth_grant"
)

// IsResponse reports whether t answers a request we sent.
func (t MessageType) IsResponse() bool {
	switch t {
	case TypeAuthResponse, TypePaymentResponse, TypeRecurringPaymentResponse, TypeInvoiceResponse, TypeCashuResponse:
		return true
	}
	return false
}

// Envelope is the plaintext carried inside a sealed event.
type Envelope struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Message is an opened envelope together with the event metadata it arrived with.
type Message struct {
	Envelope
	EventID   string
	Sender    string
	CreatedAt int64
}

type AuthChallenge struct {
	ServiceName string   `json:"service_name"`
	Challenge   string   `json:"challenge"`
	Relays      []string `json:"relays,omitempty"`
}

type AuthStatus string

const (
	AuthApproved AuthStatus = "approved"
	AuthDeclined AuthStatus = "declined"
)

type AuthResponse struct {
	Status       AuthStatus `json:"status"`
	Challenge    string     `json:"challenge"`
	SessionToken string     `json:"session_token,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

type SinglePaymentRequest struct {
	// Amount is in millisatoshis for MSAT requests, in the smallest currency unit otherwise.
	Amount         int64   `json:"amount"`
	Currency       string  `json:"currency"`
	Invoice        string  `json:"invoice"`
	Description    string  `json:"description,omitempty"`
	ServiceName    string  `json:"service_name,omitempty"`
	SubscriptionID *string `json:"subscription_id,omitempty"`
	ExpiresAt      int64   `json:"expires_at,omitempty"`
}

type PaymentStatus string

const (
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRejected PaymentStatus = "rejected"
	PaymentPending  PaymentStatus = "pending"
)

type PaymentResponse struct {
	Status   PaymentStatus `json:"status"`
	Preimage string        `json:"preimage,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

type Recurrence struct {
	Calendar        string `json:"calendar"`
	FirstPaymentDue int64  `json:"first_payment_due"`
	Until           *int64 `json:"until,omitempty"`
	MaxPayments     *int   `json:"max_payments,omitempty"`
}

type RecurringPaymentRequest struct {
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	Recurrence  Recurrence `json:"recurrence"`
	Description string     `json:"description,omitempty"`
	ServiceName string     `json:"service_name,omitempty"`
	ExpiresAt   int64      `json:"expires_at,omitempty"`
}

type SubscriptionStatus string

const (
	SubscriptionApproved SubscriptionStatus = "approved"
	SubscriptionRejected SubscriptionStatus = "rejected"
)

type RecurringPaymentResponse struct {
	Status         SubscriptionStatus `json:"status"`
	SubscriptionID string             `json:"subscription_id,omitempty"`
	Reason         string             `json:"reason,omitempty"`
}

// InvoiceRequest asks the wallet for an invoice, used by services to refund a previous payment.
type InvoiceRequest struct {
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	RefundRequestID string `json:"refund_request_id,omitempty"`
	RefundInvoice   string `json:"refund_invoice,omitempty"`
	Description     string `json:"description,omitempty"`
}

type InvoiceResponse struct {
	Invoice     string `json:"invoice,omitempty"`
	PaymentHash string `json:"payment_hash,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type CashuRequest struct {
	MintURL string `json:"mint_url"`
	Unit    string `json:"unit"`
	Amount  uint64 `json:"amount"`
}

type CashuStatus string

const (
	CashuSuccess           CashuStatus = "success"
	CashuInsufficientFunds CashuStatus = "insufficient_funds"
	CashuRejected          CashuStatus = "rejected"
)

type CashuResponse struct {
	Status CashuStatus `json:"status"`
	Token  string      `json:"token,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// HandshakeResponse is sent by a counterparty that scanned a handshake url.
type HandshakeResponse struct {
	Token           string   `json:"token"`
	MainKey         string   `json:"main_key"`
	PreferredRelays []string `json:"preferred_relays,omitempty"`
}

type AuthGrant struct {
	Token   string `json:"token"`
	MainKey string `json:"main_key"`
}
