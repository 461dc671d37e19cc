package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// kenyanPhone matches the provider's MSISDN format (2547xxxxxxxx / 2541xxxxxxxx).
var kenyanPhone = regexp.MustCompile(`^254(7|1)\d{8}$`)

// ValidPhone reports whether phone is a well-formed Kenyan MSISDN.
func ValidPhone(phone string) bool {
	return kenyanPhone.MatchString(phone)
}

// MpesaCallback is the parsed, validated form of an M-Pesa STK push result.
// Parsing happens at the trust boundary, before the payload enters the state
// machine.
type MpesaCallback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Amount            float64
	ReceiptNumber     string
	Phone             string
	TransactionDate   int64
}

// Succeeded reports whether the provider confirmed the fiat leg.
func (c *MpesaCallback) Succeeded() bool {
	return c.ResultCode == 0
}

// stkEnvelope mirrors the provider's wire format.
type stkEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseMpesaCallback decodes and validates an M-Pesa STK result payload.
func ParseMpesaCallback(body []byte) (*MpesaCallback, error) {
	var env stkEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode stk callback: %w", err)
	}

	stk := env.Body.StkCallback
	if stk.CheckoutRequestID == "" {
		return nil, fmt.Errorf("stk callback missing CheckoutRequestID")
	}

	cb := &MpesaCallback{
		MerchantRequestID: stk.MerchantRequestID,
		CheckoutRequestID: stk.CheckoutRequestID,
		ResultCode:        stk.ResultCode,
		ResultDesc:        stk.ResultDesc,
	}

	// Metadata items are only present on success.
	for _, item := range stk.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			var v float64
			if err := json.Unmarshal(item.Value, &v); err == nil {
				cb.Amount = v
			}
		case "MpesaReceiptNumber":
			var v string
			if err := json.Unmarshal(item.Value, &v); err == nil {
				cb.ReceiptNumber = v
			}
		case "PhoneNumber":
			cb.Phone = rawToString(item.Value)
		case "TransactionDate":
			var v int64
			if err := json.Unmarshal(item.Value, &v); err == nil {
				cb.TransactionDate = v
			}
		}
	}

	if cb.Succeeded() && cb.ReceiptNumber == "" {
		return nil, fmt.Errorf("successful stk callback missing receipt number")
	}
	return cb, nil
}

// MpesaB2CResult is the parsed form of a B2C payout result. The payout
// request's ConversationID correlates it back to the transaction.
type MpesaB2CResult struct {
	ConversationID     string
	ResultCode         int
	ResultDesc         string
	TransactionReceipt string
	TransactionAmount  float64
}

// Succeeded reports whether the provider confirmed the payout.
func (c *MpesaB2CResult) Succeeded() bool {
	return c.ResultCode == 0
}

// b2cEnvelope mirrors the provider's wire format.
type b2cEnvelope struct {
	Result struct {
		ConversationID   string `json:"ConversationID"`
		ResultCode       int    `json:"ResultCode"`
		ResultDesc       string `json:"ResultDesc"`
		ResultParameters struct {
			ResultParameter []struct {
				Key   string          `json:"Key"`
				Value json.RawMessage `json:"Value"`
			} `json:"ResultParameter"`
		} `json:"ResultParameters"`
	} `json:"Result"`
}

// IsB2CResult reports whether body carries a B2C result envelope rather
// than an STK one. Both arrive on the same callback endpoint.
func IsB2CResult(body []byte) bool {
	var probe struct {
		Result json.RawMessage `json:"Result"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return len(probe.Result) > 0
}

// ParseMpesaB2CResult decodes and validates a B2C payout result payload.
func ParseMpesaB2CResult(body []byte) (*MpesaB2CResult, error) {
	var env b2cEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode b2c result: %w", err)
	}
	if env.Result.ConversationID == "" {
		return nil, fmt.Errorf("b2c result missing ConversationID")
	}

	cb := &MpesaB2CResult{
		ConversationID: env.Result.ConversationID,
		ResultCode:     env.Result.ResultCode,
		ResultDesc:     env.Result.ResultDesc,
	}
	for _, param := range env.Result.ResultParameters.ResultParameter {
		switch param.Key {
		case "TransactionReceipt":
			var v string
			if err := json.Unmarshal(param.Value, &v); err == nil {
				cb.TransactionReceipt = v
			}
		case "TransactionAmount":
			var v float64
			if err := json.Unmarshal(param.Value, &v); err == nil {
				cb.TransactionAmount = v
			}
		}
	}

	if cb.Succeeded() && cb.TransactionReceipt == "" {
		return nil, fmt.Errorf("successful b2c result missing transaction receipt")
	}
	return cb, nil
}

// AirtimeCallback is the parsed form of an airtime reseller result.
type AirtimeCallback struct {
	TransactionID string  `json:"transactionId"`
	Status        string  `json:"status"`
	Amount        float64 `json:"amount"`
	Phone         string  `json:"phone"`
	Provider      string  `json:"provider"`
	Message       string  `json:"message"`
}

// Succeeded reports whether the reseller confirmed the airtime delivery.
func (c *AirtimeCallback) Succeeded() bool {
	return c.Status == "SUCCESS" || c.Status == "COMPLETED"
}

// ParseAirtimeCallback decodes and validates an airtime reseller payload.
func ParseAirtimeCallback(body []byte) (*AirtimeCallback, error) {
	var cb AirtimeCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("decode airtime callback: %w", err)
	}
	if cb.TransactionID == "" {
		return nil, fmt.Errorf("airtime callback missing transactionId")
	}
	if cb.Status == "" {
		return nil, fmt.Errorf("airtime callback missing status")
	}
	return &cb, nil
}

// rawToString renders a JSON value that providers send as either a string or
// a number (phone numbers, mostly) as a plain string.
func rawToString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return string(raw)
}
