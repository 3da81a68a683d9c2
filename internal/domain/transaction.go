package domain

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the flow of funds relative to the alerted account.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Alert is a suspicious-activity alert as received from upstream monitoring.
// It is never modified after ingestion.
type Alert struct {
	Customer     map[string]any   `json:"customer"`
	Transactions []RawTransaction `json:"transactions"`
	RiskRating   string           `json:"risk_rating,omitempty"`
}

// RawTransaction is one transaction line of an alert before normalization.
type RawTransaction struct {
	ID           string          `json:"id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Direction    Direction       `json:"direction"`
	Counterparty *string         `json:"counterparty"`
	Country      string          `json:"country,omitempty"`
	Timestamp    RawTimestamp    `json:"timestamp"`
}

// UnmarshalJSON decodes a transaction line without failing on odd field
// types. See RawAmount and RawCounterparty.
func (t *RawTransaction) UnmarshalJSON(data []byte) error {
	type plain RawTransaction
	var aux struct {
		plain
		Amount       RawAmount       `json:"amount"`
		Counterparty RawCounterparty `json:"counterparty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*t = RawTransaction(aux.plain)
	t.Amount = aux.Amount.Decimal
	t.Counterparty = aux.Counterparty.Value
	return nil
}

// RawAmount is a transaction amount sent as a JSON number or numeric string.
// Anything else decodes to zero, the same as a missing amount.
type RawAmount struct {
	decimal.Decimal
}

// UnmarshalJSON never fails.
func (a *RawAmount) UnmarshalJSON(data []byte) error {
	a.Decimal = decimal.Zero
	text := strings.TrimSpace(string(data))
	if text == "" || text == "null" {
		return nil
	}
	if text[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		text = strings.TrimSpace(s)
	}
	if d, err := decimal.NewFromString(text); err == nil {
		a.Decimal = d
	}
	return nil
}

// RawCounterparty is a counterparty identifier. Strings, numbers and booleans
// become text; null, objects and arrays mean no counterparty.
type RawCounterparty struct {
	Value *string
}

// UnmarshalJSON never fails.
func (c *RawCounterparty) UnmarshalJSON(data []byte) error {
	c.Value = nil
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	var text string
	switch data[0] {
	case '"':
		if err := json.Unmarshal(data, &text); err != nil {
			return nil
		}
	case 't', 'f':
		text = string(data)
	case 'n', '{', '[':
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return nil
		}
		text = n.String()
	}
	c.Value = &text
	return nil
}

// RawTimestamp holds the timestamp text exactly as sent.
// Non-string JSON values decode to the empty string.
type RawTimestamp string

// UnmarshalJSON accepts any JSON value; only strings are kept.
func (t *RawTimestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '"' {
		*t = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*t = ""
		return nil
	}
	*t = RawTimestamp(s)
	return nil
}

// Transaction is a normalized transaction. Timestamp is nil when the raw
// value could not be parsed.
type Transaction struct {
	ID           string          `json:"id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Direction    Direction       `json:"direction"`
	Counterparty *string         `json:"counterparty"`
	Country      string          `json:"country,omitempty"`
	Timestamp    *time.Time      `json:"timestamp"`
}

// DecisionDataset is the canonical, read-only view of an alert used by every
// downstream stage. Customer is the raw profile and must be masked before it
// leaves the pipeline.
type DecisionDataset struct {
	Customer             map[string]any  `json:"customer"`
	Transactions         []Transaction   `json:"transactions"`
	StartTS              *time.Time      `json:"start_ts"`
	EndTS                *time.Time      `json:"end_ts"`
	PeriodDays           float64         `json:"period_days"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	UniqueCounterparties int             `json:"unique_counterparties"`
	RiskRating           string          `json:"risk_rating"`
}
