package syncengine

import (
	"encoding/json"
	"time"
)

// MutationKind identifies one of the closed set of pending-write types the
// engine knows how to replay. The string values are the wire names of the
// remote authority operations.
type MutationKind string

const (
	KindRecordSale           MutationKind = "sale.record"
	KindAdjustStock          MutationKind = "stock.adjust"
	KindCreateClient         MutationKind = "client.create"
	KindUpdateDebt           MutationKind = "client.debt"
	KindRegisterCashMovement MutationKind = "cash.movement"
	KindRegisterCashEvent    MutationKind = "cash.event"
)

// Kinds returns the closed set in a stable order.
func Kinds() []MutationKind {
	return []MutationKind{
		KindRecordSale,
		KindAdjustStock,
		KindCreateClient,
		KindUpdateDebt,
		KindRegisterCashMovement,
		KindRegisterCashEvent,
	}
}

func KnownKind(kind MutationKind) bool {
	_, ok := payloadPrototypes[kind]
	return ok
}

// MutationItem is one pending write awaiting replay. Payload holds the
// canonical field-naming form expected by the remote authority, never the
// UI's native form. EnqueuedAt orders the drain; Seq breaks ties in
// admission order.
type MutationItem struct {
	ID          string         `json:"id"`
	Kind        MutationKind   `json:"kind"`
	Payload     map[string]any `json:"payload"`
	EnqueuedAt  time.Time      `json:"enqueuedAt"`
	Seq         uint64         `json:"seq"`
	RetryCount  int            `json:"retryCount"`
	Provisional bool           `json:"provisional,omitempty"`
}

// DeadLetterItem is a mutation that exhausted its retry ceiling.
type DeadLetterItem struct {
	MutationItem
	TerminalError string    `json:"terminalError"`
	FailedAt      time.Time `json:"failedAt"`
}

// CorruptedItem is a mutation quarantined for schema drift. It bypasses
// retry accounting entirely and is never replayed.
type CorruptedItem struct {
	MutationItem
	QuarantinedAt   time.Time `json:"quarantinedAt"`
	MissingRequired []string  `json:"missingRequiredFields,omitempty"`
	Unexpected      []string  `json:"unexpectedFields,omitempty"`
}

// ApplyResult is what a remote authority operation reports on success. The
// engine does not interpret Fields beyond handing them to the reconciler.
type ApplyResult struct {
	ID     string         `json:"id,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Canonical payload shapes, one per kind. The schema gate derives its
// required and allowed field sets from these definitions: fields without
// omitempty are required, the tagged set is the allowed set.

type SaleLine struct {
	ProductID string  `json:"productId"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

type RecordSalePayload struct {
	SaleID        string     `json:"saleId"`
	ClientID      string     `json:"clientId,omitempty"`
	Lines         []SaleLine `json:"lines"`
	Total         float64    `json:"total"`
	PaymentMethod string     `json:"paymentMethod"`
	SoldAt        string     `json:"soldAt"`
}

// AdjustStockPayload carries a signed delta, not an absolute quantity.
type AdjustStockPayload struct {
	ProductID  string  `json:"productId"`
	Delta      float64 `json:"delta"`
	Reason     string  `json:"reason,omitempty"`
	AdjustedAt string  `json:"adjustedAt"`
}

type CreateClientPayload struct {
	ClientID string `json:"clientId"`
	Name     string `json:"name"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
}

type UpdateDebtPayload struct {
	ClientID  string  `json:"clientId"`
	Amount    float64 `json:"amount"`
	Reference string  `json:"reference,omitempty"`
}

type CashMovementPayload struct {
	MovementID string  `json:"movementId"`
	Amount     float64 `json:"amount"`
	Direction  string  `json:"direction"`
	Reason     string  `json:"reason,omitempty"`
	OccurredAt string  `json:"occurredAt"`
}

type CashEventPayload struct {
	EventID    string `json:"eventId"`
	Type       string `json:"type"`
	Note       string `json:"note,omitempty"`
	OccurredAt string `json:"occurredAt"`
}

var payloadPrototypes = map[MutationKind]any{
	KindRecordSale:           RecordSalePayload{},
	KindAdjustStock:          AdjustStockPayload{},
	KindCreateClient:         CreateClientPayload{},
	KindUpdateDebt:           UpdateDebtPayload{},
	KindRegisterCashMovement: CashMovementPayload{},
	KindRegisterCashEvent:    CashEventPayload{},
}

// PayloadToMap converts a canonical payload struct into the untyped form the
// queue stores, via its json tags.
func PayloadToMap(payload any) (map[string]any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// legacyFieldAliases maps the UI's obsolete snake_case naming onto the
// canonical form. Sanitization renames; it never drops fields, so anything
// truly foreign still surfaces as unexpected at the gate.
var legacyFieldAliases = map[string]string{
	"sale_id":        "saleId",
	"client_id":      "clientId",
	"product_id":     "productId",
	"movement_id":    "movementId",
	"event_id":       "eventId",
	"payment_method": "paymentMethod",
	"unit_price":     "unitPrice",
	"sold_at":        "soldAt",
	"adjusted_at":    "adjustedAt",
	"occurred_at":    "occurredAt",
	"qty":            "quantity",
}

// CanonicalizePayload renames legacy field aliases to canonical names,
// recursing into nested objects and arrays. The input map is not modified.
func CanonicalizePayload(raw map[string]any) map[string]any {
	if raw == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(raw))
	for key, value := range raw {
		if canonical, ok := legacyFieldAliases[key]; ok {
			key = canonical
		}
		out[key] = canonicalizeValue(value)
	}
	return out
}

func canonicalizeValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return CanonicalizePayload(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = canonicalizeValue(item)
		}
		return out
	default:
		return value
	}
}
