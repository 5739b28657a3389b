package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// PaymentBackend is a minimal in-memory payment system used by the builtin
// actions. It stands in for the external business system: transfers mutate
// its state and the verifier re-reads that state.
type PaymentBackend struct {
	mu        sync.RWMutex
	transfers map[string]transferRecord
}

type transferRecord struct {
	Amount float64 `json:"amount"`
	To     string  `json:"to"`
}

// NewPaymentBackend creates an empty payment backend.
func NewPaymentBackend() *PaymentBackend {
	return &PaymentBackend{transfers: make(map[string]transferRecord)}
}

type transferArgs struct {
	Amount float64 `json:"amount"`
	To     string  `json:"to"`
}

type transferResult struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
}

// Transfer records a transfer and returns its transaction id.
func (b *PaymentBackend) Transfer(amount float64, to string) string {
	id := "tx_" + uuid.New().String()
	b.mu.Lock()
	b.transfers[id] = transferRecord{Amount: amount, To: to}
	b.mu.Unlock()
	return id
}

// LookupTransfer re-reads a transfer by transaction id.
func (b *PaymentBackend) LookupTransfer(id string) (float64, string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.transfers[id]
	return rec.Amount, rec.To, ok
}

// RegisterBuiltins registers the builtin actions against backend.
func RegisterBuiltins(r *Registry, backend *PaymentBackend) {
	r.MustRegister("payments.transfer", Action{
		Invoke: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var a transferArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return nil, fmt.Errorf("invalid transfer args: %w", err)
			}
			if a.Amount <= 0 {
				return nil, fmt.Errorf("transfer amount must be positive")
			}
			id := backend.Transfer(a.Amount, a.To)
			return json.Marshal(transferResult{Status: "completed", TransactionID: id})
		},
		Verify: func(ctx context.Context, args, result json.RawMessage) (bool, error) {
			var a transferArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return false, err
			}
			var res transferResult
			if err := json.Unmarshal(result, &res); err != nil {
				return false, err
			}
			if res.TransactionID == "" {
				return false, nil
			}
			amount, to, ok := backend.LookupTransfer(res.TransactionID)
			return ok && amount == a.Amount && to == a.To, nil
		},
	})

	r.MustRegister("dangerous.command", Action{
		Invoke: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return nil, fmt.Errorf("action execution disabled")
		},
	})
}
