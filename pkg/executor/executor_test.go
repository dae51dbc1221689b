// Copyright 2025 Certen Protocol

package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/certen/dan-validator/pkg/types"
)

type fakeEngine struct {
	validateErr error
	executeFn   func(tx *types.Transaction) (*types.FinalizeResult, error)
}

func (f *fakeEngine) Validate(tx *types.Transaction, epoch types.Epoch) error {
	return f.validateErr
}

func (f *fakeEngine) Execute(ctx context.Context, tx *types.Transaction, inputs, virtual []types.Substate) (*types.FinalizeResult, error) {
	if f.executeFn != nil {
		return f.executeFn(tx)
	}
	return &types.FinalizeResult{TransactionHash: tx.ID, Decision: types.DecisionAccept}, nil
}

func TestAdapterExecutesAccept(t *testing.T) {
	engine := &fakeEngine{}
	a, err := New(engine, Config{Workers: 2})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	defer a.Close()

	tx := &types.Transaction{Instructions: []byte("do-something")}
	tx.ID = tx.ComputeID()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := a.Submit(ctx, Job{Transaction: tx})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Decision != types.DecisionAccept {
		t.Fatalf("expected accept, got %v: %s", result.Decision, result.RejectReason)
	}
}

func TestAdapterRejectsValidationFailure(t *testing.T) {
	engine := &fakeEngine{validateErr: errors.New("bad signature")}
	a, err := New(engine, Config{Workers: 1})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	defer a.Close()

	tx := &types.Transaction{Instructions: []byte("x")}
	tx.ID = tx.ComputeID()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := a.Submit(ctx, Job{Transaction: tx})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Decision != types.DecisionAbort {
		t.Fatalf("expected abort, got %v", result.Decision)
	}
}

func TestAdapterIsolatesEnginePanic(t *testing.T) {
	engine := &fakeEngine{executeFn: func(tx *types.Transaction) (*types.FinalizeResult, error) {
		panic("engine blew up")
	}}
	a, err := New(engine, Config{Workers: 1})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	defer a.Close()

	tx := &types.Transaction{Instructions: []byte("x")}
	tx.ID = tx.ComputeID()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := a.Submit(ctx, Job{Transaction: tx})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Decision != types.DecisionAbort {
		t.Fatalf("expected panic to be converted to abort, got %v", result.Decision)
	}
}

func TestAdapterRejectsAfterClose(t *testing.T) {
	engine := &fakeEngine{}
	a, err := New(engine, Config{Workers: 1})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tx := &types.Transaction{Instructions: []byte("x")}
	tx.ID = tx.ComputeID()
	if _, err := a.Submit(ctx, Job{Transaction: tx}); err == nil {
		t.Fatal("expected error submitting to closed adapter")
	}
}
