package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ValentinKolb/dCtx/lib/store"
)

func TestParseMember(t *testing.T) {
	tests := []struct {
		in      string
		want    MemberConfig
		wantErr bool
	}{
		{in: "n1=127.0.0.1:7000", want: MemberConfig{ID: "n1", Endpoint: "127.0.0.1:7000", Role: "server"}},
		{in: "c1=127.0.0.1:7001,client", want: MemberConfig{ID: "c1", Endpoint: "127.0.0.1:7001", Role: "client"}},
		{in: "n2=127.0.0.1:7002,server,3", want: MemberConfig{ID: "n2", Endpoint: "127.0.0.1:7002", Role: "server", Ordinal: 3}},
		{in: "n2=127.0.0.1:7002,server,x", wantErr: true},
		{in: "=127.0.0.1:7000", wantErr: true},
		{in: "n1", wantErr: true},
		{in: "n1=a,server,1,extra", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseMember(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Expected error for %q, got %+v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Expected no error for %q, got %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Expected %+v, got %+v", tt.want, got)
		}
	}
}

func TestMessageError(t *testing.T) {
	// plain store error keeps its message
	msg := NewErrorResponse(store.NewError(store.RetCTimeout, "lock wait expired"))
	if msg.Code != store.RetCTimeout {
		t.Errorf("Expected code %v, got %v", store.RetCTimeout, msg.Code)
	}
	if msg.Err != "lock wait expired" {
		t.Errorf("Expected message 'lock wait expired', got %q", msg.Err)
	}
	if err := msg.Error(); !errors.Is(err, store.ErrTimeout) {
		t.Errorf("Expected rebuilt error to match ErrTimeout, got %v", err)
	}

	// wrapped errors keep the code of the first store error in the chain
	wrapped := fmt.Errorf("commit: %w", store.NewError(store.RetCConflict, "stale"))
	msg = NewResponse(MsgTPut, wrapped)
	if msg.Ok {
		t.Errorf("Expected Ok to be false")
	}
	if !errors.Is(msg.Error(), store.ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", msg.Error())
	}

	// success carries no error
	if err := NewResponse(MsgTPut, nil).Error(); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	// redirects carry the owner
	msg = NewNotOwnerResponse(MsgTGet, "k", "n2")
	if !errors.Is(msg.Error(), store.ErrNotOwner) || msg.Owner != "n2" {
		t.Errorf("Expected NotOwner redirect to n2, got %v (%s)", msg.Error(), msg.Owner)
	}
}

func TestMetaPayload(t *testing.T) {
	type payload struct {
		Keys  []string
		Epoch uint64
	}

	msg, err := NewMetaRequest(MsgTSync, payload{Keys: []string{"a", "b"}, Epoch: 7})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	var got payload
	if err := DecodeMeta(msg.Meta, &got); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got.Epoch != 7 || len(got.Keys) != 2 {
		t.Errorf("Expected epoch 7 with 2 keys, got %+v", got)
	}

	if err := DecodeMeta([]byte{0xff}, &got); !errors.Is(err, store.ErrInvalidOperation) {
		t.Errorf("Expected ErrInvalidOperation for garbage payload, got %v", err)
	}
}
