package outbox

import (
	"errors"
	"testing"
)

func TestValidCreatePayloadAccepted(t *testing.T) {
	if err := ValidateCreatePayload(validCreatePayload()); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
}

func TestCreatePayloadRequiresLines(t *testing.T) {
	payload := map[string]any{"name": "WH/OUT/003"}
	if err := ValidateCreatePayload(payload); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("payload without lines must be rejected, got %v", err)
	}

	payload["lines"] = []any{}
	if err := ValidateCreatePayload(payload); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("payload with empty lines must be rejected, got %v", err)
	}
}

func TestCreatePayloadRequiresLineFields(t *testing.T) {
	payload := validCreatePayload()
	line := payload["lines"].([]any)[0].(map[string]any)
	delete(line, "productId")
	if err := ValidateCreatePayload(payload); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("line without productId must be rejected, got %v", err)
	}
}

func TestCreatePayloadRejectsWrongTypes(t *testing.T) {
	payload := validCreatePayload()
	line := payload["lines"].([]any)[0].(map[string]any)
	line["quantity"] = "three"
	if err := ValidateCreatePayload(payload); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("string quantity must be rejected, got %v", err)
	}
}

func TestCreatePayloadRejectsNil(t *testing.T) {
	if err := ValidateCreatePayload(nil); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("nil payload must be rejected, got %v", err)
	}
}
