package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReadAllWithLimit(t *testing.T) {
	data, truncated, err := ReadAllWithLimit(strings.NewReader("abcdef"), 4)
	if err != nil || !truncated || string(data) != "abcd" {
		t.Fatalf("ReadAllWithLimit() = %q, %v, %v", data, truncated, err)
	}
	if _, err := ReadAllStrict(strings.NewReader("abcdef"), 4); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("ReadAllStrict() error = %v, want ErrBodyTooLarge", err)
	}
}

func TestWriteErrorHelpers(t *testing.T) {
	rec := httptest.NewRecorder()
	BadRequest(rec, "bad item id")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body.Error != "bad item id" {
		t.Fatalf("body = %+v, err = %v", body, err)
	}
}

func TestDecodeJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"item_id": 570}`))
	var v struct {
		ItemID int64 `json:"item_id"`
	}
	if err := DecodeJSON(req, &v); err != nil || v.ItemID != 570 {
		t.Fatalf("DecodeJSON() = %+v, %v", v, err)
	}
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	if err := DecodeJSON(req, &v); err == nil {
		t.Fatalf("expected error for malformed JSON")
	}
}
