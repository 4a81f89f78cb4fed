package services

import (
  "testing"
)

func TestExtractFirstJSONObject(t *testing.T) {
  obj, err := extractFirstJSONObject(`{"a": 1, "b": {"c": "x"}}`)
  if err != nil {
    t.Fatalf("plain object: %v", err)
  }
  if obj["a"].(float64) != 1 {
    t.Fatalf("unexpected value for a: %v", obj["a"])
  }

  obj, err = extractFirstJSONObject("Here is the result:\n```json\n{\"name\": \"cao\"}\n```\nDone.")
  if err != nil {
    t.Fatalf("prose-wrapped object: %v", err)
  }
  if obj["name"] != "cao" {
    t.Fatalf("unexpected name: %v", obj["name"])
  }

  // Braces inside strings must not break balance tracking.
  obj, err = extractFirstJSONObject(`{"text": "zie {artikel 3} en \"artikel 4\""}`)
  if err != nil {
    t.Fatalf("braces in string: %v", err)
  }
  if obj["text"] == "" {
    t.Fatalf("expected text field")
  }

  if _, err := extractFirstJSONObject("no json here"); err == nil {
    t.Fatalf("expected error for input without an object")
  }
  if _, err := extractFirstJSONObject(`{"open": 1`); err == nil {
    t.Fatalf("expected error for unbalanced object")
  }
}

func TestIsRetryableHTTP(t *testing.T) {
  for _, code := range []int{408, 429, 500, 502, 503} {
    if !isRetryableHTTP(code) {
      t.Fatalf("expected %d retryable", code)
    }
  }
  for _, code := range []int{400, 401, 403, 404, 422} {
    if isRetryableHTTP(code) {
      t.Fatalf("expected %d non-retryable", code)
    }
  }
}
