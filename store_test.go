package courier

import (
	"errors"
	"testing"
)

func TestStoreCRUD(t *testing.T) {
	t.Run("creates and reads values", func(t *testing.T) {
		s := newStore[string]()

		if err := s.Create("key1", "value1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		value, err := s.Read("key1")

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if value != "value1" {
			t.Errorf("expected 'value1', got '%s'", value)
		}
	})

	t.Run("create fails for duplicate key", func(t *testing.T) {
		s := newStore[int]()

		if err := s.Create("key1", 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		err := s.Create("key1", 2)

		if err == nil {
			t.Fatal("expected conflict error for duplicate key")
		}
		var e *Error
		if !errors.As(err, &e) || e.Code != StatusConflict {
			t.Errorf("expected conflict code, got %v", err)
		}
	})

	t.Run("read fails for missing key", func(t *testing.T) {
		s := newStore[string]()

		if _, err := s.Read("missing"); err == nil {
			t.Error("expected error for missing key")
		}
	})

	t.Run("update replaces existing value", func(t *testing.T) {
		s := newStore[int]()

		if err := s.Create("key1", 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := s.Update("key1", 2); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		value, _ := s.Read("key1")

		if value != 2 {
			t.Errorf("expected 2, got %d", value)
		}
	})

	t.Run("update fails for missing key", func(t *testing.T) {
		s := newStore[int]()

		if err := s.Update("missing", 1); err == nil {
			t.Error("expected error for missing key")
		}
	})

	t.Run("upsert creates then overwrites", func(t *testing.T) {
		s := newStore[string]()

		s.Upsert("key1", "first")

		s.Upsert("key1", "second")

		value, err := s.Read("key1")

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if value != "second" {
			t.Errorf("expected 'second', got '%s'", value)
		}
		if s.Len() != 1 {
			t.Errorf("expected length 1, got %d", s.Len())
		}
	})

	t.Run("delete removes values", func(t *testing.T) {
		s := newStore[string]()

		if err := s.Create("key1", "value1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := s.Delete("key1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := s.Read("key1"); err == nil {
			t.Error("expected error after delete")
		}
		if err := s.Delete("key1"); err == nil {
			t.Error("expected error for double delete")
		}
	})
}

func TestStoreSnapshots(t *testing.T) {
	t.Run("list returns an independent copy", func(t *testing.T) {
		s := newStore[int]()

		s.Upsert("a", 1)

		s.Upsert("b", 2)

		listed := s.List()

		delete(listed, "a")

		if s.Len() != 2 {
			t.Errorf("expected store to be unaffected by list mutation, got length %d", s.Len())
		}
	})

	t.Run("values collects all entries", func(t *testing.T) {
		s := newStore[int]()

		s.Upsert("a", 1)

		s.Upsert("b", 2)

		s.Upsert("c", 3)

		values := s.Values()

		if values.length() != 3 {
			t.Errorf("expected 3 values, got %d", values.length())
		}
		sum := 0
		values.forEach(func(v int) {
			sum += v
		})
		if sum != 6 {
			t.Errorf("expected sum 6, got %d", sum)
		}
	})
}
