package testutil

import (
	"testing"

	"dfb-go/internal/index"
)

// NewTestStore creates an in-memory index with the schema applied. The store
// is closed automatically when the test completes.
func NewTestStore(t *testing.T) *index.Store {
	t.Helper()

	s, err := index.NewStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open index store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("failed to close index store: %v", err)
		}
	})
	return s
}
