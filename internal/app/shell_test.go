package app

import "testing"

func TestRunHook(t *testing.T) {
	t.Run("empty command is a no-op", func(t *testing.T) {
		if err := runHook("", "", 0); err != nil {
			t.Errorf("runHook() error = %v", err)
		}
	})

	t.Run("quoted arguments survive splitting", func(t *testing.T) {
		if err := runHook(`sh -c "exit 0"`, "stats", 0); err != nil {
			t.Errorf("runHook() error = %v", err)
		}
	})

	t.Run("non-zero exit surfaces", func(t *testing.T) {
		if err := runHook(`sh -c "exit 3"`, "", 2); err == nil {
			t.Error("runHook() expected error for failing hook")
		}
	})

	t.Run("unbalanced quote rejected", func(t *testing.T) {
		if err := runHook(`sh -c "oops`, "", 0); err == nil {
			t.Error("runHook() expected error for bad quoting")
		}
	})
}
