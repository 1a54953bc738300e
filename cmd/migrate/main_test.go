package main

import (
	"testing"

	_ "github.com/odyssey-erp/fulfillment/internal/testing/guard"
)

func TestMainReturnsInTestMode(t *testing.T) {
	main()
}

func TestRunRequiresCommand(t *testing.T) {
	if err := run(nil); err == nil {
		t.Fatal("expected usage error")
	}
}

func TestRunValidatesEmbeddedMigrations(t *testing.T) {
	if err := run([]string{"validate"}); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
