package main

import (
	"strings"
	"testing"
)

const mainTestPrefix = "cmd/service-gateway:main_test"

func TestUsage_NonEmpty(t *testing.T) {
	if len(usage) == 0 {
		t.Fatalf("%s - usage string is empty", mainTestPrefix)
	}
}

func TestUsage_ContainsCommands(t *testing.T) {
	required := []string{"serve", "check", "GATEWAY_LISTEN_ADDR", "COMMS_URL"}
	for _, word := range required {
		if !strings.Contains(usage, word) {
			t.Errorf("%s - usage should contain %q", mainTestPrefix, word)
		}
	}
}

func TestRunCheck_DefaultsValidate(t *testing.T) {
	if err := runCheck(); err != nil {
		t.Errorf("%s - default environment should validate, got %v", mainTestPrefix, err)
	}
}
