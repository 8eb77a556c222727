package config

import (
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("BRIDGE_TEST_STR", "value")
	if got := GetEnv("BRIDGE_TEST_STR", "fallback"); got != "value" {
		t.Errorf("GetEnv = %q", got)
	}
	if got := GetEnv("BRIDGE_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("GetEnv fallback = %q", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("BRIDGE_TEST_INT", "42")
	if got := GetEnvInt("BRIDGE_TEST_INT", 7); got != 42 {
		t.Errorf("GetEnvInt = %d", got)
	}
	t.Setenv("BRIDGE_TEST_INT", "not-a-number")
	if got := GetEnvInt("BRIDGE_TEST_INT", 7); got != 7 {
		t.Errorf("GetEnvInt invalid = %d", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("BRIDGE_TEST_BOOL", "true")
	if !GetEnvBool("BRIDGE_TEST_BOOL", false) {
		t.Error("GetEnvBool true not parsed")
	}
	t.Setenv("BRIDGE_TEST_BOOL", "nope")
	if GetEnvBool("BRIDGE_TEST_BOOL", false) {
		t.Error("GetEnvBool invalid should fall back")
	}
}

func TestSeconds(t *testing.T) {
	if got := Seconds(90); got != 90*time.Second {
		t.Errorf("Seconds = %v", got)
	}
}
