package observability

import (
	"context"
	"testing"
)

func TestInitTracingDisabledIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestInitTracingWithEndpoint(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Enabled:     true,
		Endpoint:    "http://127.0.0.1:4318",
		SampleRatio: 0.5,
		Version:     "test",
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected shutdown hook")
	}
}

func TestClampRatio(t *testing.T) {
	testCases := map[float64]float64{-1: 0, 0.25: 0.25, 3: 1}
	for input, expected := range testCases {
		if got := clampRatio(input); got != expected {
			t.Fatalf("clampRatio(%v) = %v, want %v", input, got, expected)
		}
	}
}
