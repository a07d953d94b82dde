package main

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDeliveryAfterQuitDoesNotBlock(t *testing.T) {
	got := make(chan struct{}, 1)
	quit := make(chan struct{})
	cb := onDelivery(zap.NewNop(), got, quit)

	// Test 1: the first delivery is buffered
	cb([]byte{1}, "sim", "field", "double", []uint64{1})
	select {
	case <-got:
	default:
		t.Fatal("first delivery not signalled")
	}

	// Test 2: nobody reads any more
	cb([]byte{2}, "sim", "field", "double", []uint64{1})
	close(quit)
	done := make(chan struct{})
	go func() {
		cb([]byte{3}, "sim", "field", "double", []uint64{1})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("callback blocked after quit")
	}
}
