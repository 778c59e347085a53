package security

import (
	"testing"
)

// --- ConnectionLimiter ---

func TestConnectionLimiter_AllowsWithinLimit(t *testing.T) {
	cl := NewConnectionLimiter()
	defer cl.Dispose()

	ip := "192.168.1.1"
	if !cl.CanConnect(ip) {
		t.Error("Should allow first connection")
	}

	cl.AddConnection(ip)
	if cl.GetConnectionCount(ip) != 1 {
		t.Errorf("Count = %d, want 1", cl.GetConnectionCount(ip))
	}
}

func TestConnectionLimiter_BlocksAtLimit(t *testing.T) {
	cl := NewConnectionLimiter()
	defer cl.Dispose()

	ip := "192.168.1.2"
	for i := 0; i < SecurityLimits.MaxConnectionsPerIP; i++ {
		cl.AddConnection(ip)
	}

	if cl.CanConnect(ip) {
		t.Error("Should block connections at limit")
	}
}

func TestConnectionLimiter_RemoveConnection(t *testing.T) {
	cl := NewConnectionLimiter()
	defer cl.Dispose()

	ip := "192.168.1.3"
	cl.AddConnection(ip)
	cl.AddConnection(ip)
	if cl.GetConnectionCount(ip) != 2 {
		t.Errorf("Count = %d, want 2", cl.GetConnectionCount(ip))
	}

	cl.RemoveConnection(ip)
	if cl.GetConnectionCount(ip) != 1 {
		t.Errorf("Count = %d, want 1", cl.GetConnectionCount(ip))
	}

	cl.RemoveConnection(ip)
	if cl.GetConnectionCount(ip) != 0 {
		t.Errorf("Count = %d, want 0", cl.GetConnectionCount(ip))
	}
}

func TestConnectionLimiter_MultipleIPs(t *testing.T) {
	cl := NewConnectionLimiter()
	defer cl.Dispose()

	cl.AddConnection("10.0.0.1")
	cl.AddConnection("10.0.0.2")
	cl.AddConnection("10.0.0.2")

	if cl.GetConnectionCount("10.0.0.1") != 1 {
		t.Error("IP 1 should have 1 connection")
	}
	if cl.GetConnectionCount("10.0.0.2") != 2 {
		t.Error("IP 2 should have 2 connections")
	}
}

// --- ConnectionRateLimiter ---

func TestConnectionRateLimiter_AllowsWithinLimit(t *testing.T) {
	crl := NewConnectionRateLimiter()
	defer crl.Dispose()

	connID := "conn-1"
	if !crl.CanSendMessage(connID) {
		t.Error("Should allow first message")
	}

	crl.RecordMessage(connID)
	if !crl.CanSendMessage(connID) {
		t.Error("Should allow messages within limit")
	}
}

func TestConnectionRateLimiter_BlocksAtLimit(t *testing.T) {
	crl := NewConnectionRateLimiter()
	defer crl.Dispose()

	connID := "conn-2"
	for i := 0; i < SecurityLimits.MaxMessagesPerMinute; i++ {
		crl.RecordMessage(connID)
	}

	if crl.CanSendMessage(connID) {
		t.Error("Should block messages at limit")
	}
}

func TestConnectionRateLimiter_RemoveConnection(t *testing.T) {
	crl := NewConnectionRateLimiter()
	defer crl.Dispose()

	connID := "conn-3"
	for i := 0; i < SecurityLimits.MaxMessagesPerMinute; i++ {
		crl.RecordMessage(connID)
	}

	crl.RemoveConnection(connID)
	if !crl.CanSendMessage(connID) {
		t.Error("Should allow messages after connection removal")
	}
}

func TestConnectionRateLimiter_IndependentConnections(t *testing.T) {
	crl := NewConnectionRateLimiter()
	defer crl.Dispose()

	// Fill up conn-a
	for i := 0; i < SecurityLimits.MaxMessagesPerMinute; i++ {
		crl.RecordMessage("conn-a")
	}

	// conn-b should be unaffected
	if !crl.CanSendMessage("conn-b") {
		t.Error("Different connection should not be rate limited")
	}
}

// --- SubscriptionLimiter ---

func TestSubscriptionLimiter_AllowsWithinLimit(t *testing.T) {
	sl := NewSubscriptionLimiter()
	defer sl.Dispose()

	allowed, reason := sl.CanSubscribe("10.0.0.1")
	if !allowed {
		t.Errorf("Should allow first subscription, reason: %s", reason)
	}
}

func TestSubscriptionLimiter_BlocksAtTotalLimit(t *testing.T) {
	sl := NewSubscriptionLimiter()
	defer sl.Dispose()

	ip := "10.0.0.2"
	for i := 0; i < SecurityLimits.MaxSubscriptionsPerIP; i++ {
		sl.RecordSubscription(ip)
	}

	allowed, _ := sl.CanSubscribe(ip)
	if allowed {
		t.Error("Should block at total subscription limit")
	}
}

func TestSubscriptionLimiter_BlocksAtHourlyLimit(t *testing.T) {
	sl := NewSubscriptionLimiter()
	defer sl.Dispose()

	ip := "10.0.0.3"
	for i := 0; i < SecurityLimits.MaxSubscriptionsPerHour; i++ {
		sl.RecordSubscription(ip)
	}

	allowed, reason := sl.CanSubscribe(ip)
	if allowed {
		t.Error("Should block at hourly subscription limit")
	}
	if reason == "" {
		t.Error("Should provide a reason when blocked")
	}
}

func TestSubscriptionLimiter_IndependentIPs(t *testing.T) {
	sl := NewSubscriptionLimiter()
	defer sl.Dispose()

	for i := 0; i < SecurityLimits.MaxSubscriptionsPerHour; i++ {
		sl.RecordSubscription("10.0.0.4")
	}

	allowed, _ := sl.CanSubscribe("10.0.0.5")
	if !allowed {
		t.Error("Different IP should not be affected")
	}
}

// --- SecurityManager ---

func TestSecurityManager_Creation(t *testing.T) {
	sm := NewSecurityManager()
	defer sm.Dispose()

	if sm.ConnectionLimiter == nil {
		t.Error("ConnectionLimiter should not be nil")
	}
	if sm.ConnectionRateLimiter == nil {
		t.Error("ConnectionRateLimiter should not be nil")
	}
	if sm.SubscriptionLimiter == nil {
		t.Error("SubscriptionLimiter should not be nil")
	}
}

// --- ValidateMessage ---

func TestValidateMessage_Valid(t *testing.T) {
	tests := []string{"auth", "delta", "subscribe", "ping", "stream_request", "recovery_request", "mark", "presence"}

	for _, msgType := range tests {
		valid, errMsg := ValidateMessage(msgType)
		if !valid {
			t.Errorf("Expected valid for type %q, got error: %s", msgType, errMsg)
		}
	}
}

func TestValidateMessage_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
	}{
		{"empty type", ""},
		{"invalid type", "hack"},
		{"unknown legacy type", "awareness_update"},
	}

	for _, tt := range tests {
		valid, _ := ValidateMessage(tt.msgType)
		if valid {
			t.Errorf("%s: expected invalid", tt.name)
		}
	}
}

// --- ValidateIdentifier ---

func TestValidateIdentifier_Valid(t *testing.T) {
	validIDs := []string{
		"doc-1",
		"my_document",
		"room:abc123",
		"collection:sub:doc-1",
		"ABC123",
	}

	for _, id := range validIDs {
		valid, errMsg := ValidateIdentifier(id)
		if !valid {
			t.Errorf("Expected %q to be valid, got error: %s", id, errMsg)
		}
	}
}

func TestValidateIdentifier_Invalid(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{"empty", ""},
		{"spaces", "doc 1"},
		{"special chars", "doc@#$"},
		{"too long", string(make([]byte, 257))},
	}

	for _, tt := range tests {
		valid, _ := ValidateIdentifier(tt.id)
		if valid {
			t.Errorf("%s: expected invalid for %q", tt.name, tt.id)
		}
	}
}

// --- SecurityLimits defaults ---

func TestSecurityLimits_Defaults(t *testing.T) {
	if SecurityLimits.MaxConnectionsPerIP != 50 {
		t.Errorf("MaxConnectionsPerIP = %d, want 50", SecurityLimits.MaxConnectionsPerIP)
	}
	if SecurityLimits.MaxMessagesPerMinute != 500 {
		t.Errorf("MaxMessagesPerMinute = %d, want 500", SecurityLimits.MaxMessagesPerMinute)
	}
	if SecurityLimits.MaxSubscriptionsPerIP != 200 {
		t.Errorf("MaxSubscriptionsPerIP = %d, want 200", SecurityLimits.MaxSubscriptionsPerIP)
	}
	if SecurityLimits.MaxSubscriptionsPerHour != 100 {
		t.Errorf("MaxSubscriptionsPerHour = %d, want 100", SecurityLimits.MaxSubscriptionsPerHour)
	}
	if SecurityLimits.MaxMessageSize != 2_000_000 {
		t.Errorf("MaxMessageSize = %d, want 2000000", SecurityLimits.MaxMessageSize)
	}
}
