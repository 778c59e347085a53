// Package security provides rate limiting, input validation, and access control.
package security

import (
	"regexp"
	"sync"
	"time"

	"github.com/synckit-go/replicate/internal/protocol"
)

// SecurityLimits holds the tunable thresholds enforced by this package.
var SecurityLimits = struct {
	MaxConnectionsPerIP     int
	MaxMessagesPerMinute    int
	MaxSubscriptionsPerIP   int
	MaxSubscriptionsPerHour int
	MaxMessageSize          int
}{
	MaxConnectionsPerIP:     50,
	MaxMessagesPerMinute:    500,
	MaxSubscriptionsPerIP:   200,
	MaxSubscriptionsPerHour: 100,
	MaxMessageSize:          2_000_000, // 2MB
}

// ValidMessageTypes lists every message type the Hub knows how to route.
var ValidMessageTypes = map[string]bool{
	protocol.TypeConnect:          true,
	protocol.TypePing:             true,
	protocol.TypePong:             true,
	protocol.TypeAuth:             true,
	protocol.TypeAuthSuccess:      true,
	protocol.TypeAuthError:        true,
	protocol.TypeSubscribe:        true,
	protocol.TypeUnsubscribe:      true,
	protocol.TypeSyncResponse:     true,
	protocol.TypeDelta:            true,
	protocol.TypeAck:              true,
	protocol.TypeStreamRequest:    true,
	protocol.TypeStreamResponse:   true,
	protocol.TypeRecoveryRequest:  true,
	protocol.TypeRecoveryResponse: true,
	protocol.TypeMark:             true,
	protocol.TypePresence:         true,
	protocol.TypeError:            true,
}

// IdentifierPattern validates collection and document names.
var IdentifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_:-]+$`)

// ConnectionLimiter tracks connections per IP
type ConnectionLimiter struct {
	connections map[string]int
	mu          sync.RWMutex
	stopCh      chan struct{}
}

// NewConnectionLimiter creates a new connection limiter
func NewConnectionLimiter() *ConnectionLimiter {
	cl := &ConnectionLimiter{
		connections: make(map[string]int),
		stopCh:      make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cl.cleanup()
		case <-cl.stopCh:
			return
		}
	}
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	for ip, count := range cl.connections {
		if count <= 0 {
			delete(cl.connections, ip)
		}
	}
}

// CanConnect checks if IP can create a new connection
func (cl *ConnectionLimiter) CanConnect(ip string) bool {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	count := cl.connections[ip]
	return count < SecurityLimits.MaxConnectionsPerIP
}

// AddConnection records a new connection from IP
func (cl *ConnectionLimiter) AddConnection(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.connections[ip]++
}

// RemoveConnection removes a connection from IP
func (cl *ConnectionLimiter) RemoveConnection(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if count := cl.connections[ip]; count <= 1 {
		delete(cl.connections, ip)
	} else {
		cl.connections[ip]--
	}
}

// GetConnectionCount returns current connection count for IP
func (cl *ConnectionLimiter) GetConnectionCount(ip string) int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[ip]
}

// Dispose cleans up resources
func (cl *ConnectionLimiter) Dispose() {
	close(cl.stopCh)
}

// ConnectionRateLimiter tracks messages per connection using sliding window
type ConnectionRateLimiter struct {
	messages map[string][]time.Time
	mu       sync.RWMutex
	stopCh   chan struct{}
}

// NewConnectionRateLimiter creates a new connection rate limiter
func NewConnectionRateLimiter() *ConnectionRateLimiter {
	crl := &ConnectionRateLimiter{
		messages: make(map[string][]time.Time),
		stopCh:   make(chan struct{}),
	}
	go crl.cleanupLoop()
	return crl
}

func (crl *ConnectionRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			crl.cleanup()
		case <-crl.stopCh:
			return
		}
	}
}

func (crl *ConnectionRateLimiter) cleanup() {
	crl.mu.Lock()
	defer crl.mu.Unlock()

	now := time.Now()
	for connID, timestamps := range crl.messages {
		recent := make([]time.Time, 0)
		for _, ts := range timestamps {
			if now.Sub(ts) < time.Minute {
				recent = append(recent, ts)
			}
		}
		if len(recent) == 0 {
			delete(crl.messages, connID)
		} else {
			crl.messages[connID] = recent
		}
	}
}

// CanSendMessage checks if connection can send a message
func (crl *ConnectionRateLimiter) CanSendMessage(connectionID string) bool {
	crl.mu.RLock()
	defer crl.mu.RUnlock()

	now := time.Now()
	timestamps := crl.messages[connectionID]

	count := 0
	for _, ts := range timestamps {
		if now.Sub(ts) < time.Minute {
			count++
		}
	}

	return count < SecurityLimits.MaxMessagesPerMinute
}

// RecordMessage records a message from connection
func (crl *ConnectionRateLimiter) RecordMessage(connectionID string) {
	crl.mu.Lock()
	defer crl.mu.Unlock()

	crl.messages[connectionID] = append(crl.messages[connectionID], time.Now())
}

// RemoveConnection removes connection tracking data
func (crl *ConnectionRateLimiter) RemoveConnection(connectionID string) {
	crl.mu.Lock()
	defer crl.mu.Unlock()
	delete(crl.messages, connectionID)
}

// Dispose cleans up resources
func (crl *ConnectionRateLimiter) Dispose() {
	close(crl.stopCh)
}

// SubscriptionLimiter tracks how many documents an IP subscribes to,
// guarding against a connection fanning out to an unbounded number of
// documents and forcing the Hub to hold a live fanout entry for each.
type SubscriptionLimiter struct {
	subs   map[string]*subscriptionData
	mu     sync.RWMutex
	stopCh chan struct{}
}

type subscriptionData struct {
	total  int
	hourly []time.Time
}

// NewSubscriptionLimiter creates a new subscription limiter
func NewSubscriptionLimiter() *SubscriptionLimiter {
	sl := &SubscriptionLimiter{
		subs:   make(map[string]*subscriptionData),
		stopCh: make(chan struct{}),
	}
	go sl.cleanupLoop()
	return sl
}

func (sl *SubscriptionLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sl.cleanup()
		case <-sl.stopCh:
			return
		}
	}
}

func (sl *SubscriptionLimiter) cleanup() {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := time.Now()
	hourAgo := now.Add(-time.Hour)

	for ip, data := range sl.subs {
		recent := make([]time.Time, 0)
		for _, ts := range data.hourly {
			if ts.After(hourAgo) {
				recent = append(recent, ts)
			}
		}
		data.hourly = recent

		if len(data.hourly) == 0 && data.total == 0 {
			delete(sl.subs, ip)
		}
	}
}

// CanSubscribe checks if IP can open another document subscription
func (sl *SubscriptionLimiter) CanSubscribe(ip string) (bool, string) {
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	data := sl.subs[ip]
	if data == nil {
		return true, ""
	}

	if data.total >= SecurityLimits.MaxSubscriptionsPerIP {
		return false, "Maximum subscriptions per IP reached"
	}

	now := time.Now()
	hourAgo := now.Add(-time.Hour)
	count := 0
	for _, ts := range data.hourly {
		if ts.After(hourAgo) {
			count++
		}
	}
	if count >= SecurityLimits.MaxSubscriptionsPerHour {
		return false, "Hourly subscription limit reached"
	}

	return true, ""
}

// RecordSubscription records a new subscription from IP
func (sl *SubscriptionLimiter) RecordSubscription(ip string) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.subs[ip] == nil {
		sl.subs[ip] = &subscriptionData{hourly: make([]time.Time, 0)}
	}

	sl.subs[ip].total++
	sl.subs[ip].hourly = append(sl.subs[ip].hourly, time.Now())
}

// Dispose cleans up resources
func (sl *SubscriptionLimiter) Dispose() {
	close(sl.stopCh)
}

// SecurityManager centralizes all security components
type SecurityManager struct {
	ConnectionLimiter     *ConnectionLimiter
	ConnectionRateLimiter *ConnectionRateLimiter
	SubscriptionLimiter   *SubscriptionLimiter
}

// NewSecurityManager creates a new security manager
func NewSecurityManager() *SecurityManager {
	return &SecurityManager{
		ConnectionLimiter:     NewConnectionLimiter(),
		ConnectionRateLimiter: NewConnectionRateLimiter(),
		SubscriptionLimiter:   NewSubscriptionLimiter(),
	}
}

// Dispose cleans up all resources
func (sm *SecurityManager) Dispose() {
	sm.ConnectionLimiter.Dispose()
	sm.ConnectionRateLimiter.Dispose()
	sm.SubscriptionLimiter.Dispose()
}

// ValidateMessage checks a decoded message's type against the set of
// types the Hub knows how to route.
func ValidateMessage(msgType string) (bool, string) {
	if msgType == "" {
		return false, "Missing message type"
	}
	if !ValidMessageTypes[msgType] {
		return false, "Invalid message type: " + msgType
	}
	return true, ""
}

// ValidateIdentifier validates a collection or document name.
func ValidateIdentifier(id string) (bool, string) {
	if id == "" {
		return false, "Invalid identifier"
	}
	if len(id) > 256 {
		return false, "Identifier too long (max 256 characters)"
	}
	if !IdentifierPattern.MatchString(id) {
		return false, "Identifier contains invalid characters"
	}
	return true, ""
}
