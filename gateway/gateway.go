// Package gateway serves the realtime side of the sync protocol: persistent
// WebSocket connections that carry the same push, pull and resolve operations
// as the REST surface plus server-initiated change and conflict notifications.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/classlane/change-sync/config"
	"github.com/classlane/change-sync/eventbus"
	"github.com/classlane/change-sync/metrics"
	"github.com/classlane/change-sync/middleware"
	"github.com/classlane/change-sync/store"
	"github.com/classlane/change-sync/syncer"
	"github.com/coder/websocket"
)

const (
	// close codes beyond the RFC range
	statusHeartbeatTimeout websocket.StatusCode = 4000
	statusSuperseded       websocket.StatusCode = 4001

	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

type connKey struct {
	userID   string
	deviceID string
}

type client struct {
	key      connKey
	identity middleware.Identity
	conn     *websocket.Conn

	sendChan chan Envelope
	done     chan struct{}
	closing  sync.Once

	mu          sync.Mutex
	entityTypes map[string]struct{} // nil means wildcard
	lastSeen    time.Time
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.closing.Do(func() {
		close(c.done)
		c.conn.Close(code, reason)
	})
}

// trySend enqueues an envelope, dropping it when the client cannot keep up.
// Dropped notifications are recovered through pull.
func (c *client) trySend(env Envelope) bool {
	select {
	case c.sendChan <- env:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// send blocks until the envelope is queued or the connection is gone. Used
// for replies, which must not be dropped.
func (c *client) send(env Envelope) {
	select {
	case c.sendChan <- env:
	case <-c.done:
	}
}

func (c *client) wantsEntityType(entityType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entityTypes == nil {
		return true
	}
	_, ok := c.entityTypes[entityType]
	return ok
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *client) staleSince(now time.Time, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastSeen) > timeout
}

// tenantStream is one bus subscription shared by every connection of a
// tenant, refcounted so the subscription lives exactly as long as the
// tenant has connections.
type tenantStream struct {
	sub  *eventbus.Subscription
	refs int
}

type Gateway struct {
	config  *config.Config
	service *syncer.Service
	bus     eventbus.Bus
	logger  *log.Logger

	mu      sync.Mutex
	clients map[connKey]*client
	tenants map[string]*tenantStream

	quitChan chan struct{}
	wg       sync.WaitGroup
}

func NewGateway(config *config.Config, service *syncer.Service, bus eventbus.Bus, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.New(os.Stderr, "[gateway] ", log.LstdFlags)
	}
	g := &Gateway{
		config:   config,
		service:  service,
		bus:      bus,
		logger:   logger,
		clients:  make(map[connKey]*client),
		tenants:  make(map[string]*tenantStream),
		quitChan: make(chan struct{}),
	}
	g.wg.Add(1)
	go g.heartbeatLoop()
	return g
}

// ServeWs authenticates the upgrade request and runs the connection until the
// peer disconnects or the gateway shuts down.
func (g *Gateway) ServeWs(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.Authenticate(g.config, r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.logger.Printf("failed to accept websocket: %v", err)
		return
	}

	c := &client{
		key:      connKey{userID: identity.UserID, deviceID: identity.DeviceID},
		identity: *identity,
		conn:     conn,
		sendChan: make(chan Envelope, sendBuffer),
		done:     make(chan struct{}),
		lastSeen: time.Now(),
	}
	g.register(c)
	metrics.ActiveConnections.Inc()
	defer func() {
		g.unregister(c)
		c.close(websocket.StatusNormalClosure, "")
		metrics.ActiveConnections.Dec()
	}()

	g.wg.Add(1)
	go g.writeLoop(c)

	g.readLoop(c)
}

// register adds the client to the registry, evicting any prior connection for
// the same user and device. The tenant's bus subscription is created on the
// first connection and torn down with the last.
func (g *Gateway) register(c *client) {
	g.mu.Lock()
	prior := g.clients[c.key]
	g.clients[c.key] = c

	stream := g.tenants[c.identity.TenantID]
	if stream == nil {
		stream = &tenantStream{sub: g.bus.Subscribe(c.identity.TenantID)}
		g.tenants[c.identity.TenantID] = stream
		g.wg.Add(1)
		go g.fanOutLoop(c.identity.TenantID, stream.sub)
	}
	stream.refs++
	if prior != nil {
		g.releaseTenantLocked(prior.identity.TenantID)
	}
	g.mu.Unlock()

	if prior != nil {
		g.logger.Printf("evicting stale connection for device %s", prior.key.deviceID)
		prior.close(statusSuperseded, "superseded by new connection")
	}
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.clients[c.key] != c {
		// already evicted by a newer connection
		return
	}
	delete(g.clients, c.key)
	g.releaseTenantLocked(c.identity.TenantID)
}

func (g *Gateway) releaseTenantLocked(tenantID string) {
	stream := g.tenants[tenantID]
	if stream == nil {
		return
	}
	stream.refs--
	if stream.refs <= 0 {
		delete(g.tenants, tenantID)
		// closes the subscription channels, ending the fan-out loop
		g.bus.Unsubscribe(stream.sub)
	}
}

// fanOutLoop drains one tenant's bus subscription and delivers events to the
// tenant's connections, filtered by subscription and origin device.
func (g *Gateway) fanOutLoop(tenantID string, sub *eventbus.Subscription) {
	defer g.wg.Done()
	for {
		select {
		case event, ok := <-sub.Changes:
			if !ok {
				return
			}
			g.deliver(tenantID, event.EntityType, event.OriginDeviceID, MessageTypeChangeNotification, event, "change")
		case event, ok := <-sub.Conflicts:
			if !ok {
				return
			}
			g.deliver(tenantID, event.EntityType, event.OriginDeviceID, MessageTypeConflictNotification, event, "conflict")
		}
	}
}

func (g *Gateway) deliver(tenantID, entityType, originDeviceID string, msgType MessageType, payload any, kind string) {
	data, err := json.Marshal(payload)
	if err != nil {
		g.logger.Printf("failed to marshal %s notification: %v", kind, err)
		return
	}
	env := Envelope{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UnixMilli(),
	}

	g.mu.Lock()
	targets := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		if c.identity.TenantID == tenantID {
			targets = append(targets, c)
		}
	}
	g.mu.Unlock()

	for _, c := range targets {
		// never echo a change back to the device that produced it
		if c.key.deviceID == originDeviceID {
			continue
		}
		if !c.wantsEntityType(entityType) {
			continue
		}
		if c.trySend(env) {
			metrics.NotificationsDelivered.WithLabelValues(kind).Inc()
		} else {
			g.logger.Printf("dropping %s notification for slow device %s", kind, c.key.deviceID)
		}
	}
}

func (g *Gateway) writeLoop(c *client) {
	defer g.wg.Done()
	for {
		select {
		case env := <-c.sendChan:
			data, err := json.Marshal(env)
			if err != nil {
				g.logger.Printf("failed to marshal envelope: %v", err)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err = c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (g *Gateway) readLoop(c *client) {
	ctx := context.Background()
	for {
		select {
		case <-c.done:
			return
		case <-g.quitChan:
			return
		default:
		}
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		c.touch()
		g.handleMessage(c, data)
	}
}

func (g *Gateway) handleMessage(c *client, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.send(errorEnvelope("", ErrCodeMalformed, "invalid message envelope"))
		return
	}

	switch env.Type {
	case MessageTypePing:
		c.send(Envelope{
			Type:      MessageTypePong,
			RequestID: env.RequestID,
			Timestamp: time.Now().UnixMilli(),
		})

	case MessageTypePong:
		// lastSeen already refreshed by the read loop

	case MessageTypeSubscribe:
		g.handleSubscribe(c, env)

	case MessageTypeUnsubscribe:
		g.handleUnsubscribe(c, env)

	case MessageTypePushChange:
		g.handlePush(c, env)

	case MessageTypePullChanges:
		g.handlePull(c, env)

	case MessageTypeResolveConflict:
		g.handleResolve(c, env)

	case MessageTypeChangeNotification, MessageTypeConflictNotification,
		MessageTypeSyncComplete, MessageTypeError:
		c.send(errorEnvelope(env.RequestID, ErrCodeUnsupported, "server-to-client message type"))

	default:
		c.send(errorEnvelope(env.RequestID, ErrCodeUnsupported, "unknown message type"))
	}
}

func (g *Gateway) handleSubscribe(c *client, env Envelope) {
	var payload SubscribePayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.send(errorEnvelope(env.RequestID, ErrCodeMalformed, "invalid subscribe payload"))
			return
		}
	}

	c.mu.Lock()
	if len(payload.EntityTypes) == 0 {
		c.entityTypes = nil
	} else {
		if c.entityTypes == nil {
			c.entityTypes = make(map[string]struct{})
		}
		for _, entityType := range payload.EntityTypes {
			c.entityTypes[entityType] = struct{}{}
		}
	}
	c.mu.Unlock()

	g.reply(c, env.RequestID, map[string]bool{"subscribed": true})
}

func (g *Gateway) handleUnsubscribe(c *client, env Envelope) {
	var payload SubscribePayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.send(errorEnvelope(env.RequestID, ErrCodeMalformed, "invalid unsubscribe payload"))
			return
		}
	}

	c.mu.Lock()
	if len(payload.EntityTypes) == 0 {
		// no explicit types means stop receiving everything
		c.entityTypes = make(map[string]struct{})
	} else if c.entityTypes != nil {
		for _, entityType := range payload.EntityTypes {
			delete(c.entityTypes, entityType)
		}
	}
	c.mu.Unlock()

	g.reply(c, env.RequestID, map[string]bool{"subscribed": false})
}

func (g *Gateway) handlePush(c *client, env Envelope) {
	var payload PushChangePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.send(errorEnvelope(env.RequestID, ErrCodeMalformed, "invalid push payload"))
		return
	}

	// the connection identity is authoritative for the origin device
	for i := range payload.Operations {
		payload.Operations[i].DeviceID = c.identity.DeviceID
	}

	result, err := g.service.PushChanges(context.Background(), c.identity.TenantID, payload.Operations)
	if err != nil {
		g.logger.Printf("push failed for device %s: %v", c.key.deviceID, err)
		c.send(errorEnvelope(env.RequestID, ErrCodeSyncFailed, "push failed"))
		return
	}
	g.reply(c, env.RequestID, result)
}

func (g *Gateway) handlePull(c *client, env Envelope) {
	var req syncer.PullRequest
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			c.send(errorEnvelope(env.RequestID, ErrCodeMalformed, "invalid pull payload"))
			return
		}
	}

	result, err := g.service.PullChanges(context.Background(), c.identity.TenantID, req)
	if err != nil {
		g.logger.Printf("pull failed for device %s: %v", c.key.deviceID, err)
		c.send(errorEnvelope(env.RequestID, ErrCodeSyncFailed, "pull failed"))
		return
	}
	g.reply(c, env.RequestID, result)
}

func (g *Gateway) handleResolve(c *client, env Envelope) {
	var payload ResolveConflictPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.send(errorEnvelope(env.RequestID, ErrCodeMalformed, "invalid resolve payload"))
		return
	}

	err := g.service.ResolveConflict(context.Background(), c.identity.TenantID, payload.ConflictID, payload.Resolution, payload.MergedData)
	switch err {
	case nil:
		g.reply(c, env.RequestID, ResolveConflictReply{Success: true})
	case store.ErrNotFound:
		c.send(errorEnvelope(env.RequestID, ErrCodeNotFound, "conflict not found"))
	case store.ErrConflictResolved:
		c.send(errorEnvelope(env.RequestID, ErrCodeAlreadyFinal, "conflict already resolved"))
	default:
		g.logger.Printf("resolve failed for conflict %s: %v", payload.ConflictID, err)
		c.send(errorEnvelope(env.RequestID, ErrCodeSyncFailed, err.Error()))
	}
}

func (g *Gateway) reply(c *client, requestID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		g.logger.Printf("failed to marshal reply: %v", err)
		c.send(errorEnvelope(requestID, ErrCodeSyncFailed, "internal error"))
		return
	}
	c.send(Envelope{
		Type:      MessageTypeSyncComplete,
		RequestID: requestID,
		Payload:   data,
		Timestamp: time.Now().UnixMilli(),
	})
}

func errorEnvelope(requestID, code, message string) Envelope {
	payload, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return Envelope{
		Type:      MessageTypeError,
		RequestID: requestID,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// heartbeatLoop closes connections that have been silent past the timeout.
// Reads count as liveness, a client sending PING regularly stays connected.
func (g *Gateway) heartbeatLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.config.HeartbeatIntervalDuration())
	defer ticker.Stop()
	timeout := g.config.HeartbeatTimeoutDuration()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			g.mu.Lock()
			stale := make([]*client, 0)
			for _, c := range g.clients {
				if c.staleSince(now, timeout) {
					stale = append(stale, c)
				}
			}
			g.mu.Unlock()
			for _, c := range stale {
				g.logger.Printf("closing unresponsive connection for device %s", c.key.deviceID)
				c.close(statusHeartbeatTimeout, "heartbeat timeout")
			}
		case <-g.quitChan:
			return
		}
	}
}

// ClientCount reports the number of live connections.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// Shutdown closes every connection and waits for the gateway's goroutines.
func (g *Gateway) Shutdown() {
	close(g.quitChan)

	g.mu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
	g.wg.Wait()
}
