package mqttnative

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/homekit"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/infrastructure/mqtt"
)

const (
	defaultAvailabilityTimeout = 5 * time.Second
	defaultPendingTTL          = 2 * time.Minute
	defaultQoS                 = 1
)

// MQTTClient is the subset of the MQTT client the native layer needs.
// *mqtt.Client satisfies it; tests use a mock.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Config configures the MQTT native layer.
type Config struct {
	// HostID names the native host process; it is part of every topic.
	HostID string

	// AvailabilityTimeout bounds how long Available waits for the host's
	// retained online status.
	AvailabilityTimeout time.Duration

	// PendingTTL is how long an unanswered read, write or identify is
	// remembered. Older entries are pruned; the bridge has long given up.
	PendingTTL time.Duration

	// QoS for requests and subscriptions.
	QoS byte
}

// Native implements homekit.Native by talking to a native host process
// over MQTT.
//
// Reads, writes and identifies are fire-and-forget requests whose
// responses are forwarded to the sink. FetchGraph, Observe and Unobserve
// wait for their response. The host's retained status topic drives
// availability, reconnect and fatal reporting.
type Native struct {
	client MQTTClient
	cfg    Config
	topics mqtt.Topics
	logger homekit.Logger
	now    func() time.Time

	online     chan struct{}
	onlineOnce sync.Once

	mu         sync.Mutex
	sink       homekit.Sink
	hostStatus string
	away       bool
	waiters    map[string]chan ResponseMessage
	inflight   map[string]asyncRequest
	subscribed []string
}

type asyncRequest struct {
	op   string
	sent time.Time
}

// New creates the native layer and starts listening for the host status.
func New(client MQTTClient, cfg Config, logger homekit.Logger) (*Native, error) {
	if client == nil {
		return nil, errors.New("mqttnative: client is required")
	}
	if cfg.HostID == "" {
		return nil, errors.New("mqttnative: host id is required")
	}
	if cfg.AvailabilityTimeout <= 0 {
		cfg.AvailabilityTimeout = defaultAvailabilityTimeout
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = defaultPendingTTL
	}
	if cfg.QoS == 0 {
		cfg.QoS = defaultQoS
	}
	if logger == nil {
		logger = nopLogger{}
	}

	n := &Native{
		client:   client,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		online:   make(chan struct{}),
		waiters:  make(map[string]chan ResponseMessage),
		inflight: make(map[string]asyncRequest),
	}

	if err := n.subscribe(n.topics.NativeStatus(cfg.HostID), n.handleStatus); err != nil {
		return nil, fmt.Errorf("subscribing to native host status: %w", err)
	}
	return n, nil
}

// =============================================================================
// homekit.Native
// =============================================================================

// Available waits up to the availability timeout for the host to report
// online.
func (n *Native) Available() bool {
	select {
	case <-n.online:
		return true
	case <-time.After(n.cfg.AvailabilityTimeout):
		n.logger.Warn("native host did not report online", "host", n.cfg.HostID, "timeout", n.cfg.AvailabilityTimeout)
		return false
	}
}

// Start registers the sink and subscribes to responses and events.
func (n *Native) Start(sink homekit.Sink) error {
	n.mu.Lock()
	if n.sink != nil {
		n.mu.Unlock()
		return errors.New("mqttnative: already started")
	}
	n.sink = sink
	n.mu.Unlock()

	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{n.topics.NativeResponses(n.cfg.HostID), n.handleResponse},
		{n.topics.NativeCharacteristicEvents(n.cfg.HostID), n.handleCharacteristicEvent},
		{n.topics.NativeReachabilityEvents(n.cfg.HostID), n.handleReachabilityEvent},
	}
	for _, s := range subs {
		if err := n.subscribe(s.topic, s.handler); err != nil {
			return fmt.Errorf("subscribing to %s: %w", s.topic, err)
		}
	}

	n.logger.Info("native host adapter started", "host", n.cfg.HostID)
	return nil
}

// FetchGraph requests the full accessory graph and waits for it.
func (n *Native) FetchGraph(ctx context.Context) (*homekit.Graph, error) {
	resp, err := n.call(ctx, RequestMessage{Op: OpFetchGraph})
	if err != nil {
		return nil, err
	}
	if resp.Graph == nil {
		return nil, &homekit.NativeError{Op: OpFetchGraph, Code: homekit.CodeInternal, Message: "response carried no graph"}
	}
	return resp.Graph, nil
}

// Read sends a read request. The value arrives through the sink.
func (n *Native) Read(_ context.Context, token string, ref homekit.CharacteristicRef) error {
	return n.send(RequestMessage{
		Token:            token,
		Op:               OpRead,
		AccessoryID:      ref.AccessoryID,
		ServiceID:        ref.ServiceID,
		CharacteristicID: ref.CharacteristicID,
	})
}

// Write sends a write request.
func (n *Native) Write(_ context.Context, token string, ref homekit.CharacteristicRef, value any, writeType homekit.WriteType) error {
	return n.send(RequestMessage{
		Token:            token,
		Op:               OpWrite,
		AccessoryID:      ref.AccessoryID,
		ServiceID:        ref.ServiceID,
		CharacteristicID: ref.CharacteristicID,
		Value:            value,
		WriteType:        writeType.String(),
	})
}

// Identify sends an identify request.
func (n *Native) Identify(_ context.Context, token string, accessoryID string) error {
	return n.send(RequestMessage{Token: token, Op: OpIdentify, AccessoryID: accessoryID})
}

// Observe asks the host to start notifications for ref and waits for the
// acknowledgement.
func (n *Native) Observe(ctx context.Context, ref homekit.CharacteristicRef) error {
	_, err := n.call(ctx, RequestMessage{
		Op:               OpObserve,
		AccessoryID:      ref.AccessoryID,
		ServiceID:        ref.ServiceID,
		CharacteristicID: ref.CharacteristicID,
	})
	return err
}

// Unobserve asks the host to stop notifications for ref.
func (n *Native) Unobserve(ctx context.Context, ref homekit.CharacteristicRef) error {
	_, err := n.call(ctx, RequestMessage{
		Op:               OpUnobserve,
		AccessoryID:      ref.AccessoryID,
		ServiceID:        ref.ServiceID,
		CharacteristicID: ref.CharacteristicID,
	})
	return err
}

// HandleBrokerDisconnect records that the broker connection dropped.
// Outstanding requests are failed; when the retained online status is
// redelivered after reconnect the sink is told to reconcile.
//
// Intended for mqtt.Client.SetOnDisconnect.
func (n *Native) HandleBrokerDisconnect(err error) {
	n.logger.Warn("broker connection lost, failing native requests", "error", err)
	n.markAway("broker disconnected")
}

// Close unsubscribes from every topic. The MQTT client is owned by the caller.
func (n *Native) Close() error {
	n.mu.Lock()
	topics := n.subscribed
	n.subscribed = nil
	n.mu.Unlock()

	var errs []error
	for _, topic := range topics {
		if err := n.client.Unsubscribe(topic); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribing %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

// HostStatus returns the last status reported by the native host.
func (n *Native) HostStatus() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hostStatus
}

// =============================================================================
// Requests
// =============================================================================

// call publishes a request and waits for its response.
func (n *Native) call(ctx context.Context, req RequestMessage) (ResponseMessage, error) {
	req.Token = uuid.NewString()
	ch := make(chan ResponseMessage, 1)

	n.mu.Lock()
	if err := n.usableLocked(); err != nil {
		n.mu.Unlock()
		return ResponseMessage{}, err
	}
	n.waiters[req.Token] = ch
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.waiters, req.Token)
		n.mu.Unlock()
	}()

	if err := n.publish(req); err != nil {
		return ResponseMessage{}, err
	}

	select {
	case resp := <-ch:
		return resp, resp.err(req.Op)
	case <-ctx.Done():
		return ResponseMessage{}, ctx.Err()
	}
}

// send publishes a request whose response goes to the sink.
func (n *Native) send(req RequestMessage) error {
	n.mu.Lock()
	if err := n.usableLocked(); err != nil {
		n.mu.Unlock()
		return err
	}
	n.pruneLocked()
	n.inflight[req.Token] = asyncRequest{op: req.Op, sent: n.now()}
	n.mu.Unlock()

	if err := n.publish(req); err != nil {
		n.mu.Lock()
		delete(n.inflight, req.Token)
		n.mu.Unlock()
		return err
	}
	return nil
}

func (n *Native) usableLocked() error {
	if n.sink == nil {
		return ErrNotStarted
	}
	if n.away || n.hostStatus != mqtt.StatusOnline {
		return ErrHostOffline
	}
	if !n.client.IsConnected() {
		return fmt.Errorf("%w: broker not connected", ErrHostOffline)
	}
	return nil
}

func (n *Native) pruneLocked() {
	cutoff := n.now().Add(-n.cfg.PendingTTL)
	for token, r := range n.inflight {
		if r.sent.Before(cutoff) {
			delete(n.inflight, token)
		}
	}
}

func (n *Native) publish(req RequestMessage) error {
	req.Timestamp = n.now().UTC()
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", req.Op, err)
	}
	if err := n.client.Publish(n.topics.NativeRequest(n.cfg.HostID, req.Token), payload, n.cfg.QoS, false); err != nil {
		return fmt.Errorf("publishing %s request: %w", req.Op, err)
	}
	n.logger.Debug("native request sent", "op", req.Op, "token", req.Token)
	return nil
}

func (n *Native) subscribe(topic string, handler mqtt.MessageHandler) error {
	if err := n.client.Subscribe(topic, n.cfg.QoS, handler); err != nil {
		return err
	}
	n.mu.Lock()
	n.subscribed = append(n.subscribed, topic)
	n.mu.Unlock()
	return nil
}

// =============================================================================
// Inbound Messages
// =============================================================================

func (n *Native) handleResponse(topic string, payload []byte) error {
	var resp ResponseMessage
	if err := decode(payload, &resp); err != nil {
		return err
	}
	if resp.Token == "" {
		resp.Token = path.Base(topic)
	}

	n.mu.Lock()
	if ch, ok := n.waiters[resp.Token]; ok {
		delete(n.waiters, resp.Token)
		n.mu.Unlock()
		ch <- resp
		return nil
	}
	req, ok := n.inflight[resp.Token]
	delete(n.inflight, resp.Token)
	sink := n.sink
	n.mu.Unlock()

	if !ok || sink == nil {
		n.logger.Debug("unmatched native response dropped", "token", resp.Token)
		return nil
	}
	sink.HandleCompletion(homekit.Completion{Token: resp.Token, Value: resp.Value, Err: resp.err(req.op)})
	return nil
}

func (n *Native) handleCharacteristicEvent(_ string, payload []byte) error {
	var msg CharacteristicEventMessage
	if err := decode(payload, &msg); err != nil {
		return err
	}
	if msg.AccessoryID == "" || msg.ServiceID == "" || msg.CharacteristicID == "" {
		return fmt.Errorf("%w: characteristic event without full reference", ErrInvalidMessage)
	}
	if sink := n.currentSink(); sink != nil {
		sink.HandleNotification(homekit.Notification{Ref: msg.ref(), Value: msg.Value})
	}
	return nil
}

func (n *Native) handleReachabilityEvent(_ string, payload []byte) error {
	var msg ReachabilityEventMessage
	if err := decode(payload, &msg); err != nil {
		return err
	}
	if msg.AccessoryID == "" {
		return fmt.Errorf("%w: reachability event without accessory id", ErrInvalidMessage)
	}
	if sink := n.currentSink(); sink != nil {
		sink.HandleReachability(msg.AccessoryID, msg.Reachable)
	}
	return nil
}

func (n *Native) handleStatus(_ string, payload []byte) error {
	var msg mqtt.StatusMessage
	if err := decode(payload, &msg); err != nil {
		return err
	}

	n.mu.Lock()
	prev := n.hostStatus
	n.hostStatus = msg.Status
	n.mu.Unlock()

	if prev != msg.Status {
		n.logger.Info("native host status changed", "host", n.cfg.HostID, "from", prev, "to", msg.Status, "reason", msg.Reason)
	}

	switch msg.Status {
	case mqtt.StatusOnline:
		n.onlineOnce.Do(func() { close(n.online) })
		n.mu.Lock()
		reconnect := n.away && n.sink != nil
		n.away = false
		sink := n.sink
		n.mu.Unlock()
		if reconnect {
			sink.HandleReconnect()
		}

	case mqtt.StatusOffline:
		n.markAway("native host offline")

	case mqtt.StatusFailed:
		n.markAway("native host failed")
		if sink := n.currentSink(); sink != nil {
			sink.HandleFatal(fmt.Errorf("native host %s failed: %s", n.cfg.HostID, msg.Reason))
		}

	default:
		n.logger.Warn("unknown native host status", "status", msg.Status)
	}
	return nil
}

// markAway fails everything outstanding; the host will not answer it.
func (n *Native) markAway(reason string) {
	n.mu.Lock()
	n.away = true
	inflight := n.inflight
	n.inflight = make(map[string]asyncRequest)
	waiters := n.waiters
	n.waiters = make(map[string]chan ResponseMessage)
	sink := n.sink
	n.mu.Unlock()

	failure := &ErrorPayload{Code: homekit.CodeInternal, Message: reason}
	for token, ch := range waiters {
		ch <- ResponseMessage{Token: token, Error: failure}
	}
	if sink == nil {
		return
	}
	for token, req := range inflight {
		sink.HandleCompletion(homekit.Completion{
			Token: token,
			Err:   &homekit.NativeError{Op: req.op, Code: failure.Code, Message: failure.Message},
		})
	}
}

func (n *Native) currentSink() homekit.Sink {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sink
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
