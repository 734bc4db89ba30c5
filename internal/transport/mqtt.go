// Package transport connects endpoint firmware to the coordinator over
// MQTT. Messages from one endpoint are handled in arrival order on that
// endpoint's lane; different endpoints run in parallel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"makerspace-backend/config"
	"makerspace-backend/internal/clock"
	"makerspace-backend/internal/ingress"
	"makerspace-backend/internal/mw"
	"makerspace-backend/internal/parse"
)

// Handler applies a canonical event and returns the endpoint reply.
type Handler interface {
	HandleEvent(ctx context.Context, ev ingress.Event) ingress.Reply
}

// publisher is the part of mqtt.Client replies need.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type message struct {
	topic      string
	endpoint   parse.ParsedTopic
	payload    []byte
	receivedAt time.Time
}

// MQTT subscribes to the endpoint topics and answers every event on
// "<topic>/response".
type MQTT struct {
	cfg     config.MQTTConfig
	decoder ingress.Decoder
	handler Handler
	limiter *mw.KeyedLimiter
	clock   clock.Clock

	client mqtt.Client
	pub    publisher

	mu    sync.Mutex
	ctx   context.Context
	lanes map[string]chan message
	wg    sync.WaitGroup
}

// New creates the adapter. limiter may be nil to disable flood control.
func New(cfg config.MQTTConfig, handler Handler, limiter *mw.KeyedLimiter, clk clock.Clock) *MQTT {
	return &MQTT{
		cfg:     cfg,
		decoder: ingress.Decoder{ConnectMessage: cfg.ConnectMessage, AliveMessage: cfg.AliveMessage},
		handler: handler,
		limiter: limiter,
		clock:   clk,
		lanes:   make(map[string]chan message),
	}
}

// Connect dials the broker and subscribes. Subscriptions are renewed on
// every reconnect. Lanes stop when ctx is cancelled.
//
// The client delivers messages in order on a single goroutine;
// handleMessage only stamps and enqueues, so it never stalls delivery.
func (t *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(t.cfg.ClientID).
		SetUsername(t.cfg.Username).
		SetPassword(t.cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(true).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Printf("connected to MQTT broker %s", t.cfg.Broker)
			if err := t.subscribe(c); err != nil {
				log.Printf("failed to subscribe: %v", err)
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("connection to MQTT broker lost: %v", err)
		})

	t.client = mqtt.NewClient(opts)
	t.start(ctx, t.client)

	token := t.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("timed out connecting to MQTT broker %s", t.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", t.cfg.Broker, err)
	}
	return nil
}

func (t *MQTT) subscribe(c mqtt.Client) error {
	filters := map[string]byte{
		t.cfg.MachinePrefix + "/+": t.cfg.QoS,
		t.cfg.AccessPrefix + "/+":  t.cfg.QoS,
	}
	token := c.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		t.handleMessage(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

// Close disconnects and waits for the lanes to drain.
func (t *MQTT) Close() {
	if t.client != nil {
		t.client.Disconnect(250)
	}
	t.wg.Wait()
}

func (t *MQTT) start(ctx context.Context, pub publisher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctx = ctx
	t.pub = pub
}

// handleMessage routes one raw message to its endpoint lane. It never
// blocks the client's delivery goroutine: a full lane drops the message
// and the endpoint retransmits.
func (t *MQTT) handleMessage(topic string, payload []byte) {
	endpoint, err := parse.ParseTopic(topic, t.cfg.MachinePrefix, t.cfg.AccessPrefix)
	if err != nil {
		log.Printf("warning: ignoring message: %v", err)
		return
	}
	if t.limiter != nil && !t.limiter.Allow(topic) {
		log.Printf("warning: endpoint %s is flooding, dropping message", endpoint.EndpointID)
		return
	}

	t.enqueue(message{
		topic:      topic,
		endpoint:   endpoint,
		payload:    append([]byte(nil), payload...),
		receivedAt: t.clock.Now(),
	})
}

// enqueue hands msg to the lane of its topic, starting one if needed.
// Sends happen under t.mu so a retiring lane never strands a message.
func (t *MQTT) enqueue(msg message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil || t.ctx.Err() != nil {
		return
	}

	lane, ok := t.lanes[msg.topic]
	if !ok {
		if max := t.cfg.MaxLanes; max > 0 && len(t.lanes) >= max {
			log.Printf("warning: %d endpoint lanes active, dropping message from %s", len(t.lanes), msg.topic)
			return
		}
		size := t.cfg.LaneBuffer
		if size <= 0 {
			size = 32
		}
		lane = make(chan message, size)
		t.lanes[msg.topic] = lane
		t.wg.Add(1)
		go t.runLane(t.ctx, msg.topic, lane)
	}

	select {
	case lane <- msg:
	default:
		log.Printf("warning: lane for %s is full, dropping message", msg.topic)
	}
}

// activeLanes returns the number of running lanes.
func (t *MQTT) activeLanes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lanes)
}

// runLane processes one topic's messages in order. A lane that stays
// empty for the idle period retires.
func (t *MQTT) runLane(ctx context.Context, topic string, lane chan message) {
	defer t.wg.Done()

	idle := t.cfg.LaneIdle
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	ticker := t.clock.NewTicker(idle)
	defer ticker.Stop()
	last := t.clock.Now()

	for {
		select {
		case msg := <-lane:
			t.process(ctx, msg)
			last = msg.receivedAt
		case now := <-ticker.C:
			if now.Sub(last) < idle {
				continue
			}
			t.mu.Lock()
			if len(lane) == 0 {
				delete(t.lanes, topic)
				t.mu.Unlock()
				return
			}
			t.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

func (t *MQTT) process(ctx context.Context, msg message) {
	ev, err := t.decoder.Decode(msg.endpoint.Endpoint, msg.endpoint.EndpointID, msg.payload, msg.receivedAt)
	if err != nil {
		if errors.Is(err, ingress.ErrMalformedEvent) {
			log.Printf("warning: dropping event from %s: %v", msg.topic, err)
		} else {
			log.Printf("failed to decode event from %s: %v", msg.topic, err)
		}
		return
	}

	reply := t.handler.HandleEvent(ctx, ev)
	if ev.Kind == ingress.KeepAlive {
		return
	}

	body, err := ingress.EncodeReply(reply, ev.Encoding)
	if err != nil {
		log.Printf("failed to encode reply for %s: %v", msg.topic, err)
		return
	}
	token := t.pub.Publish(parse.ReplyTopic(msg.topic), t.cfg.QoS, false, body)
	if !token.WaitTimeout(5 * time.Second) {
		log.Printf("timed out publishing reply to %s", msg.topic)
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("failed to publish reply to %s: %v", msg.topic, err)
	}
}
