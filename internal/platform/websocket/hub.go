// Package websocket streams teeth chart changesets to open chart screens.
// Clients subscribe to patient topics and receive every changeset the
// chartbus delivers for those patients.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/dental/internal/platform/chartbus"
	"github.com/ehr/dental/internal/platform/db"
)

var timeNow = time.Now

// ClientMessage is an inbound message from a chart screen. PatientIDs are
// resolved within the tenant the connection was opened for.
type ClientMessage struct {
	Action     string      `json:"action"`
	PatientIDs []uuid.UUID `json:"patient_ids"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one open chart screen.
type Client struct {
	ID     string
	Tenant string
	Topics []string
	Send   chan []byte
	conn   Conn
}

func newClient(tenant string, conn Conn) *Client {
	return &Client{
		ID:     uuid.New().String(),
		Tenant: tenant,
		Topics: []string{},
		Send:   make(chan []byte, 256),
		conn:   conn,
	}
}

// Hub tracks clients by chart topic. Topics are chartbus channel names.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "chart-stream").Logger(),
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(topic, client)
	}
}

// Unregister drops every subscription of the client and closes its Send
// channel. Unregistering twice is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds patient charts to an already registered client.
func (h *Hub) Subscribe(client *Client, patientIDs []uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, pid := range patientIDs {
		topic := chartbus.Channel(client.Tenant, pid)
		if h.hasLocked(topic, client) {
			continue
		}
		h.addLocked(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

// Unsubscribe removes patient charts from a client.
func (h *Hub) Unsubscribe(client *Client, patientIDs []uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(patientIDs))
	for _, pid := range patientIDs {
		topic := chartbus.Channel(client.Tenant, pid)
		drop[topic] = struct{}{}
		h.removeLocked(topic, client)
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, ok := drop[t]; !ok {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) addLocked(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(topic string, client *Client) {
	subscribers, ok := h.clients[topic]
	if !ok {
		return
	}
	delete(subscribers, client)
	if len(subscribers) == 0 {
		delete(h.clients, topic)
	}
}

func (h *Hub) hasLocked(topic string, client *Client) bool {
	_, ok := h.clients[topic][client]
	return ok
}

// ProcessMessage dispatches a client message. Unknown actions are ignored.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.PatientIDs)
	case "unsubscribe":
		h.Unsubscribe(client, msg.PatientIDs)
	}
}

// Deliver sends an envelope to every client watching its patient. Clients
// whose buffer is full miss the message rather than stall the hub.
func (h *Hub) Deliver(env chartbus.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal chart envelope")
		return
	}
	topic := chartbus.Channel(env.Tenant, env.PatientID)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("chart stream buffer full, dropping changeset")
		}
	}
}

// Run delivers envelopes from in until it closes or ctx ends.
func (h *Hub) Run(ctx context.Context, in <-chan chartbus.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			h.Deliver(env)
		}
	}
}

// Publish has the shape of chartbus.Bus.Publish so a single instance without
// Redis can feed the hub directly.
func (h *Hub) Publish(ctx context.Context, patientID uuid.UUID, payload interface{}) error {
	env, err := chartbus.NewEnvelope(db.TenantFromContext(ctx), patientID, timeNow(), payload)
	if err != nil {
		return err
	}
	h.Deliver(env)
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// WatcherCount returns how many clients watch one patient chart.
func (h *Hub) WatcherCount(tenant string, patientID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[chartbus.Channel(tenant, patientID)])
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades chart stream requests.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/patients/:patient_id/chart/ws", h.HandleConnect)
}

// HandleConnect upgrades the request and subscribes the client to the
// patient named in the path.
func (h *Handler) HandleConnect(c echo.Context) error {
	pid, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	tenant := db.TenantFromContext(c.Request().Context())

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := newClient(tenant, &gorillaConnAdapter{ws})
	client.Topics = []string{chartbus.Channel(tenant, pid)}
	h.hub.Register(client)
	h.hub.logger.Debug().Str("client_id", client.ID).Str("tenant_id", tenant).Str("patient_id", pid.String()).Msg("chart stream opened")

	go h.hub.writePump(client)
	go h.hub.readPump(client)
	return nil
}

func (h *Hub) readPump(client *Client) {
	defer func() {
		h.Unregister(client)
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.ProcessMessage(client, msg)
	}
}

func (h *Hub) writePump(client *Client) {
	defer client.conn.Close()

	for message := range client.Send {
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}

type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
