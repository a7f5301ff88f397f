// Package chartbus fans teeth chart changesets out over Redis pub/sub so chart
// screens can animate them.
package chartbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ehr/dental/internal/platform/db"
)

const channelPrefix = "dental:chart"

// Envelope is the message published on a patient channel.
type Envelope struct {
	Tenant    string          `json:"tenant,omitempty"`
	PatientID uuid.UUID       `json:"patient_id"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload"`
}

type Bus struct {
	client *redis.Client
	now    func() time.Time
}

// New connects to url. An empty url returns a nil Bus and no error; callers
// treat that as publishing disabled.
func New(ctx context.Context, url string) (*Bus, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewWithClient(client), nil
}

func NewWithClient(client *redis.Client) *Bus {
	return &Bus{client: client, now: time.Now}
}

// Channel names the pub/sub channel for one patient of a tenant.
func Channel(tenant string, patientID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", channelPrefix, tenantOrDefault(tenant), patientID)
}

// TenantPattern matches every patient channel of a tenant.
func TenantPattern(tenant string) string {
	return fmt.Sprintf("%s:%s:*", channelPrefix, tenantOrDefault(tenant))
}

func tenantOrDefault(tenant string) string {
	if tenant == "" {
		return "default"
	}
	return tenant
}

// Publish sends payload to the patient's channel. The tenant is taken from ctx.
func (b *Bus) Publish(ctx context.Context, patientID uuid.UUID, payload interface{}) error {
	env, err := b.envelope(db.TenantFromContext(ctx), patientID, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal chart envelope: %w", err)
	}
	if err := b.client.Publish(ctx, Channel(env.Tenant, patientID), data).Err(); err != nil {
		return fmt.Errorf("publish chart changeset: %w", err)
	}
	return nil
}

func (b *Bus) envelope(tenant string, patientID uuid.UUID, payload interface{}) (Envelope, error) {
	return NewEnvelope(tenant, patientID, b.now(), payload)
}

// NewEnvelope wraps payload for delivery without going through Redis.
func NewEnvelope(tenant string, patientID uuid.UUID, at time.Time, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal chart payload: %w", err)
	}
	return Envelope{Tenant: tenant, PatientID: patientID, At: at.UTC(), Payload: raw}, nil
}

// Subscribe delivers envelopes for one patient, or for every patient of the
// tenant when patientID is uuid.Nil. The channel closes when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, tenant string, patientID uuid.UUID) (<-chan Envelope, error) {
	var ps *redis.PubSub
	if patientID == uuid.Nil {
		ps = b.client.PSubscribe(ctx, TenantPattern(tenant))
	} else {
		ps = b.client.Subscribe(ctx, Channel(tenant, patientID))
	}
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe chart channel: %w", err)
	}

	out := make(chan Envelope, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *Bus) Health(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Bus) Close() error {
	return b.client.Close()
}
