package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/masshaul/masshaul/internal/logger"
	"github.com/masshaul/masshaul/internal/models"
	"github.com/masshaul/masshaul/internal/progress"
)

const channelPrefix = "masshaul:progress:"

// ProgressCallback returns a monitor callback that feeds the local hub.
func ProgressCallback(hub *Hub) progress.Callback {
	return func(p models.Progress) {
		payload, err := json.Marshal(p)
		if err != nil {
			return
		}
		hub.BroadcastJob(p.JobID, payload)
	}
}

// wireMessage is the pub/sub envelope. Origin lets a replica drop the
// echoes of its own publishes; local snapshots already reached the hub
// through ProgressCallback.
type wireMessage struct {
	Origin  string          `json:"origin"`
	JobID   string          `json:"job_id"`
	Payload json.RawMessage `json:"payload"`
}

// Bridge relays progress snapshots between replicas over Redis pub/sub
// so every hub sees every job's updates regardless of which process
// runs the job.
type Bridge struct {
	id     string
	client *redis.Client
	hub    *Hub
	log    *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBridge wraps an existing Redis client. The client is shared; Stop
// does not close it.
func NewBridge(client *redis.Client, hub *Hub) *Bridge {
	return &Bridge{
		id:     uuid.New().String(),
		client: client,
		hub:    hub,
		log:    logger.Default().WithComponent("websocket"),
	}
}

// Publisher returns a monitor callback that publishes each snapshot to
// the job's Redis channel for the other replicas.
func (b *Bridge) Publisher() progress.Callback {
	return func(p models.Progress) {
		payload, err := json.Marshal(p)
		if err != nil {
			return
		}
		msg, err := json.Marshal(wireMessage{
			Origin:  b.id,
			JobID:   p.JobID,
			Payload: payload,
		})
		if err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.client.Publish(ctx, channelPrefix+p.JobID, msg).Err(); err != nil {
			b.log.Warn(ctx, "progress publish failed", map[string]interface{}{
				"job_id": p.JobID,
				"error":  err.Error(),
			})
		}
	}
}

// Start subscribes to every job's progress channel and forwards remote
// snapshots to the hub.
func (b *Bridge) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})

	sub := b.client.PSubscribe(ctx, channelPrefix+"*")

	go func() {
		defer close(b.done)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.relay(msg)
			}
		}
	}()
}

// Stop tears down the subscription and waits for the relay loop.
func (b *Bridge) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
}

func (b *Bridge) relay(msg *redis.Message) {
	var wire wireMessage
	if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
		b.log.Warn(context.Background(), "malformed progress message dropped", map[string]interface{}{
			"channel": msg.Channel,
			"error":   err.Error(),
		})
		return
	}
	if wire.Origin == b.id {
		return
	}
	jobID := wire.JobID
	if jobID == "" {
		jobID = strings.TrimPrefix(msg.Channel, channelPrefix)
	}
	b.hub.BroadcastJob(jobID, wire.Payload)
}
