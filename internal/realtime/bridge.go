package realtime

import (
	"context"
	"encoding/json"

	"mindmesh/api/internal/logger"
	"mindmesh/api/internal/mapdoc"
	"mindmesh/api/internal/sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const bridgeChannel = "mindmesh:map_updates"

type bridgeMessage struct {
	Origin string           `json:"origin"`
	Doc    *mapdoc.Document `json:"doc"`
}

// Bridge replicates persisted map updates between instances over redis
// pub/sub. Each instance publishes after every successful write and applies
// messages from other instances as remote updates; the version carried in
// the document lets rooms drop stale ones.
type Bridge struct {
	client     *redis.Client
	manager    *sync.Manager
	instanceID string
}

func NewBridge(client *redis.Client, manager *sync.Manager) *Bridge {
	return &Bridge{
		client:     client,
		manager:    manager,
		instanceID: uuid.NewString(),
	}
}

// Publish sends the freshly persisted document to the other instances.
func (b *Bridge) Publish(ctx context.Context, doc *mapdoc.Document) {
	payload, err := json.Marshal(bridgeMessage{Origin: b.instanceID, Doc: doc})
	if err != nil {
		logger.Sugar.Errorf("realtime: marshal bridge message: %v", err)
		return
	}
	if err := b.client.Publish(ctx, bridgeChannel, payload).Err(); err != nil {
		logger.Sugar.Warnf("realtime: publish map update: %v", err)
	}
}

// Run subscribes to the update channel and feeds foreign messages into the
// local rooms. Blocks until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	sub := b.client.Subscribe(ctx, bridgeChannel)
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
			var bm bridgeMessage
			if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
				logger.Sugar.Warnf("realtime: bad bridge message: %v", err)
				continue
			}
			if bm.Origin == b.instanceID || bm.Doc == nil {
				continue
			}
			room, ok := b.manager.Peek(bm.Doc.ID)
			if !ok {
				// Nobody here has the map open; nothing to reconcile.
				continue
			}
			room.ApplyRemoteUpdate(bm.Doc)
		}
	}
}
