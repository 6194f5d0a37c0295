package relay

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// RevocationSignal is the out-of-band notification that a principal's
// permissions changed. The channel returned by `Watch` is closed on
// revocation; active sessions for the principal terminate so the policy
// is re-evaluated against current role and relations on reconnect.
type RevocationSignal interface {
	Watch(ctx context.Context, principalId string) <-chan struct{}
}

// MemoryRevocation dispatches revocations in process.
type MemoryRevocation struct {
	stateLock sync.Mutex
	watchers  map[string]map[chan struct{}]bool
}

func NewMemoryRevocation() *MemoryRevocation {
	return &MemoryRevocation{
		watchers: map[string]map[chan struct{}]bool{},
	}
}

func (self *MemoryRevocation) Watch(ctx context.Context, principalId string) <-chan struct{} {
	revoked := make(chan struct{})

	self.stateLock.Lock()
	principalWatchers, ok := self.watchers[principalId]
	if !ok {
		principalWatchers = map[chan struct{}]bool{}
		self.watchers[principalId] = principalWatchers
	}
	principalWatchers[revoked] = true
	self.stateLock.Unlock()

	go func() {
		<-ctx.Done()
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if principalWatchers, ok := self.watchers[principalId]; ok {
			delete(principalWatchers, revoked)
			if len(principalWatchers) == 0 {
				delete(self.watchers, principalId)
			}
		}
	}()

	return revoked
}

func (self *MemoryRevocation) Revoke(principalId string) {
	self.stateLock.Lock()
	principalWatchers := self.watchers[principalId]
	delete(self.watchers, principalId)
	self.stateLock.Unlock()

	for revoked := range principalWatchers {
		close(revoked)
	}
}

type RedisRevocationSettings struct {
	Channel string
}

func DefaultRedisRevocationSettings() *RedisRevocationSettings {
	return &RedisRevocationSettings{
		Channel: "relay:revocations",
	}
}

// RedisRevocation fans revocations out across relay nodes over a redis
// pub/sub channel. Message payload is the revoked principal id.
type RedisRevocation struct {
	ctx    context.Context
	cancel context.CancelFunc

	client   *redis.Client
	memory   *MemoryRevocation
	settings *RedisRevocationSettings
}

func NewRedisRevocationWithDefaults(ctx context.Context, addr string, password string, db int) *RedisRevocation {
	return NewRedisRevocation(ctx, addr, password, db, DefaultRedisRevocationSettings())
}

func NewRedisRevocation(ctx context.Context, addr string, password string, db int, settings *RedisRevocationSettings) *RedisRevocation {
	cancelCtx, cancel := context.WithCancel(ctx)

	revocation := &RedisRevocation{
		ctx:    cancelCtx,
		cancel: cancel,
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		memory:   NewMemoryRevocation(),
		settings: settings,
	}
	go HandleError(revocation.run, cancel)
	return revocation
}

func (self *RedisRevocation) run() {
	pubsub := self.client.Subscribe(self.ctx, self.settings.Channel)
	defer pubsub.Close()

	messages := pubsub.Channel()
	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			glog.Infof("[revoke]principal = %s\n", message.Payload)
			self.memory.Revoke(message.Payload)
		}
	}
}

func (self *RedisRevocation) Watch(ctx context.Context, principalId string) <-chan struct{} {
	return self.memory.Watch(ctx, principalId)
}

// Revoke publishes the revocation to all relay nodes, including this one.
func (self *RedisRevocation) Revoke(ctx context.Context, principalId string) error {
	return self.client.Publish(ctx, self.settings.Channel, principalId).Err()
}

func (self *RedisRevocation) Close() {
	self.cancel()
	self.client.Close()
}
