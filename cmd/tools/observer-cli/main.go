package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/annel0/sharedobjects/internal/logging"
	"github.com/annel0/sharedobjects/internal/protocol"
	"github.com/annel0/sharedobjects/internal/sharedobj"
	"github.com/annel0/sharedobjects/internal/state"
	"github.com/annel0/sharedobjects/internal/storage"
	"github.com/annel0/sharedobjects/internal/transport"
	"github.com/annel0/sharedobjects/internal/vec"
	"github.com/google/uuid"
)

const defaultNATSURL = "nats://127.0.0.1:4222"

func main() {
	var (
		natsURL   = flag.String("nats", defaultNATSURL, "NATS server URL")
		prefix    = flag.String("prefix", "sharedobj", "NATS subject prefix")
		namespace = flag.String("ns", "world", "Namespace to observe")
		peerID    = flag.String("peer", "", "Peer id (default: random uuid)")
		redisAddr = flag.String("redis", "", "Redis address to publish own position (empty: do not publish)")
		position  = flag.String("pos", "0,0,0", "Own position x,y,z published to Redis")
		compress  = flag.Bool("zstd", false, "Expect zstd-compressed frames")
		logLevel  = flag.String("log", "INFO", "Log level")
	)
	flag.Parse()

	if err := logging.InitDefaultLogger("observer"); err != nil {
		log.Fatalf("❌ Failed to init logging: %v", err)
	}
	defer logging.CloseDefaultLogger()
	if level, err := logging.ParseLevel(*logLevel); err == nil {
		logging.Configure(logging.Options{Level: level})
	}

	if *peerID == "" {
		*peerID = uuid.NewString()
	}
	pos, err := parseVec(*position)
	if err != nil {
		log.Fatalf("❌ Bad -pos: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	codec, err := protocol.NewCodec(*compress, protocol.DefaultCompressThreshold)
	if err != nil {
		log.Fatalf("❌ Codec: %v", err)
	}
	defer codec.Close()

	tr, err := transport.NewNATSTransport(transport.NATSConfig{URL: *natsURL, SubjectPrefix: *prefix}, codec)
	if err != nil {
		log.Fatalf("❌ Failed to connect to NATS: %v", err)
	}
	defer tr.Close()

	if *redisAddr != "" {
		cfg := storage.DefaultRedisConfig()
		cfg.Addr = *redisAddr
		repo, err := storage.NewRedisPositionRepo(ctx, cfg)
		if err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		defer repo.Close()
		go publishPosition(ctx, repo, *peerID, pos)
	}

	registry, err := sharedobj.NewRegistry(tr, nil)
	if err != nil {
		log.Fatalf("❌ Registry: %v", err)
	}
	observer, err := registry.Observer(*namespace, *peerID)
	if err != nil {
		log.Fatalf("❌ Observer: %v", err)
	}

	err = observer.Listen(ctx, func(_ context.Context, id string, m *sharedobj.Mirror) (sharedobj.Teardown, error) {
		fmt.Printf("➕ New    %s %s\n", id, state.JSON(m.Snapshot()))
		cancel := m.Watch(func(m *sharedobj.Mirror) {
			rot, err := m.Get("rotation")
			if err != nil {
				fmt.Printf("✏️  Update %s v%d %s\n", id, m.Version(), state.JSON(m.Snapshot()))
				return
			}
			fmt.Printf("✏️  Update %s v%d rotation=%s\n", id, m.Version(), state.JSON(rot))
		})
		return func(context.Context) {
			cancel()
			fmt.Printf("➖ Delete %s\n", id)
		}, nil
	})
	if err != nil {
		log.Fatalf("❌ Listen: %v", err)
	}

	logging.Info("👀 Observing %q as %s (position %s)", *namespace, *peerID, pos)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := registry.Close(shutdownCtx); err != nil {
		logging.Error("❌ Close: %v", err)
	}
}

// publishPosition периодически обновляет позицию, чтобы она не устарела
func publishPosition(ctx context.Context, repo *storage.RedisPositionRepo, peerID string, pos vec.Vec3) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	defer repo.Delete(context.Background(), peerID)

	for {
		if err := repo.Save(ctx, peerID, pos); err != nil && ctx.Err() == nil {
			logging.Warn("⚠️ Failed to publish position: %v", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func parseVec(s string) (vec.Vec3, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return vec.Vec3{}, fmt.Errorf("expected x,y,z, got %q", s)
	}
	var xyz [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return vec.Vec3{}, err
		}
		xyz[i] = v
	}
	return vec.New(xyz[0], xyz[1], xyz[2]), nil
}
