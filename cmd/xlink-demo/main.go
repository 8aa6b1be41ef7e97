// xlink-demo runs two xlink nodes in one process over an in-memory loopback
// channel, establishes a session each way, and sends one message from alice
// to bob — a runnable version of Scenario S1 for exercising the public API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/xlink-project/xlink-core/internal/channel"
	"github.com/xlink-project/xlink-core/internal/frame"
	"github.com/xlink-project/xlink-core/internal/xlinkconfig"
	"github.com/xlink-project/xlink-core/pkg/xlink"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config overlay (optional)")
	aliceProfile := flag.String("alice-profile", "alice-profile.toml", "path to alice's persisted device profile")
	bobProfile := flag.String("bob-profile", "bob-profile.toml", "path to bob's persisted device profile")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(logger, *configPath, *aliceProfile, *bobProfile); err != nil {
		logger.Error("demo failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, configPath, aliceProfilePath, bobProfilePath string) error {
	cfg, err := xlinkconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	alice, aliceID, aliceIdentity, err := newNode(cfg, logger.Named("alice"), aliceProfilePath)
	if err != nil {
		return fmt.Errorf("build alice: %w", err)
	}
	bob, bobID, bobIdentity, err := newNode(cfg, logger.Named("bob"), bobProfilePath)
	if err != nil {
		return fmt.Errorf("build bob: %w", err)
	}

	if err := alice.EstablishSession(bobID, bobIdentity.X25519Public(), bobIdentity.Ed25519Public()); err != nil {
		return fmt.Errorf("alice establish session: %w", err)
	}
	if err := bob.EstablishSession(aliceID, aliceIdentity.X25519Public(), aliceIdentity.Ed25519Public()); err != nil {
		return fmt.Errorf("bob establish session: %w", err)
	}

	net := channel.NewMemoryNetwork()
	alice.RegisterChannel(channel.NewMemory(net, aliceID))
	bob.RegisterChannel(channel.NewMemory(net, bobID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := alice.Start(ctx); err != nil {
		return fmt.Errorf("start alice: %w", err)
	}
	defer alice.Stop()
	if err := bob.Start(ctx); err != nil {
		return fmt.Errorf("start bob: %w", err)
	}
	defer bob.Stop()

	if err := alice.Send(ctx, bobID, []byte("hello from alice"), xlink.PriorityNormal); err != nil {
		return fmt.Errorf("alice send: %w", err)
	}

	select {
	case msg := <-bob.Inbox():
		logger.Info("bob received", zap.String("from", msg.Sender.String()), zap.ByteString("payload", msg.Payload))
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for bob's delivery: %w", ctx.Err())
	}

	return nil
}

// newNode loads (or generates and persists) the device identity at
// profilePath and wraps it in a Created-state Node; the caller still needs
// to EstablishSession, RegisterChannel, and Start.
func newNode(cfg *xlinkconfig.Config, logger *zap.Logger, profilePath string) (*xlink.Node, frame.DeviceID, *xlink.Identity, error) {
	id, identity, err := loadOrCreateProfile(profilePath)
	if err != nil {
		return nil, frame.DeviceID{}, nil, err
	}
	return xlink.NewNode(cfg, logger, id, identity, nil), id, identity, nil
}
