package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/feedsync/client/internal/config"
	"github.com/feedsync/client/internal/dataservice"
	"github.com/feedsync/client/internal/kvstore"
	"github.com/feedsync/client/internal/syncstore"
)

// feedsync is a terminal client for the sync core: it connects to a
// data service, loads the feed, and reprints it as realtime changes
// arrive. Useful for watching two actors converge against stubd.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	actorID := cfg.Client.ActorID
	if actorID == "" {
		actorID = uuid.New().String()
		log.Printf("No actor configured, using %s", actorID)
	}

	kv, err := kvstore.Open(cfg.Client.StorePath)
	if err != nil {
		log.Fatalf("Failed to open local store: %v", err)
	}
	defer kv.Close()

	client := dataservice.NewClient(cfg.Client.BaseURL, cfg.Client.WebSocketURL, actorID, 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		log.Printf("Realtime connect failed, continuing in poll mode: %v", err)
	}
	defer client.Close()

	store := syncstore.New(syncstore.Options{
		ActorID:      actorID,
		Service:      client,
		PageSize:     cfg.Sync.PageSize,
		Retry:        dataservice.RetryConfig{Attempts: cfg.Sync.RetryAttempts, Backoff: cfg.Sync.RetryBackoff()},
		SnapshotTTL:  cfg.Sync.SnapshotTTL(),
		PollInterval: cfg.Sync.PollInterval(),
		KV:           kv,
	})
	defer store.Close()

	store.OnNotice(func(msg string) {
		fmt.Printf("\n[notice] %s\n", msg)
	})

	redraw := make(chan struct{}, 1)
	store.OnChange(func() {
		select {
		case redraw <- struct{}{}:
		default:
		}
	})

	store.Start()
	if _, err := store.LoadFeed(ctx); err != nil {
		log.Printf("Initial feed load failed: %v", err)
	}
	printFeed(store)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-redraw:
			printFeed(store)
		case <-quit:
			log.Println("Shutting down")
			return
		}
	}
}

func printFeed(store *syncstore.Store) {
	posts := store.Posts()
	fmt.Printf("\n--- feed (%d posts", len(posts))
	if store.Degraded() {
		fmt.Print(", degraded")
	}
	fmt.Println(") ---")
	for _, p := range posts {
		marker := " "
		if p.LikedByMe {
			marker = "*"
		}
		fmt.Printf("%s %s  %-40q  likes=%d comments=%d\n",
			marker, p.CreatedAt.Format("15:04:05"), p.Caption, p.LikeCount, p.CommentCount)
	}
}
