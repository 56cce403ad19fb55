package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/egorzamaraev/atomix/pkg/client"
	"github.com/egorzamaraev/atomix/pkg/primitive"
	"github.com/egorzamaraev/atomix/pkg/protocol"
	"github.com/egorzamaraev/atomix/pkg/transport"
)

// Небольшое демо: открываем сессию, пишем и читаем map, берём lock.
func main() {
	members := flag.String("members", "http://127.0.0.1:8080", "comma-separated cluster members")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	t := transport.NewHTTP(strings.Split(*members, ","))
	c := client.New(t, client.WithSessionTimeout(5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, err := c.OpenSession(ctx)
	if err != nil {
		slog.Error("failed to open session", "error", err)
		os.Exit(1)
	}
	defer session.Close(context.Background())

	session.OnEvent(func(ev protocol.Event) {
		slog.Info("session event", "type", ev.Type, "sequence", ev.Sequence)
	})

	// map: put + get
	putPayload, _ := json.Marshal(primitive.MapPutRequest{Key: "greeting", Value: []byte("Hello world!")})
	if _, err := session.Execute(ctx, protocol.NewOperation(primitive.MapPut, putPayload)); err != nil {
		slog.Error("map/put failed", "error", err)
		os.Exit(1)
	}

	getPayload, _ := json.Marshal(primitive.MapKeyRequest{Key: "greeting"})
	out, err := session.Execute(ctx, protocol.NewOperation(primitive.MapGet, getPayload))
	if err != nil {
		slog.Error("map/get failed", "error", err)
		os.Exit(1)
	}

	var versioned primitive.Versioned
	if err := json.Unmarshal(out, &versioned); err != nil {
		slog.Error("failed to decode versioned value", "error", err)
		os.Exit(1)
	}
	fmt.Printf("greeting=%s (version %d)\n", versioned.Value, versioned.Version)

	// lock: acquire + release
	lockPayload, _ := json.Marshal(primitive.LockRequest{Name: "demo"})
	out, err = session.Execute(ctx, protocol.NewOperation(primitive.LockAcquire, lockPayload))
	if err != nil {
		slog.Error("lock/acquire failed", "error", err)
		os.Exit(1)
	}

	var lock primitive.LockResponse
	_ = json.Unmarshal(out, &lock)
	fmt.Printf("lock acquired=%v fencing=%d\n", lock.Acquired, lock.Index)

	if lock.Acquired {
		if _, err := session.Execute(ctx, protocol.NewOperation(primitive.LockRelease, lockPayload)); err != nil {
			slog.Error("lock/release failed", "error", err)
			os.Exit(1)
		}
	}
}
