// Simulates a worker agent: attaches to a running core, registers with
// the echo capability, and answers every request it receives. Useful for
// smoke-testing a core by hand:
//
//	CORE_TOKEN=$(curl -s -XPOST -H "Authorization: Bearer $CORE_ADMIN_TOKEN" \
//	    -d '{"agent_name":"echo-01"}' localhost:8080/v1/sessions | jq -r .token)
//	go run scripts/simulate_agent.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/planmesh/core/pkg/agent"
)

func main() {
	url := os.Getenv("CORE_ATTACH_URL")
	if url == "" {
		url = "ws://localhost:8080/v1/attach"
	}
	name := os.Getenv("CORE_AGENT_NAME")
	if name == "" {
		name = "echo-01"
	}

	fmt.Printf("🤖 Agent starting: %s\n", name)
	fmt.Printf("📡 Attaching to %s ...\n", url)

	client, err := agent.Dial(context.Background(), agent.Config{
		URL:          url,
		Token:        os.Getenv("CORE_TOKEN"),
		Name:         name,
		Capabilities: []string{"echo"},
	})
	if err != nil {
		log.Fatalf("❌ Attach failed: %v", err)
	}
	defer client.Close()

	reg := client.Registration()
	fmt.Printf("✅ Registered as %s (role=%s, tier=%s)\n", reg.Name, reg.Role, reg.Tier)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	for {
		msg, err := client.Recv(ctx)
		if err != nil {
			fmt.Println("👋 Detached.")
			return
		}

		fmt.Printf("📨 %s from %s (%s, %d bytes)\n",
			msg.Pattern, msg.Source, msg.ContentType, len(msg.Payload))

		if msg.RequiresAck {
			if err := client.Ack(ctx, msg); err != nil {
				log.Printf("ack failed: %v", err)
			}
		}

		if msg.Pattern != agent.PatternRequest {
			continue
		}

		reply, _ := json.Marshal(map[string]interface{}{
			"echo": json.RawMessage(normalizeJSON(msg.Payload)),
			"from": reg.Name,
		})
		if err := client.Respond(ctx, msg, reply); err != nil {
			log.Printf("respond failed: %v", err)
		}
	}
}

// normalizeJSON keeps the echo payload valid JSON even when the request
// body was not.
func normalizeJSON(payload []byte) []byte {
	if json.Valid(payload) {
		return payload
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}
