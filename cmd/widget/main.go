package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"github.com/garagehq/shop-chat/internal/identity"
	"github.com/garagehq/shop-chat/internal/session"
	"github.com/garagehq/shop-chat/internal/socket"
	"github.com/garagehq/shop-chat/pkg/config"
)

func main() {
	_ = godotenv.Load(".env")

	configPath := flag.String("config", "", "path to a YAML config file")
	gatewayURL := flag.String("gateway", "", "gateway WebSocket URL (overrides config)")
	tenantID := flag.String("tenant", "", "shop tenant id to talk to (overrides config)")
	stateFile := flag.String("state", "", "file holding the persistent visitor id (overrides config)")
	name := flag.String("name", "", "visitor display name (overrides config)")
	email := flag.String("email", "", "visitor email (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *gatewayURL != "" {
		cfg.Gateway.URL = *gatewayURL
	}
	if *tenantID != "" {
		cfg.Widget.TenantID = *tenantID
	}
	if *stateFile != "" {
		cfg.Widget.StateFile = *stateFile
	}
	if *name != "" {
		cfg.Widget.Name = *name
	}
	if *email != "" {
		cfg.Widget.Email = *email
	}
	if cfg.Widget.TenantID == "" {
		log.Fatal("Tenant id is required. Use -tenant or CHAT_TENANT_ID")
	}

	sess := session.New(session.Options{
		Role:         session.RoleCustomer,
		GatewayURL:   cfg.Gateway.URL,
		TenantID:     cfg.Widget.TenantID,
		Visitors:     identity.NewFileStore(cfg.Widget.StateFile),
		VisitorName:  cfg.Widget.Name,
		VisitorEmail: cfg.Widget.Email,
	})
	sess.OnStatusChange(func(s socket.State) {
		fmt.Printf("*** connection: %s ***\n", s)
	})

	// Print only messages that arrived since the last change event.
	var printMu sync.Mutex
	printed := 0
	sess.OnChange(func() {
		printMu.Lock()
		defer printMu.Unlock()
		for _, c := range sess.Conversations() {
			for ; printed < len(c.Messages); printed++ {
				m := c.Messages[printed]
				fmt.Printf("[%s] %s\n", m.Sender, m.Body)
			}
		}
	})

	if err := sess.Start(); err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}
	defer sess.Close()

	fmt.Printf("Connected as visitor %s. Type a message, or 'quit' to exit.\n", sess.VisitorID())
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}
		if err := sess.SendMessage("", line); err != nil {
			log.Printf("Failed to send message: %v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("Error reading input: %v", err)
	}
}
