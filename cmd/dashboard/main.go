package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

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
	tenantID := flag.String("tenant", "", "shop tenant id (overrides config)")
	token := flag.String("token", "", "bearer token (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *gatewayURL != "" {
		cfg.Gateway.URL = *gatewayURL
	}
	if *tenantID != "" {
		cfg.Shop.TenantID = *tenantID
	}
	if *token != "" {
		cfg.Shop.Token = *token
	}
	if cfg.Shop.TenantID == "" {
		log.Fatal("Tenant id is required. Use -tenant or CHAT_TENANT_ID")
	}

	sess := session.New(session.Options{
		Role:       session.RoleShop,
		GatewayURL: cfg.Gateway.URL,
		TenantID:   cfg.Shop.TenantID,
		Tokens:     identity.StaticSource(cfg.Shop.Token),
	})
	sess.OnStatusChange(func(s socket.State) {
		fmt.Printf("*** connection: %s ***\n", s)
	})
	sess.OnChange(func() {
		fmt.Printf("*** store updated, %d unread ***\n", sess.UnreadTotal())
	})

	if err := sess.Start(); err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}
	defer sess.Close()

	fmt.Println("Commands: ls | open <id> | say <id> <text> | rm <id> | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}
		runCommand(sess, line)
	}
	if err := scanner.Err(); err != nil {
		log.Printf("Error reading input: %v", err)
	}
}

func runCommand(sess *session.Session, line string) {
	parts := strings.SplitN(line, " ", 3)
	switch parts[0] {
	case "ls":
		for _, c := range sess.Conversations() {
			name := c.CustomerName
			if name == "" {
				name = c.VisitorID
			}
			fmt.Printf("%s  %-20s unread=%d  %s\n", c.ID, name, c.UnreadCount, c.LastMessage)
		}
	case "open":
		if len(parts) < 2 {
			fmt.Println("usage: open <id>")
			return
		}
		id := parts[1]
		sess.MarkAsRead(id)
		if err := sess.LoadHistory(id); err != nil {
			log.Printf("Failed to load history: %v", err)
			return
		}
		if c, ok := sess.Conversation(id); ok {
			for _, m := range c.Messages {
				fmt.Printf("[%s] %s\n", m.Sender, m.Body)
			}
		}
	case "say":
		if len(parts) < 3 {
			fmt.Println("usage: say <id> <text>")
			return
		}
		if err := sess.SendMessage(parts[1], parts[2]); err != nil {
			log.Printf("Failed to send message: %v", err)
		}
	case "rm":
		if len(parts) < 2 {
			fmt.Println("usage: rm <id>")
			return
		}
		if err := sess.DeleteConversation(parts[1]); err != nil {
			log.Printf("Failed to delete conversation: %v", err)
		}
	default:
		fmt.Println("Unknown command. Commands: ls | open <id> | say <id> <text> | rm <id> | quit")
	}
}
