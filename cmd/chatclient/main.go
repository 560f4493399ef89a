// Command chatclient is a terminal client for the Vibe chat server. It
// connects anonymously, reconnects automatically when the connection drops,
// and reads chat lines from stdin. Lines starting with "/" are commands:
//
//	/skip   leave the current chat and wait for a new partner
//	/save   save the current partner as a contact
//	/quit   exit
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/vibe/chat-app/internal/client"
	"github.com/vibe/chat-app/internal/protocol"
)

func main() {
	baseURL := "ws://localhost:8080/ws"
	if v := os.Getenv("SERVER_URL"); v != "" {
		baseURL = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := client.NewController(baseURL, printEnvelope)

	go func() {
		if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("client stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		c := ctrl.Current()
		if c == nil {
			fmt.Println("* not connected, reconnecting...")
			continue
		}

		var err error
		switch line {
		case "/skip":
			err = c.Skip()
		case "/save":
			err = c.SaveContact()
		case "/quit":
			cancel()
			return
		default:
			if strings.HasPrefix(line, "/") {
				fmt.Println("* unknown command (try /skip, /save, /quit)")
				continue
			}
			err = c.SendText(line)
		}
		if err != nil {
			fmt.Printf("* send failed: %v\n", err)
		}
	}
}

// printEnvelope renders one server envelope as a terminal line. It runs on
// the read loop goroutine.
func printEnvelope(env *protocol.Envelope) {
	switch env.Kind() {
	case protocol.KindChat:
		fmt.Printf("[%s] %s\n", env.Sender, env.Text)
	case protocol.KindStatus:
		fmt.Printf("* %s\n", env.Message)
	case protocol.KindTypingStatus:
		if env.IsTyping != nil && *env.IsTyping {
			fmt.Println("* partner is typing...")
		}
	case protocol.KindReadReceipt:
		fmt.Printf("* message %s was read\n", env.MessageID)
	case protocol.KindContactStatus:
		fmt.Printf("* contact %s is %s\n", env.ContactID, env.Status)
	case protocol.KindError:
		fmt.Printf("! %s\n", env.Error)
	}
}
