package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/peerchat-io/peerchat/pkg/client"
	"github.com/peerchat-io/peerchat/pkg/protocol"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	log.SetFlags(0)

	configPath := flag.String("config", "~/.peerchat/client.toml", "Path to config file")
	serverAddr := flag.String("server", "", "Server address (overrides config)")
	nickname := flag.String("nickname", "", "Nickname to register under")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("PeerChat Client %s\n", Version)
		os.Exit(0)
	}

	tomlConfig, err := client.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config := tomlConfig.ToConfig()

	if *serverAddr != "" {
		config.ServerAddr = *serverAddr
	}

	stdin := bufio.NewScanner(os.Stdin)
	config.Nickname = *nickname
	for config.Nickname == "" {
		fmt.Print("Nickname: ")
		if !stdin.Scan() {
			return
		}
		config.Nickname = strings.TrimSpace(stdin.Text())
	}

	c := client.New(config, printerEvents())

	if err := c.Start(); err != nil {
		log.Fatalf("Failed to start client: %v", err)
	}
	defer c.Stop()

	printMenu()
	repl(c, stdin)
}

// printerEvents renders every client event to stdout.
func printerEvents() client.Events {
	return client.Events{
		Registered:   func(msg string) { fmt.Printf("✓ %s\n", msg) },
		Unregistered: func(msg string) { fmt.Printf("✓ %s\n", msg) },
		ServerError:  func(msg string) { fmt.Printf("server error: %s\n", msg) },
		Disconnected: func() { fmt.Println("lost connection to server") },

		UserJoined: func(peer client.PeerDescriptor) { fmt.Printf("\n%s joined\n", peer.Nickname) },
		UserLeft:   func(nickname string) { fmt.Printf("\n%s left\n", nickname) },

		BroadcastReceived: func(sender, message string, sentAt float64) {
			fmt.Printf("[BROADCAST] %s: %s\n", sender, message)
		},
		BroadcastSent: func() { fmt.Println("broadcast sent") },
		HistoryReceived: func(entries []protocol.HistoryEntry) {
			if len(entries) == 0 {
				fmt.Println("no recorded broadcasts")
				return
			}
			for _, e := range entries {
				at := time.Unix(int64(e.Timestamp), 0).Format("15:04:05")
				fmt.Printf("[%s] %s: %s\n", at, e.Sender, e.Message)
			}
		},

		ChatRequested: func(peer string) { fmt.Printf("\nchat request from %s\n", peer) },
		ChatResponse: func(peer string, accepted bool) {
			if accepted {
				fmt.Printf("%s accepted the chat request\n", peer)
			} else {
				fmt.Printf("%s declined the chat request\n", peer)
			}
		},
		ChatRequestExpired: func(peer string) { fmt.Printf("chat request to %s timed out\n", peer) },
		ChatOpened:         func(peer string) { fmt.Printf("chat with %s started\n", peer) },
		ChatClosed:         func(peer string) { fmt.Printf("chat with %s ended\n", peer) },
		ChatMessage: func(peer, message, timestamp string) {
			if timestamp != "" {
				fmt.Printf("[%s] (%s): %s\n", peer, timestamp, message)
			} else {
				fmt.Printf("[%s]: %s\n", peer, message)
			}
		},
	}
}

func printMenu() {
	fmt.Println("*************** PeerChat ***************")
	fmt.Println("  users                 - list registered users")
	fmt.Println("  chat <name>           - start a chat with a user")
	fmt.Println("  msg <name> <text>     - send a chat message")
	fmt.Println("  close <name>          - end a chat")
	fmt.Println("  chats                 - list active chats")
	fmt.Println("  bcast <text>          - broadcast a message")
	fmt.Println("  history               - show recent broadcasts")
	fmt.Println("  exit                  - quit")
	fmt.Println()
}

// repl reads commands until exit or EOF. The command surface only calls into
// the client API; all rendering happens through the event callbacks.
func repl(c *client.Client, stdin *bufio.Scanner) {
	for stdin.Scan() {
		line := strings.TrimSpace(stdin.Text())
		if line == "" {
			continue
		}

		parts := strings.SplitN(line, " ", 3)
		cmd := strings.ToLower(parts[0])

		var err error
		switch cmd {
		case "exit", "quit":
			return
		case "users":
			peers := c.Directory().List()
			if len(peers) == 0 {
				fmt.Println("no other users registered")
				break
			}
			for _, peer := range peers {
				fmt.Printf("  %s (%s:%d)\n", peer.Nickname, peer.IP, peer.UDPPort)
			}
		case "chat":
			if len(parts) < 2 {
				fmt.Println("usage: chat <name>")
				break
			}
			if err = c.RequestChat(parts[1]); err == nil {
				fmt.Printf("chat request sent to %s, waiting for connection...\n", parts[1])
			}
		case "msg":
			if len(parts) < 3 {
				fmt.Println("usage: msg <name> <text>")
				break
			}
			err = c.SendChatMessage(parts[1], parts[2])
		case "close":
			if len(parts) < 2 {
				fmt.Println("usage: close <name>")
				break
			}
			err = c.CloseChat(parts[1])
		case "chats":
			chats := c.ActiveChats()
			if len(chats) == 0 {
				fmt.Println("no active chats")
				break
			}
			fmt.Printf("active chats: %s\n", strings.Join(chats, ", "))
		case "bcast":
			if len(parts) < 2 {
				fmt.Println("usage: bcast <text>")
				break
			}
			err = c.Broadcast(strings.Join(parts[1:], " "))
		case "history":
			err = c.RequestHistory(0)
		default:
			fmt.Println("unknown command")
		}

		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}
