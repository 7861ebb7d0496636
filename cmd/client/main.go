package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"rsachat/pkg/client"
	"rsachat/pkg/config"
	"rsachat/pkg/identity"
	"rsachat/pkg/logging"
	"rsachat/pkg/protocol"
	"rsachat/pkg/transport"
)

var version = "1.0.0"

// chatClient is the interactive terminal front end.
type chatClient struct {
	cfg     *config.Config
	input   *bufio.Scanner
	id      *identity.Identity
	keyPath string
	created bool
	conn    *client.Client

	quitting atomic.Bool
}

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	fs := pflag.NewFlagSet("rsachat", pflag.ExitOnError)
	config.ClientFlags(fs)

	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}
	// Chat output goes to stdout; keep diagnostics quiet unless asked for.
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Logging error: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("RSA Chat Client v%s\n\n", version)

	c := &chatClient{cfg: cfg, input: bufio.NewScanner(os.Stdin)}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Printf("\nDisconnecting...\n")
		c.disconnect()
		memguard.SafeExit(0)
	}()

	if err := c.run(); err != nil {
		fmt.Printf("Error: %v\n", err)
		c.disconnect()
		memguard.SafeExit(1)
	}
	c.disconnect()
}

func (c *chatClient) run() error {
	username := c.cfg.Client.Username
	if username == "" {
		fmt.Print("Username: ")
		if !c.input.Scan() {
			return nil
		}
		username = strings.TrimSpace(c.input.Text())
	}
	if username == "" {
		return errors.New("username cannot be empty")
	}

	if err := c.loadIdentity(username); err != nil {
		return err
	}

	if err := c.connect(); err != nil {
		return err
	}

	ok, err := c.authenticate()
	if err != nil || !ok {
		return err
	}

	done := make(chan struct{})
	go c.receiveMessages(done)
	c.chat(done)
	return nil
}

func (c *chatClient) loadIdentity(username string) error {
	var err error
	if c.cfg.Client.KeyDir != "" {
		c.keyPath = filepath.Join(c.cfg.Client.KeyDir, username+"_keys.json")
	} else if c.keyPath, err = identity.DefaultKeyPath(username); err != nil {
		return err
	}

	if _, err := os.Stat(c.keyPath); errors.Is(err, os.ErrNotExist) {
		fmt.Printf("Generating %d-bit primes, this may take a moment...\n", c.cfg.PrimeBits)
	}

	start := time.Now()
	c.id, c.created, err = identity.LoadOrCreate(c.keyPath, username, c.cfg.PrimeBits)
	if err != nil {
		return fmt.Errorf("failed to initialize identity: %w", err)
	}
	c.id.Username = username

	if c.created {
		log.Debug().Dur("took", time.Since(start)).Msg("Generated keypair")
		fmt.Printf("New keys generated for %s\n", username)
	} else {
		fmt.Printf("Existing keys loaded for %s\n", username)
	}
	fmt.Printf("Public key: e=%s, n=%d bits\n\n", c.id.Keys.Public.E, c.id.Keys.Public.N.BitLen())
	return nil
}

func (c *chatClient) connect() error {
	if c.cfg.Client.Proxy != "" {
		if err := transport.ProxyAvailable(c.cfg.Client.Proxy); err != nil {
			return err
		}
		fmt.Printf("Proxy %s is responsive\n", c.cfg.Client.Proxy)
	} else if transport.IsOnion(c.cfg.Addr) {
		return transport.ErrOnionNeedsProxy
	}

	ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultConnectionTimeout)
	defer cancel()

	conn, err := client.Dial(ctx, c.cfg.Addr, c.id.Keys, client.Options{Proxy: c.cfg.Client.Proxy})
	if err != nil {
		return fmt.Errorf("connection to %s failed: %w", c.cfg.Addr, err)
	}
	c.conn = conn

	fmt.Printf("Connected to %s\n", c.cfg.Addr)
	return nil
}

// authenticate runs the register/login menu. It reports whether the user
// ended up logged in.
func (c *chatClient) authenticate() (bool, error) {
	for {
		fmt.Printf("\n=== AUTHENTICATION ===\n")
		fmt.Printf("1. Register new user\n")
		fmt.Printf("2. Login existing user\n")
		fmt.Printf("3. Exit\n")
		fmt.Print("Choose an option (1-3): ")

		if !c.input.Scan() {
			return false, nil
		}

		switch strings.TrimSpace(c.input.Text()) {
		case "1":
			if err := c.conn.Register(c.id.Username); err != nil {
				if errors.Is(err, client.ErrRejected) {
					fmt.Printf("Registration error: %v\n", err)
					continue
				}
				return false, fmt.Errorf("registration failed: %w", err)
			}
			fmt.Printf("User %s registered successfully! You can now log in.\n", c.id.Username)
			if err := c.id.Save(c.keyPath); err != nil {
				fmt.Printf("Warning: failed to save keys: %v\n", err)
			} else {
				fmt.Printf("Keys saved to %s\n", c.keyPath)
			}
			c.created = false

		case "2":
			if c.created {
				fmt.Printf("No saved keys for %s. Register first.\n", c.id.Username)
				continue
			}
			if err := c.conn.Login(c.id.Username); err != nil {
				if errors.Is(err, client.ErrRejected) {
					fmt.Printf("Login error: %v\n", err)
					continue
				}
				return false, fmt.Errorf("login failed: %w", err)
			}
			fmt.Printf("Welcome %s! Authentication complete.\n", c.id.Username)
			return true, nil

		case "3":
			return false, nil

		default:
			fmt.Printf("Invalid option\n")
		}
	}
}

func (c *chatClient) chat(done <-chan struct{}) {
	fmt.Printf("\n=== ENCRYPTED CHAT ===\n")
	fmt.Printf("Commands:\n")
	fmt.Printf("  /private <username> <message>  Send a private message\n")
	fmt.Printf("  /quit                          Leave the chat\n")
	fmt.Printf("  anything else                  Broadcast to everyone\n")
	fmt.Println(strings.Repeat("=", 50))

	lines := make(chan string)
	go func() {
		defer close(lines)
		for c.input.Scan() {
			lines <- c.input.Text()
		}
	}()

	for {
		var line string
		select {
		case <-done:
			return
		case l, ok := <-lines:
			if !ok {
				c.quit()
				return
			}
			line = l
		}

		cmd, err := client.ParseCommand(line)
		if err != nil {
			fmt.Printf("%v\n", err)
			continue
		}

		switch cmd.Kind {
		case client.CommandNone:
			continue
		case client.CommandQuit:
			c.quit()
			fmt.Printf("Goodbye!\n")
			return
		case client.CommandPrivate:
			err = c.conn.SendPrivate(cmd.Target, cmd.Text)
		default:
			err = c.conn.Send(cmd.Text)
		}

		if err != nil {
			fmt.Printf("Send error: %v\n", err)
			return
		}
	}
}

func (c *chatClient) receiveMessages(done chan<- struct{}) {
	defer close(done)

	for {
		msg, err := c.conn.Receive()
		if err != nil {
			if c.quitting.Load() {
				return
			}
			if errors.Is(err, protocol.ErrPeerClosed) {
				fmt.Printf("\nServer closed connection\n")
			} else {
				fmt.Printf("\nConnection lost: %v\n", err)
			}
			return
		}

		if !msg.ServerSigned {
			log.Warn().Str("sender", msg.Sender).Msg("Server signature did not verify")
		}
		fmt.Printf("\r%s\n", msg.Format())
	}
}

func (c *chatClient) quit() {
	c.quitting.Store(true)
	if err := c.conn.Quit(); err != nil {
		log.Debug().Err(err).Msg("Quit")
	}
}

func (c *chatClient) disconnect() {
	if c.conn != nil {
		c.conn.Close()
	}
}
