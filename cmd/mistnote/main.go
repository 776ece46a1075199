package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mistnote/mistnote/internal/avatar"
	"github.com/mistnote/mistnote/internal/bus"
	"github.com/mistnote/mistnote/internal/config"
	"github.com/mistnote/mistnote/internal/identity"
	"github.com/mistnote/mistnote/internal/lock"
	"github.com/mistnote/mistnote/internal/logging"
	"github.com/mistnote/mistnote/internal/profile"
	"github.com/mistnote/mistnote/internal/remote"
	"github.com/mistnote/mistnote/internal/session"
	"github.com/mistnote/mistnote/internal/store"
	intsync "github.com/mistnote/mistnote/internal/sync"
	"github.com/mistnote/mistnote/internal/transport"
	"github.com/mistnote/mistnote/internal/wire"
)

func main() {
	identityFlag := flag.String("identity", "", "login id (overrides config default)")
	serverFlag := flag.String("server", "", "server base URL (overrides config)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fatal(err)
		}
		cfg = config.Default()
	}
	serverURL := cfg.ServerURL
	if *serverFlag != "" {
		serverURL = *serverFlag
	}

	rawID := *identityFlag
	if rawID == "" {
		rawID = cfg.DefaultIdentity
	}
	if rawID == "" {
		fatal(fmt.Errorf("no identity: pass -identity or set default_identity in config"))
	}
	self, err := identity.Parse(rawID)
	if err != nil {
		fatal(err)
	}

	app, err := newApp(self, serverURL)
	if err != nil {
		var held *lock.LockHeldError
		if errors.As(err, &held) {
			fatal(fmt.Errorf("identity %s is already in use by pid %d", self, held.PID))
		}
		fatal(err)
	}
	defer app.close()

	switch args[0] {
	case "login":
		app.cmdLogin(args[1:])
	case "logout":
		app.cmdLogout()
	case "send":
		app.cmdSend(args[1:])
	case "history":
		app.cmdHistory(args[1:], *jsonFlag)
	case "contacts":
		app.cmdContacts(*jsonFlag)
	case "like":
		app.cmdLike(args[1:])
	case "profile":
		app.cmdProfile(args[1:], *jsonFlag)
	case "status":
		app.cmdStatus(args[1:])
	case "retry":
		app.cmdRetry()
	case "watch":
		app.cmdWatch()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: mistnote [--identity <id>] [--server <url>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  login <token>          Store the identity token")
	fmt.Fprintln(os.Stderr, "  logout                 Drop the token and wipe the local cache")
	fmt.Fprintln(os.Stderr, "  send <peer> <text>     Send a message")
	fmt.Fprintln(os.Stderr, "  history <peer> [page]  Show conversation history")
	fmt.Fprintln(os.Stderr, "  contacts               List known contacts")
	fmt.Fprintln(os.Stderr, "  like <peer>            Send a like")
	fmt.Fprintln(os.Stderr, "  profile <id>           Show a contact's profile")
	fmt.Fprintln(os.Stderr, "  status <state> [text]  Update presence status")
	fmt.Fprintln(os.Stderr, "  retry                  Resend failed messages")
	fmt.Fprintln(os.Stderr, "  watch                  Stream incoming events until interrupted")
}

// app wires one identity's client stack for the duration of a command.
type app struct {
	self      identity.Identity
	serverURL string
	lock      *lock.Lock
	logger    *zap.Logger
	db        *store.DB
	bus       *bus.Bus
	api       *remote.Client
	transport *transport.Transport
	engine    *intsync.Engine
	profiles  *profile.Cache
	avatars   *avatar.Manager
}

func newApp(self identity.Identity, serverURL string) (*app, error) {
	loginID := self.String()
	if err := session.EnsureDir(loginID); err != nil {
		return nil, err
	}
	lk, err := lock.Acquire(session.Dir(loginID))
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(session.LogPath(loginID), loginID)
	if err != nil {
		_ = lk.Release()
		return nil, err
	}

	db, err := store.Open(session.CacheDBPath(loginID))
	if err != nil {
		_ = lk.Release()
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = lk.Release()
		return nil, err
	}

	token, err := db.GetSetting("token")
	if err != nil {
		logger.Warn("token read failed", zap.Error(err))
	}

	b := bus.New()
	tr := transport.New(wsURL(serverURL), logger)
	api := remote.NewClient(serverURL, token, logger)
	engine := intsync.NewEngine(self, db, tr, api, b, logger)

	avatars, err := avatar.NewManager(session.AvatarDir(loginID), db, api, logger)
	if err != nil {
		_ = db.Close()
		_ = lk.Release()
		return nil, err
	}
	profiles := profile.NewCache(db, api, avatars, tr, b, logger)

	return &app{
		self:      self,
		serverURL: serverURL,
		lock:      lk,
		logger:    logger,
		db:        db,
		bus:       b,
		api:       api,
		transport: tr,
		engine:    engine,
		profiles:  profiles,
		avatars:   avatars,
	}, nil
}

func (a *app) close() {
	a.transport.Disconnect()
	_ = a.db.Close()
	_ = a.lock.Release()
	_ = a.logger.Sync()
}

// connect brings the realtime channel up using the stored token.
func (a *app) connect(ctx context.Context) error {
	token, err := a.db.GetSetting("token")
	if err != nil || token == "" {
		return fmt.Errorf("no token stored: run mistnote login <token>")
	}
	if err := a.transport.Connect(ctx, token); err != nil {
		if errors.Is(err, transport.ErrAuth) {
			return fmt.Errorf("token rejected: run mistnote login with a fresh token")
		}
		return err
	}
	return nil
}

func (a *app) cmdLogin(args []string) {
	if len(args) != 1 {
		fatal(fmt.Errorf("usage: mistnote login <token>"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.transport.Connect(ctx, args[0]); err != nil {
		fatal(fmt.Errorf("token not accepted: %w", err))
	}
	if err := a.db.SetSetting("token", args[0]); err != nil {
		fatal(err)
	}
	fmt.Printf("signed in as %s\n", a.self)
}

func (a *app) cmdLogout() {
	if err := a.db.Wipe(); err != nil {
		fatal(err)
	}
	fmt.Println("signed out, local cache wiped")
}

func (a *app) cmdSend(args []string) {
	if len(args) < 2 {
		fatal(fmt.Errorf("usage: mistnote send <peer> <text>"))
	}
	peer, text := args[0], strings.Join(args[1:], " ")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.connect(ctx); err != nil {
		fatal(err)
	}

	events, cancelSub := a.bus.Subscribe("message.", 16)
	defer cancelSub()

	msg, err := a.engine.SendMessage(peer, text, "text")
	if err != nil {
		if errors.Is(err, intsync.ErrDelivery) {
			fmt.Fprintf(os.Stderr, "delivery failed, message queued for retry (%s)\n", msg.TempID)
			os.Exit(1)
		}
		fatal(err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case evt := <-events:
			switch evt.Kind {
			case "message.sent":
				fmt.Printf("sent to %s\n", msg.ReceiverID)
				return
			case "message.send_failed":
				fmt.Fprintln(os.Stderr, "delivery failed, message queued for retry")
				os.Exit(1)
			}
		case <-deadline:
			fmt.Fprintln(os.Stderr, "no acknowledgement yet, message queued")
			return
		}
	}
}

func (a *app) cmdHistory(args []string, jsonOut bool) {
	if len(args) < 1 {
		fatal(fmt.Errorf("usage: mistnote history <peer> [page]"))
	}
	page := 1
	if len(args) > 1 {
		if n, err := strconv.Atoi(args[1]); err == nil && n > 0 {
			page = n
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	msgs, err := a.engine.GetHistory(ctx, args[0], page, 50)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(msgs)
		return
	}
	for _, m := range msgs {
		ts := time.UnixMilli(m.CreatedAt).Format("2006-01-02 15:04")
		marker := " "
		if m.SenderID == a.self.String() {
			marker = ">"
		}
		fmt.Printf("%s %s %s: %s [%s]\n", marker, ts, m.SenderID, m.Content, m.DeliveryState)
	}
}

func (a *app) cmdContacts(jsonOut bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Refresh the local contact table from the server; a failed fetch still
	// lists whatever is cached.
	if synced, err := a.api.Contacts(ctx); err != nil {
		a.logger.Warn("contact sync failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "server unreachable, listing cached contacts")
	} else {
		records := make([]store.Contact, 0, len(synced))
		for _, c := range synced {
			records = append(records, store.Contact{
				Identity:    c.Identity,
				StorageID:   c.StorageID,
				DisplayName: c.DisplayName,
			})
		}
		if err := a.db.BulkUpsertContacts(records); err != nil {
			a.logger.Warn("contact cache write failed", zap.Error(err))
		}
	}

	contacts, err := a.db.ListContacts()
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(contacts)
		return
	}
	for _, c := range contacts {
		fmt.Printf("%s  %s\n", c.Identity, c.DisplayName)
	}
}

func (a *app) cmdLike(args []string) {
	if len(args) != 1 {
		fatal(fmt.Errorf("usage: mistnote like <peer>"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.connect(ctx); err != nil {
		fatal(err)
	}
	if err := a.engine.SendLike(args[0]); err != nil {
		fatal(err)
	}
	fmt.Println("like sent")
}

func (a *app) cmdProfile(args []string, jsonOut bool) {
	if len(args) != 1 {
		fatal(fmt.Errorf("usage: mistnote profile <id>"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	p, err := a.profiles.Get(ctx, args[0])
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(p)
		return
	}
	fmt.Printf("Identity: %s\n", p.Identity)
	fmt.Printf("Name:     %s\n", p.DisplayName)
	fmt.Printf("Status:   %s %s\n", p.Status, p.StatusText)
	if p.LastSeen > 0 {
		fmt.Printf("Last seen: %s\n", time.UnixMilli(p.LastSeen).Format(time.RFC1123))
	}
	if p.AvatarPath != "" {
		fmt.Printf("Avatar:   %s\n", p.AvatarPath)
	}
}

func (a *app) cmdStatus(args []string) {
	if len(args) < 1 {
		fatal(fmt.Errorf("usage: mistnote status <state> [text]"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.connect(ctx); err != nil {
		fatal(err)
	}
	if err := a.transport.Emit(wire.EventUpdateStatus, wire.UpdateStatus{
		Status:     args[0],
		StatusText: strings.Join(args[1:], " "),
	}); err != nil {
		fatal(err)
	}
	fmt.Println("status updated")
}

func (a *app) cmdRetry() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.connect(ctx); err != nil {
		fatal(err)
	}
	if err := a.engine.Retry(ctx); err != nil {
		fatal(err)
	}
	fmt.Println("retry pass complete")
}

func (a *app) cmdWatch() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.connect(ctx); err != nil {
		fatal(err)
	}
	go a.engine.RunRetry(ctx, 30*time.Second)

	events, cancelSub := a.bus.Subscribe("", 64)
	defer cancelSub()

	fmt.Printf("watching as %s, ^C to stop\n", a.self)
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			printEvent(evt)
		}
	}
}

func printEvent(evt bus.Event) {
	ts := evt.Timestamp.Format("15:04:05")
	switch p := evt.Payload.(type) {
	case store.Message:
		fmt.Printf("[%s] %s %s: %s\n", ts, evt.Kind, p.SenderID, p.Content)
	default:
		fmt.Printf("[%s] %s\n", ts, evt.Kind)
	}
}

func wsURL(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		return "wss://" + strings.TrimPrefix(serverURL, "https://") + "/ws"
	case strings.HasPrefix(serverURL, "http://"):
		return "ws://" + strings.TrimPrefix(serverURL, "http://") + "/ws"
	default:
		return serverURL + "/ws"
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
