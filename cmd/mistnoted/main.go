package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/fx"

	"github.com/mistnote/mistnote/internal/config"
	"github.com/mistnote/mistnote/internal/daemon"
	"github.com/mistnote/mistnote/internal/delivery"
	"github.com/mistnote/mistnote/internal/identity"
	"github.com/mistnote/mistnote/internal/session"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.mistnote/config.toml)")
	listenFlag := flag.String("listen", "", "listen address (overrides config)")
	dbFlag := flag.String("db", "", "server database path (overrides config)")
	issueFlag := flag.String("issue-token", "", "print an identity token for the given login id and exit")
	registerFlag := flag.String("register", "", "register an account as <loginID>:<display name> and exit")
	contactFlag := flag.String("link", "", "link two accounts as <loginID>:<loginID> and exit")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = session.ConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fatal(err)
		}
		cfg = config.Default()
	}
	if *listenFlag != "" {
		cfg.Server.ListenAddr = *listenFlag
	}
	if *dbFlag != "" {
		cfg.Server.DBPath = *dbFlag
	}
	if cfg.Server.TokenSecret == "" {
		fatal(fmt.Errorf("no token_secret in %s: set [server] token_secret", configPath))
	}

	if *issueFlag != "" {
		issueToken(cfg, *issueFlag)
		return
	}
	if *registerFlag != "" {
		registerAccount(cfg, *registerFlag)
		return
	}
	if *contactFlag != "" {
		linkAccounts(cfg, *contactFlag)
		return
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			ListenAddr:  cfg.Server.ListenAddr,
			DBPath:      cfg.Server.DBPath,
			TokenSecret: cfg.Server.TokenSecret,
			LogPath:     filepath.Join(session.BaseDir(), "logs", "mistnoted.log"),
		}),
	)

	app.Run()
}

func issueToken(cfg *config.Config, rawID string) {
	id, err := identity.Parse(rawID)
	if err != nil {
		fatal(err)
	}
	auth := delivery.NewJWTAuthenticator(cfg.Server.TokenSecret)
	token, err := auth.IssueToken(id.String(), 30*24*time.Hour)
	if err != nil {
		fatal(err)
	}
	fmt.Println(token)
}

func registerAccount(cfg *config.Config, spec string) {
	loginID, displayName, ok := cut(spec)
	if !ok {
		fatal(fmt.Errorf("usage: -register <loginID>:<display name>"))
	}
	id, err := identity.Parse(loginID)
	if err != nil {
		fatal(err)
	}
	store, err := delivery.OpenSQLite(cfg.Server.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close()
	if err := store.UpsertAccount(delivery.ProfileSnapshot{
		Identity:    id.String(),
		DisplayName: displayName,
		Status:      "offline",
	}, ""); err != nil {
		fatal(err)
	}
	fmt.Printf("registered %s (%s)\n", id, displayName)
}

func linkAccounts(cfg *config.Config, spec string) {
	rawA, rawB, ok := cut(spec)
	if !ok {
		fatal(fmt.Errorf("usage: -link <loginID>:<loginID>"))
	}
	a, err := identity.Parse(rawA)
	if err != nil {
		fatal(err)
	}
	b, err := identity.Parse(rawB)
	if err != nil {
		fatal(err)
	}
	store, err := delivery.OpenSQLite(cfg.Server.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close()
	if err := store.AddContact(a.String(), b.String()); err != nil {
		fatal(err)
	}
	fmt.Printf("linked %s and %s\n", a, b)
}

func cut(spec string) (string, string, bool) {
	a, b, ok := strings.Cut(spec, ":")
	return a, b, ok && b != ""
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
