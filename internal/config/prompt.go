package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/beffjarker/jouster/internal/history/db"
)

// ErrAborted is returned by Prompt when the user cancels the form.
var ErrAborted = errors.New("config init aborted")

// Interactive reports whether stdin and stdout are both terminals.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// Prompt asks for the settings most installs change and stores the answers
// in cfg. Everything else keeps its current value.
func Prompt(cfg *Config) error {
	port := strconv.Itoa(cfg.Server.Port)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Archive directory").
				Description("Where conversation-*.json files are written").
				Value(&cfg.Archive.Dir).
				Validate(notBlank("archive directory")),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("DynamoDB table").
				Value(&cfg.Store.Table).
				Validate(notBlank("table name")),
			huh.NewInput().
				Title("Region").
				Value(&cfg.Store.Region),
			huh.NewInput().
				Title("Endpoint").
				Description("Leave empty for AWS; http://localhost:8000 for DynamoDB Local").
				Value(&cfg.Store.Endpoint),
			huh.NewInput().
				Title("Shared config profile").
				Description("Optional").
				Value(&cfg.Store.Profile),
			huh.NewSelect[string]().
				Title("Billing mode").
				Options(huh.NewOptions(db.BillingPayPerRequest, db.BillingProvisioned)...).
				Value(&cfg.Store.BillingMode),
			huh.NewConfirm().
				Title("Create the table on first use?").
				Value(&cfg.Sync.AutoProvision),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("API port").
				Value(&port).
				Validate(validPort),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return ErrAborted
		}
		return fmt.Errorf("config form: %w", err)
	}

	p, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", port, err)
	}
	cfg.Server.Port = p
	return nil
}

func notBlank(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func validPort(s string) error {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 || p > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	return nil
}
