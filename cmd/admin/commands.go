package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"order-gateway-go/internal/audit"
	"order-gateway-go/internal/keystore"
	"order-gateway-go/internal/ledger"
)

const usage = `usage: admin <command> [flags]

commands:
  create-account -username NAME -email EMAIL [-broker NAME]
  rotate-key     -id ACCOUNT_ID
  deactivate     -id ACCOUNT_ID
  activate       -id ACCOUNT_ID
  accounts
  stats
  audit          [-n 20] [-order ORDER_ID] [-account ACCOUNT_ID]`

var errUsage = errors.New(usage)

// admin holds the dependencies of the operator commands.
type admin struct {
	log    *zap.Logger
	keys   *keystore.Store
	ledger *ledger.Ledger
	audit  *audit.Recorder
	out    io.Writer
}

func (a *admin) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "create-account":
		return a.createAccount(ctx, rest)
	case "rotate-key":
		return a.rotateKey(ctx, rest)
	case "deactivate":
		return a.setActive(ctx, rest, false)
	case "activate":
		return a.setActive(ctx, rest, true)
	case "accounts":
		return a.accounts(ctx)
	case "stats":
		return a.stats(ctx)
	case "audit":
		return a.auditTrail(ctx, rest)
	default:
		return fmt.Errorf("unknown command %q\n%w", cmd, errUsage)
	}
}

func (a *admin) createAccount(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create-account", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	username := fs.String("username", "", "account user name")
	email := fs.String("email", "", "account email")
	brokerName := fs.String("broker", "", "broker adapter serving the account (default broker when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" || *email == "" {
		return errors.New("create-account: -username and -email are required")
	}

	acct, key, err := a.keys.Create(ctx, keystore.NewAccount{Username: *username, Email: *email, Broker: *brokerName})
	if err != nil {
		return err
	}
	a.log.Info("Account created", zap.Uint("account_id", acct.ID))
	// The raw key is shown once and never stored.
	return a.print(struct {
		ID       uint   `json:"id"`
		Username string `json:"username"`
		APIKey   string `json:"api_key"`
	}{acct.ID, acct.Username, key})
}

func (a *admin) rotateKey(ctx context.Context, args []string) error {
	id, err := parseID("rotate-key", args)
	if err != nil {
		return err
	}
	key, err := a.keys.RotateKey(ctx, id)
	if err != nil {
		return err
	}
	a.log.Info("API key rotated", zap.Uint("account_id", id))
	return a.print(struct {
		ID     uint   `json:"id"`
		APIKey string `json:"api_key"`
	}{id, key})
}

func (a *admin) setActive(ctx context.Context, args []string, active bool) error {
	name := "deactivate"
	if active {
		name = "activate"
	}
	id, err := parseID(name, args)
	if err != nil {
		return err
	}
	if active {
		err = a.keys.Activate(ctx, id)
	} else {
		err = a.keys.Deactivate(ctx, id)
	}
	if err != nil {
		return err
	}
	return a.print(struct {
		ID     uint `json:"id"`
		Active bool `json:"is_active"`
	}{id, active})
}

type accountView struct {
	ID           uint       `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	Broker       string     `json:"broker,omitempty"`
	Active       bool       `json:"is_active"`
	KeyRotatedAt *time.Time `json:"key_rotated_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (a *admin) accounts(ctx context.Context) error {
	list, err := a.keys.List(ctx)
	if err != nil {
		return err
	}
	views := make([]accountView, 0, len(list))
	for _, acct := range list {
		views = append(views, accountView{
			ID:           acct.ID,
			Username:     acct.Username,
			Email:        acct.Email,
			Broker:       acct.Broker,
			Active:       acct.IsActive,
			KeyRotatedAt: acct.KeyRotatedAt,
			CreatedAt:    acct.CreatedAt,
		})
	}
	return a.print(views)
}

// stats prints total, pending and completed orders per account.
func (a *admin) stats(ctx context.Context) error {
	stats, err := a.ledger.Stats(ctx)
	if err != nil {
		return err
	}
	return a.print(stats)
}

func (a *admin) auditTrail(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	n := fs.Int("n", 20, "number of records")
	orderID := fs.String("order", "", "only records for this order")
	accountID := fs.Uint("account", 0, "only records for this account")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *orderID == "" && *accountID == 0 {
		recs, err := a.audit.Tail(ctx, *n)
		if err != nil {
			return err
		}
		return a.print(recs)
	}
	f := audit.Filter{OrderID: *orderID, Limit: *n}
	if *accountID != 0 {
		id := *accountID
		f.AccountID = &id
	}
	recs, err := a.audit.List(ctx, f)
	if err != nil {
		return err
	}
	return a.print(recs)
}

func parseID(name string, args []string) (uint, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.Uint("id", 0, "account id")
	if err := fs.Parse(args); err != nil {
		return 0, err
	}
	if *id == 0 {
		return 0, fmt.Errorf("%s: -id is required", name)
	}
	return *id, nil
}

func (a *admin) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
