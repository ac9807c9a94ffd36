package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rendis/formbridge/internal/scheduler"
	"github.com/rendis/formbridge/internal/submission"
	"github.com/rendis/formbridge/pkg/mcp"
	"github.com/rendis/formbridge/pkg/schema"
)

const usage = `usage: formbridge <command> [flags]

commands:
  serve     run the MCP tool server on stdio with the retention scheduler
  submit    process one submission and print the result
  fields    print the configuration fields of a form action
  secret    manage vault secrets (set, delete, list)
  version   print the version`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "version" {
		printVersion()
		return
	}

	loadEnvFile()
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "serve":
		err = runServe(ctx, cfg)
	case "submit":
		err = runSubmit(ctx, cfg, args)
	case "fields":
		err = runFields(ctx, cfg, args)
	case "secret":
		err = runSecret(ctx, cfg, args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, cfg Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := scheduler.NewScheduler(a.logger)
	if retention := cfg.retention(); retention > 0 && cfg.PurgeCron != "" {
		if err := sched.AddRetention(a.store, retention, cfg.PurgeCron); err != nil {
			return err
		}
	}
	if cfg.VacuumCron != "" {
		if err := sched.AddVacuum(a.store, cfg.VacuumCron); err != nil {
			return err
		}
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	srv := mcp.NewServer(mcp.ServerDeps{
		Forms:     a.catalog,
		Submitter: a.proc,
		Store:     a.store,
		Registry:  a.registry,
		Version:   version,
		Logger:    a.logger,
	})
	a.logger.Info("formbridge serving on stdio", "version", version, "forms", a.catalog.Len())
	return srv.Serve(ctx)
}

func runSubmit(ctx context.Context, cfg Config, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	formName := fs.String("form", "", "form name")
	valuesPath := fs.String("values", "-", "JSON file with submitted values (- for stdin)")
	userID := fs.String("user", "", "submitting user's contact ID")
	nonceFlag := fs.String("nonce", "", "submission nonce (issued locally when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *formName == "" {
		return fmt.Errorf("-form is required")
	}

	values, err := readValues(*valuesPath)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	form, err := a.catalog.Get(*formName)
	if err != nil {
		return err
	}
	sub := submission.New("", form, values)
	sub.UserID = *userID
	sub.Nonce = *nonceFlag
	if sub.Nonce == "" {
		sub.Nonce = a.proc.Nonce(form.Name, sub.UserID)
	}

	res, procErr := a.proc.Process(ctx, form, sub)
	if res != nil {
		if err := printJSON(os.Stdout, res); err != nil {
			return err
		}
	}
	return procErr
}

func readValues(path string) (map[string]any, error) {
	var r io.Reader = bufio.NewReader(os.Stdin)
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var values map[string]any
	if err := json.NewDecoder(r).Decode(&values); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "submitted values: %v", err)
	}
	return values, nil
}

func runFields(ctx context.Context, cfg Config, args []string) error {
	fs := flag.NewFlagSet("fields", flag.ExitOnError)
	formName := fs.String("form", "", "form name")
	actionName := fs.String("action", "", "configured action name")
	actionType := fs.String("type", "", "action type, for an action not yet on the form")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	form, err := a.catalog.Get(*formName)
	if err != nil {
		return err
	}
	def := &schema.ActionDefinition{Type: *actionType, Name: *actionType}
	if *actionName != "" {
		found, ok := form.Action(*actionName)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeNotFound, "form %q has no action %q", form.Name, *actionName)
		}
		def = found
	}
	action, err := a.registry.Get(def.Type)
	if err != nil {
		return err
	}
	fields, err := action.ConfigFields(ctx, form, def)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, fields)
}

func runSecret(ctx context.Context, cfg Config, args []string) error {
	if cfg.VaultKey == "" {
		return fmt.Errorf("FORMBRIDGE_VAULT_KEY is required for secret management")
	}
	s, vault, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if len(args) == 0 {
		return fmt.Errorf("usage: formbridge secret set <key> <value> | delete <key> | list")
	}
	switch args[0] {
	case "set":
		if len(args) != 3 {
			return fmt.Errorf("usage: formbridge secret set <key> <value>")
		}
		return vault.Put(ctx, args[1], []byte(args[2]))
	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("usage: formbridge secret delete <key>")
		}
		return vault.Delete(ctx, args[1])
	case "list":
		keys, err := vault.List(ctx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	default:
		return fmt.Errorf("unknown secret command %q", args[0])
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
