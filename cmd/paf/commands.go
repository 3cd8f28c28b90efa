package main

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/allaspectsdev/paf/internal/config"
	"github.com/allaspectsdev/paf/internal/daemon"
	"github.com/allaspectsdev/paf/internal/family"
	"github.com/allaspectsdev/paf/internal/vault"
)

func loadConfig() *config.Config {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func cmdStart(args []string) {
	foreground := false
	for _, a := range args {
		if a == "--foreground" || a == "-f" {
			foreground = true
		}
	}

	cfg := loadConfig()
	if err := daemon.Run(cfg, foreground); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdStop() {
	cfg := loadConfig()
	if err := daemon.Stop(cfg.Server.DataDir); err != nil {
		fmt.Fprintf(os.Stderr, "error stopping daemon: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("paf stopped")
}

func cmdStatus() {
	daemon.Status(loadConfig())
}

func cmdList(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: paf list <claude|codex>")
		os.Exit(1)
	}
	svc, err := family.ParseService(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig()
	families, err := family.NewStore(cfg.Server.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	state, err := families.Load(svc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading %s config: %v\n", svc, err)
		os.Exit(1)
	}

	fmt.Printf("=== %s configurations (mode: %s) ===\n\n", svc, state.Mode)
	if len(state.Configs) == 0 {
		fmt.Println("  No configurations found.")
		return
	}
	for _, p := range state.Configs {
		marker := ""
		if p.Name == state.Active.Name {
			marker = " [ACTIVE]"
		}
		if !p.Enabled {
			marker += " [DISABLED]"
		}
		if p.FreezeUntil != nil {
			marker += " [FROZEN until " + p.FreezeUntil.Format("15:04:05") + "]"
		}
		fmt.Printf("  %s%s\n", p.Name, marker)
		fmt.Printf("    Base URL: %s\n", p.BaseURL)
		fmt.Printf("    Weight:   %g\n\n", p.Weight)
	}
}

func cmdActivate(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: paf activate <claude|codex> <name>")
		os.Exit(1)
	}
	svc, err := family.ParseService(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	name := args[1]

	cfg := loadConfig()
	families, err := family.NewStore(cfg.Server.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := families.Init(svc); err != nil {
		fmt.Fprintf(os.Stderr, "error loading %s config: %v\n", svc, err)
		os.Exit(1)
	}

	err = families.Mutate(svc, func(state *family.State) error {
		if _, ok := state.Profile(name); !ok {
			return fmt.Errorf("configuration %q not found", name)
		}
		state.Active.Name = name
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Activated %s configuration: %s\n", svc, name)
}

func cmdSecret(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: paf secret <set|delete> <account>")
		os.Exit(1)
	}
	action, account := args[0], args[1]
	v := vault.New()

	switch action {
	case "set":
		fmt.Printf("Secret for %q (input hidden): ", account)
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading secret: %v\n", err)
			os.Exit(1)
		}
		if err := v.Set(account, string(secret)); err != nil {
			fmt.Fprintf(os.Stderr, "error storing secret: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Stored. Reference it as keyring:%s in endpoint credentials.\n", account)
	case "delete":
		if err := v.Delete(account); err != nil {
			fmt.Fprintf(os.Stderr, "error deleting secret: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Deleted.")
	default:
		fmt.Fprintln(os.Stderr, "usage: paf secret <set|delete> <account>")
		os.Exit(1)
	}
}

func cmdInitConfig() {
	if err := config.InitConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "error generating config: %v\n", err)
		os.Exit(1)
	}
}
