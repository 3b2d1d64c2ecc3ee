package cmd

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pauline2k/weave-bot-orb/internal/config"
	"github.com/pauline2k/weave-bot-orb/internal/store"
	"github.com/pauline2k/weave-bot-orb/internal/store/pg"
	"github.com/pauline2k/weave-bot-orb/internal/upgrade"
	"github.com/pauline2k/weave-bot-orb/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, store and agent reachability",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context())
		},
	}
}

func runDoctor(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	fmt.Println("weavebot doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using env only)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Println("  Config problems:")
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Printf("    - %s\n", line)
		}
	} else {
		fmt.Println("  Config valid.")
	}

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "", len(cfg.Channels.Discord.Channels))
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "", len(cfg.Channels.Telegram.Chats))

	fmt.Println()
	fmt.Println("  Relay:")
	fmt.Printf("    %-12s %s\n", "Timeout:", cfg.Relay.RequestTimeout())
	fmt.Printf("    %-12s %s\n", "Sweep:", cfg.Relay.SweepInterval())
	fmt.Printf("    %-12s %d\n", "Retries:", cfg.Relay.Retries())
	fmt.Printf("    %-12s %s\n", "Callback:", cfg.ResolvedCallbackURL())

	fmt.Println()
	fmt.Println("  Agent:")
	checkAgent(cfg.Agent.URL)

	fmt.Println()
	fmt.Println("  Database:")
	checkDatabase(ctx, cfg)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkChannel(name string, enabled, hasCredentials bool, watched int) {
	status := "disabled"
	if enabled && hasCredentials {
		status = fmt.Sprintf("enabled (%d watched)", watched)
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkAgent(raw string) {
	fmt.Printf("    %-12s %s\n", "URL:", raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		fmt.Printf("    %-12s INVALID URL\n", "Status:")
		return
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	conn, err := net.DialTimeout("tcp", host, 3*time.Second)
	if err != nil {
		fmt.Printf("    %-12s UNREACHABLE (%s)\n", "Status:", err)
		return
	}
	conn.Close()
	fmt.Printf("    %-12s reachable\n", "Status:")
}

func checkDatabase(ctx context.Context, cfg *config.Config) {
	driver := cfg.Database.Driver
	fmt.Printf("    %-12s %s\n", "Driver:", driver)

	if driver == config.DriverPostgres {
		checkSchema(ctx, cfg.Database.PostgresDSN)
	}
	if driver == config.DriverMemory {
		return
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", firstLine(err.Error()))
		return
	}
	defer st.Close()

	active, err := st.List(ctx, store.ListOpts{
		States: []store.RequestState{store.StatePending, store.StateDispatched},
		Limit:  maxListLimit,
	})
	if err != nil {
		fmt.Printf("    %-12s QUERY FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s ok (%d active requests)\n", "Status:", len(active))
}

func checkSchema(ctx context.Context, dsn string) {
	if dsn == "" {
		fmt.Printf("    %-12s WEAVEBOT_POSTGRES_DSN not set\n", "Schema:")
		return
	}
	db, err := pg.OpenDB(dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Schema:", err)
		return
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(ctx, db)
	switch {
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	case s.Compatible:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	case s.Dirty:
		fmt.Printf("    %-12s v%d (DIRTY, run: weavebot migrate force %d)\n", "Schema:", s.CurrentVersion, prevVersion(s.CurrentVersion))
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
	default:
		fmt.Printf("    %-12s v%d (upgrade needed, run: weavebot migrate up)\n", "Schema:", s.CurrentVersion)
	}
}

func prevVersion(v uint) uint {
	if v == 0 {
		return 0
	}
	return v - 1
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
