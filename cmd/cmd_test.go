package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"github.com/pauline2k/weave-bot-orb/internal/config"
	"github.com/pauline2k/weave-bot-orb/internal/store"
)

func TestOpenStoreDrivers(t *testing.T) {
	dir := t.TempDir()
	for _, driver := range []string{config.DriverMemory, config.DriverFile, config.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			cfg := config.Default()
			cfg.Database.Driver = driver
			cfg.Database.Path = filepath.Join(dir, driver+".db")

			st, err := openStore(t.Context(), cfg)
			if err != nil {
				t.Fatalf("expected store, got: %v", err)
			}
			defer st.Close()

			id, err := st.Create(t.Context(), &store.ParseRequest{
				SourceMessageRef: store.MessageRef{Platform: "discord", ChatID: "c", MessageID: "m"},
			})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := st.Get(t.Context(), id); err != nil {
				t.Fatalf("expected created request, got: %v", err)
			}
		})
	}
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = "cassandra"
	st, err := openStore(t.Context(), cfg)
	if err == nil || st != nil {
		t.Fatalf("expected error and nil store, got: %v, %v", st, err)
	}
}

func TestPrintRequestTable(t *testing.T) {
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reqs := []store.ParseRequest{
		{
			ID:               "req-1",
			State:            store.StateDispatched,
			SourceMessageRef: store.MessageRef{Platform: "telegram", ChatID: "-100123", MessageID: "42"},
			AgentRequestID:   "agent-1",
			UpdatedAt:        updated,
		},
		{
			ID:               "req-2",
			State:            store.StatePending,
			SourceMessageRef: store.MessageRef{Platform: "discord", ChatID: "123456789012345678", MessageID: "987654321098765432"},
			UpdatedAt:        updated,
		},
	}

	var buf bytes.Buffer
	printRequestTable(&buf, reqs)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got: %q", buf.String())
	}
	if !strings.HasPrefix(lines[0], "ID") {
		t.Fatalf("expected header first, got: %q", lines[0])
	}
	stateCol := strings.Index(lines[0], "STATE")
	for _, l := range lines[1:] {
		if strings.Index(l, string(store.StateDispatched)) != stateCol && strings.Index(l, string(store.StatePending)) != stateCol {
			t.Fatalf("expected aligned state column at %d, got: %q", stateCol, l)
		}
	}
	if !strings.Contains(lines[2], "…") {
		t.Fatalf("expected long discord ref to be truncated, got: %q", lines[2])
	}
	if !strings.Contains(lines[2], " - ") {
		t.Fatalf("expected dash for missing agent id, got: %q", lines[2])
	}
}

func TestOnboardApplyKeepsSecretsOutOfConfig(t *testing.T) {
	cfg := config.Default()
	a := &onboardAnswers{
		discord:         true,
		discordToken:    " tok ",
		discordChannels: "1, 2,,3",
		agentURL:        "http://agent:8000/parse",
		timeoutSeconds:  "300",
		driver:          config.DriverSQLite,
	}
	secrets := a.apply(cfg)

	if got := secrets["WEAVEBOT_DISCORD_TOKEN"]; got != "tok" {
		t.Fatalf("expected trimmed token in secrets, got: %q", got)
	}
	if _, ok := secrets["WEAVEBOT_TELEGRAM_TOKEN"]; ok {
		t.Fatalf("expected no telegram secret when disabled")
	}
	if len(cfg.Channels.Discord.Channels) != 3 {
		t.Fatalf("expected 3 channel ids, got: %v", cfg.Channels.Discord.Channels)
	}
	if cfg.Relay.RequestTimeoutSeconds != 300 {
		t.Fatalf("expected timeout 300, got: %d", cfg.Relay.RequestTimeoutSeconds)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestMergeEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("KEEP=me\nWEAVEBOT_DISCORD_TOKEN=old\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := mergeEnvFile(path, map[string]string{"WEAVEBOT_DISCORD_TOKEN": "new"}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	env, err := godotenv.Read(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if env["KEEP"] != "me" || env["WEAVEBOT_DISCORD_TOKEN"] != "new" {
		t.Fatalf("expected merged env, got: %v", env)
	}
}

func TestPositiveInt(t *testing.T) {
	for in, ok := range map[string]bool{"30": true, " 5 ": true, "0": false, "-1": false, "abc": false, "": false} {
		if err := positiveInt(in); (err == nil) != ok {
			t.Fatalf("positiveInt(%q): expected ok=%v, got: %v", in, ok, err)
		}
	}
}
