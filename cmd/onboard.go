package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pauline2k/weave-bot-orb/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard: writes config.json and .env",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

// onboardAnswers is what the wizard asks for. Tokens go to .env, never config.json.
type onboardAnswers struct {
	discord         bool
	discordToken    string
	discordChannels string
	telegram        bool
	telegramToken   string
	telegramChats   string
	agentURL        string
	callbackURL     string
	timeoutSeconds  string
	driver          string
	replaceOnFinish bool
}

func runOnboard() error {
	cfgPath := resolveConfigPath()
	cfg, err := loadConfig()
	if err != nil {
		cfg = config.Default()
	}

	a := answersFrom(cfg)
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("weavebot setup").
				Description("Links posted in watched chats are sent to the parsing agent.\nSecrets are written to .env next to the config file."),
			huh.NewConfirm().Title("Enable Discord?").Value(&a.discord),
			huh.NewConfirm().Title("Enable Telegram?").Value(&a.telegram),
		),
		huh.NewGroup(
			huh.NewInput().Title("Discord bot token").EchoMode(huh.EchoModePassword).Value(&a.discordToken).Validate(required),
			huh.NewInput().Title("Discord channel ids").Description("Comma separated").Value(&a.discordChannels).Validate(required),
		).WithHideFunc(func() bool { return !a.discord }),
		huh.NewGroup(
			huh.NewInput().Title("Telegram bot token").EchoMode(huh.EchoModePassword).Value(&a.telegramToken).Validate(required),
			huh.NewInput().Title("Telegram chat ids").Description("Comma separated").Value(&a.telegramChats).Validate(required),
		).WithHideFunc(func() bool { return !a.telegram }),
		huh.NewGroup(
			huh.NewInput().Title("Agent parse URL").Value(&a.agentURL).Validate(required),
			huh.NewInput().Title("Callback URL").Description("Where the agent reaches this relay; empty derives it from the gateway address").Value(&a.callbackURL),
			huh.NewInput().Title("Request timeout (seconds)").Description("How long to wait for the agent's callback").Value(&a.timeoutSeconds).Validate(positiveInt),
			huh.NewSelect[string]().
				Title("Request store").
				Options(
					huh.NewOption("Memory (lost on restart)", config.DriverMemory),
					huh.NewOption("File (bbolt)", config.DriverFile),
					huh.NewOption("SQLite", config.DriverSQLite),
					huh.NewOption("Postgres (WEAVEBOT_POSTGRES_DSN)", config.DriverPostgres),
					huh.NewOption("Redis", config.DriverRedis),
				).
				Value(&a.driver),
			huh.NewConfirm().Title("Post final results as a fresh reply?").Description("Otherwise the working message is edited in place").Value(&a.replaceOnFinish),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return err
	}

	secrets := a.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}
	cfg.Channels.Discord.Token = ""
	cfg.Channels.Telegram.Token = ""
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	envPath := filepath.Join(filepath.Dir(cfgPath), ".env")
	if err := mergeEnvFile(envPath, secrets); err != nil {
		return fmt.Errorf("write %s: %w", envPath, err)
	}

	fmt.Printf("\nConfig written to %s, secrets to %s.\n", cfgPath, envPath)
	if cfg.Database.Driver == config.DriverPostgres {
		fmt.Println("Set WEAVEBOT_POSTGRES_DSN and run: weavebot migrate up")
	}
	fmt.Println("Start the relay with: weavebot")
	return nil
}

func answersFrom(cfg *config.Config) *onboardAnswers {
	a := &onboardAnswers{
		discord:         cfg.Channels.Discord.Enabled,
		discordToken:    cfg.Channels.Discord.Token,
		discordChannels: strings.Join(cfg.Channels.Discord.Channels, ","),
		telegram:        cfg.Channels.Telegram.Enabled,
		telegramToken:   cfg.Channels.Telegram.Token,
		telegramChats:   strings.Join(cfg.Channels.Telegram.Chats, ","),
		agentURL:        cfg.Agent.URL,
		callbackURL:     cfg.Agent.CallbackURL,
		driver:          cfg.Database.Driver,
		replaceOnFinish: cfg.Relay.ReplaceOnFinish,
	}
	if cfg.Relay.RequestTimeoutSeconds > 0 {
		a.timeoutSeconds = strconv.Itoa(cfg.Relay.RequestTimeoutSeconds)
	}
	return a
}

// apply writes the answers into cfg and returns the secrets that belong in .env.
// Tokens are kept in cfg for Validate but cleared before Save.
func (a *onboardAnswers) apply(cfg *config.Config) map[string]string {
	cfg.Channels.Discord.Enabled = a.discord
	cfg.Channels.Discord.Channels = splitIDs(a.discordChannels)
	cfg.Channels.Telegram.Enabled = a.telegram
	cfg.Channels.Telegram.Chats = splitIDs(a.telegramChats)
	cfg.Agent.URL = strings.TrimSpace(a.agentURL)
	cfg.Agent.CallbackURL = strings.TrimSpace(a.callbackURL)
	cfg.Relay.RequestTimeoutSeconds, _ = strconv.Atoi(strings.TrimSpace(a.timeoutSeconds))
	cfg.Relay.ReplaceOnFinish = a.replaceOnFinish
	cfg.Database.Driver = a.driver

	secrets := map[string]string{}
	if a.discord {
		secrets["WEAVEBOT_DISCORD_TOKEN"] = strings.TrimSpace(a.discordToken)
		cfg.Channels.Discord.Token = secrets["WEAVEBOT_DISCORD_TOKEN"]
	}
	if a.telegram {
		secrets["WEAVEBOT_TELEGRAM_TOKEN"] = strings.TrimSpace(a.telegramToken)
		cfg.Channels.Telegram.Token = secrets["WEAVEBOT_TELEGRAM_TOKEN"]
	}
	return secrets
}

// mergeEnvFile updates keys in an existing .env (or creates it), keeping other entries.
func mergeEnvFile(path string, secrets map[string]string) error {
	env := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		existing, err := godotenv.Read(path)
		if err != nil {
			return err
		}
		env = existing
	}
	for k, v := range secrets {
		env[k] = v
	}
	if err := godotenv.Write(env, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

func splitIDs(s string) config.FlexibleStringSlice {
	var out config.FlexibleStringSlice
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func required(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("required")
	}
	return nil
}

func positiveInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return errors.New("enter a whole number of seconds")
	}
	return nil
}
