package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/convpipe/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("convpipe setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.LLM.Provider = ask(scanner, "LLM provider (openai|anthropic)", cfg.LLM.Provider)
		cfg.LLM.BaseURL = ask(scanner, "LLM base URL", cfg.LLM.BaseURL)
		cfg.LLM.APIKey = ask(scanner, "LLM API key", cfg.LLM.APIKey)
		cfg.LLM.Model = ask(scanner, "LLM model name", cfg.LLM.Model)
		if n, err := strconv.Atoi(ask(scanner, "Max output tokens", strconv.Itoa(cfg.LLM.MaxTokens))); err == nil {
			cfg.LLM.MaxTokens = n
		}

		cfg.Storage.Backend = ask(scanner, "Storage backend (jsonl|sqlite)", cfg.Storage.Backend)
		cfg.Bank.APIURL = ask(scanner, "Bank API URL (empty for placeholder data)", cfg.Bank.APIURL)
		if cfg.Bank.APIURL != "" {
			cfg.Bank.APIKey = ask(scanner, "Bank API key", cfg.Bank.APIKey)
		}
		cfg.Telegram.Token = ask(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// ask prints label with its default and returns the typed answer, or the
// default when the answer is empty.
func ask(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		if input := strings.TrimSpace(scanner.Text()); input != "" {
			return input
		}
	}
	return defaultVal
}
