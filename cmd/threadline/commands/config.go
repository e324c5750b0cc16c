package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appcfg "github.com/threadline/threadline/config"
	"github.com/threadline/threadline/errors"
)

// ConfigCmd shows the effective configuration after all layers merge
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective Threadline configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := appcfg.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load configuration")
		}

		fmt.Printf("database.path        = %s\n", cfg.GetDatabasePath())
		fmt.Printf("server.port          = %d\n", cfg.GetServerPort())
		fmt.Printf("server.allowed_origins = %v\n", cfg.GetServerAllowedOrigins())
		fmt.Printf("engine.scheduler_interval_seconds = %d\n", cfg.Engine.SchedulerIntervalSeconds)
		fmt.Printf("engine.processor_interval_seconds = %d\n", cfg.Engine.ProcessorIntervalSeconds)
		fmt.Printf("engine.rescuer_interval_seconds   = %d\n", cfg.Engine.RescuerIntervalSeconds)
		fmt.Printf("openrouter.model     = %s\n", cfg.OpenRouter.Model)
		if cfg.OpenRouter.APIKey != "" {
			fmt.Println("openrouter.api_key   = (set)")
		} else {
			fmt.Println("openrouter.api_key   = (not set)")
		}
		fmt.Printf("ratelimit.pro_wallets = %d configured\n", len(cfg.RateLimit.ProWallets))
		return nil
	},
}
