package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowplane/pkg/api"
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants (admin)",
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a tenant and print its API key",
	Long: `Create a new tenant. The generated API key is printed exactly once;
only its hash is stored server-side. Limits of 0 mean unlimited.`,
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			cmd.Println("--name is required")
			return
		}
		daily, _ := cmd.Flags().GetInt("daily-limit")
		monthly, _ := cmd.Flags().GetInt("monthly-limit")
		concurrent, _ := cmd.Flags().GetInt("concurrent-limit")
		rateLimit, _ := cmd.Flags().GetFloat64("rate-limit")
		rateBurst, _ := cmd.Flags().GetInt("rate-limit-burst")

		client := NewFlowClient(viper.GetString("url"), viper.GetString("token"))
		resp, err := client.CreateTenant(api.CreateTenantRequest{
			Name:            name,
			DailyLimit:      daily,
			MonthlyLimit:    monthly,
			ConcurrentLimit: concurrent,
			RateLimit:       rateLimit,
			RateLimitBurst:  rateBurst,
		})
		if err != nil {
			cmd.Printf("Failed to create tenant: %v\n", err)
			return
		}

		cmd.Printf("Tenant created: %s (%s)\n", resp.Name, resp.ID)
		cmd.Printf("API key (shown once, store it now): %s\n", resp.ApiKey)
	},
}

func init() {
	tenantCreateCmd.Flags().String("name", "", "Tenant name (required)")
	tenantCreateCmd.Flags().Int("daily-limit", 0, "Max runs per day (0 = unlimited)")
	tenantCreateCmd.Flags().Int("monthly-limit", 0, "Max runs per month (0 = unlimited)")
	tenantCreateCmd.Flags().Int("concurrent-limit", 0, "Max concurrent runs (0 = unlimited)")
	tenantCreateCmd.Flags().Float64("rate-limit", 0, "API requests per second (0 = unlimited)")
	tenantCreateCmd.Flags().Int("rate-limit-burst", 0, "API request burst size")

	tenantCmd.AddCommand(tenantCreateCmd)
	rootCmd.AddCommand(tenantCmd)
}
