package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/hotel/realtime"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Job queue maintenance",
}

var jobsProcessMax time.Duration

var jobsProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Process all pending jobs once and exit",
	Long: `Processes the pending jobs of the queue and returns after the last one
is done. Use it from an external scheduler when no server runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		service, err := loadService()
		if err != nil {
			return err
		}
		logger.InitLogger(logger.ParseLevel(service.LogLevel))
		a, err := newApp(cmd.Context(), service, mux.NewRouter())
		if err != nil {
			return err
		}
		defer a.close()
		if more := a.queue.ProcessJobsSync(jobsProcessMax); more {
			logger.Default().Infoln("stopped after", jobsProcessMax, "with jobs left to process")
		}
		return nil
	},
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Staff accounts",
}

var newAccount access.NewAccount

var accountsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a staff account",
	Example: `  hotelier accounts create --email ana@hotel.example --name "Ana Lima" \
    --password secret123 --role front_desk`,
	RunE: func(cmd *cobra.Command, args []string) error {
		service, err := loadService()
		if err != nil {
			return err
		}
		logger.InitLogger(logger.ParseLevel(service.LogLevel))
		ctx := cmd.Context()
		a, err := newApp(ctx, service, mux.NewRouter())
		if err != nil {
			return err
		}
		defer a.close()
		accounts, err := access.NewAccounts(ctx, a.db)
		if err != nil {
			return err
		}
		account, err := accounts.CreateAccount(ctx, newAccount)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), account.Public())
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Hotel settings",
}

var settingsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import hotel settings from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		service, err := loadService()
		if err != nil {
			return err
		}
		logger.InitLogger(logger.ParseLevel(service.LogLevel))
		// the settings file of the environment must not overwrite the one given
		service.SettingsFile = args[0]
		a, err := newApp(cmd.Context(), service, mux.NewRouter())
		if err != nil {
			return err
		}
		defer a.close()
		s, err := a.settings.Load(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), s)
	},
}

var watchConfig realtime.ClientConfig

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the realtime messages of a running server",
	Long: `Connects to the /ws endpoint of a running server and prints every
message as a line of JSON. The token defaults to $HOTELIER_TOKEN.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchConfig.Token == "" {
			watchConfig.Token = os.Getenv("HOTELIER_TOKEN")
		}
		out := cmd.OutOrStdout()
		show := func(m realtime.Message) {
			if err := printJSON(out, m); err != nil {
				logger.Default().WithError(err).Errorln("cannot print message")
			}
		}
		client := realtime.NewClient(watchConfig, realtime.Handlers{
			InventoryUpdate:  show,
			LowStockAlert:    show,
			OrderUpdate:      show,
			RequestUpdate:    show,
			LoyaltyUpdate:    show,
			InvoiceUpdate:    show,
			DashboardRefresh: show,
			Other:            show,
		})
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return client.Run(ctx)
	},
}

func init() {
	jobsProcessCmd.Flags().DurationVar(&jobsProcessMax, "max", 0, "stop commissioning jobs after this duration, 0 processes all")
	jobsCmd.AddCommand(jobsProcessCmd)

	flags := accountsCreateCmd.Flags()
	flags.StringVar(&newAccount.Email, "email", "", "email address, used to sign in")
	flags.StringVar(&newAccount.Name, "name", "", "display name")
	flags.StringVar(&newAccount.Password, "password", "", "initial password")
	flags.StringSliceVar(&newAccount.Roles, "role", nil, "role, repeat for several: admin, manager, front_desk, housekeeping, maintenance")
	for _, required := range []string{"email", "password", "role"} {
		if err := accountsCreateCmd.MarkFlagRequired(required); err != nil {
			panic(err)
		}
	}
	accountsCmd.AddCommand(accountsCreateCmd)

	settingsCmd.AddCommand(settingsImportCmd)

	flags = watchCmd.Flags()
	flags.StringVar(&watchConfig.URL, "url", "http://localhost:3000", "the server URL")
	flags.StringVar(&watchConfig.Token, "token", "", "a session token")
	flags.IntVar(&watchConfig.MaxAttempts, "max-attempts", 5, "reconnection attempts before giving up")
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
