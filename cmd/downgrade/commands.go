package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/downgrader/internal/apiclient"
	"github.com/dukerupert/downgrader/internal/authorizer"
	"github.com/dukerupert/downgrader/internal/device"
	"github.com/dukerupert/downgrader/internal/logging"
	"github.com/dukerupert/downgrader/internal/model"
	"github.com/dukerupert/downgrader/internal/wallet"
)

const defaultAPIURL = "http://localhost:8000"

// cli holds what every subcommand needs. It is filled in by the root
// command's PersistentPreRunE.
type cli struct {
	apiURL   string
	stateDir string
	logLevel string

	out    io.Writer
	logger *slog.Logger
	api    *apiclient.Client
	device *device.Provider
	wallet *wallet.Wallet
	auth   *authorizer.Authorizer
}

func defaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".downgrade"
	}
	return filepath.Join(dir, "downgrade")
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "downgrade",
		Short:         "Turn hyped-up headlines into honest ones",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init(cmd)
		},
	}

	apiURL := getenv("DOWNGRADE_API_URL")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	stateDir := getenv("DOWNGRADE_STATE_DIR")
	if stateDir == "" {
		stateDir = defaultStateDir()
	}

	root.PersistentFlags().StringVar(&c.apiURL, "api-url", apiURL, "entitlement server URL (env DOWNGRADE_API_URL)")
	root.PersistentFlags().StringVar(&c.stateDir, "state-dir", stateDir, "directory for the wallet and device id (env DOWNGRADE_STATE_DIR)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(
		c.runCmd(),
		c.creditsCmd(),
		c.productsCmd(),
		c.buyCmd(),
		c.addTokenCmd(),
		c.watchCmd(),
		c.deviceCmd(),
	)
	return root
}

func (c *cli) init(cmd *cobra.Command) error {
	c.out = cmd.OutOrStdout()
	c.logger = logging.New(cmd.ErrOrStderr(), c.logLevel, "text")

	w, err := wallet.New(wallet.NewFileStore(filepath.Join(c.stateDir, "wallet.json")))
	if err != nil {
		return err
	}
	c.wallet = w
	c.api = apiclient.NewClient(apiclient.Config{BaseURL: c.apiURL, ReadRetries: 2})
	c.device = device.NewProvider(c.stateDir, device.WithLogger(c.logger))
	c.auth = authorizer.New(c.api, c.wallet, c.device, authorizer.Config{Retries: 2}, c.logger)
	return nil
}

func (c *cli) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *cli) runCmd() *cobra.Command {
	var intensity, language string

	cmd := &cobra.Command{
		Use:   "run TITLE...",
		Short: "Downgrade a title, spending one credit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.auth.Downgrade(cmd.Context(), authorizer.Request{
				Title:     strings.Join(args, " "),
				Intensity: intensity,
				Language:  language,
			})
			switch {
			case errors.Is(err, authorizer.ErrPaymentRequired):
				c.printf("You're out of credits. Run `downgrade products` and `downgrade buy SKU` to get more.\n")
				return err
			case errors.Is(err, authorizer.ErrAmbiguous):
				c.printf("The server did not answer. Run `downgrade credits` before trying again.\n")
				return err
			case err != nil:
				return err
			}

			c.printf("%s\n", out.Downgraded)
			c.printf("hype score: %d/10\n", out.HypeScore)
			if out.Credential == string(model.CredentialToken) {
				c.printf("credits left: %d\n", out.TotalGenerations)
			} else {
				c.printf("free uses left: %d\n", out.Remaining)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&intensity, "intensity", "normal", "mild, normal or brutal")
	cmd.Flags().StringVar(&language, "language", "en", "output language (en, zh, ja, de, fr, ko, es)")
	return cmd
}

func (c *cli) creditsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "credits",
		Short: "Sync with the server and show remaining credits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := c.wallet.ClearExpired(); err != nil {
				c.logger.Warn("clear expired tokens", "error", err)
			}

			offline := false
			if err := c.wallet.Reconcile(ctx, c.api, c.device.ID(ctx)); err != nil {
				c.logger.Warn("reconcile wallet", "error", err)
				offline = true
			}
			status, err := c.auth.RefreshTrial(ctx)
			if err != nil {
				c.logger.Warn("refresh trial", "error", err)
				offline = true
			}

			if offline {
				c.printf("(server unreachable, showing cached credits)\n")
			} else {
				c.printf("free uses left: %d\n", status.UsesRemaining)
			}
			now := time.Now()
			for _, t := range c.wallet.Tokens() {
				state := "active"
				switch {
				case t.Expired(now):
					state = "expired"
				case t.Remaining == 0:
					state = "used up"
				}
				c.printf("%s  %d/%d  expires %s  %s\n", t.Value, t.Remaining, t.Total, t.ExpiresAt.Format("2006-01-02"), state)
			}
			c.printf("total credits: %d\n", c.wallet.GetTotalGenerations())
			return nil
		},
	}
}

func (c *cli) productsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "products",
		Short: "List credit packs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			products, err := c.api.Products(cmd.Context())
			if err != nil {
				return fmt.Errorf("list products: %w", err)
			}
			for _, p := range products {
				c.printf("%-20s %-16s %3d uses  %d.%02d\n", p.SKU, p.Name, p.GenerationsGranted, p.ChargeCents()/100, p.ChargeCents()%100)
			}
			return nil
		},
	}
}

func (c *cli) buyCmd() *cobra.Command {
	var successURL, cancelURL string

	cmd := &cobra.Command{
		Use:   "buy SKU",
		Short: "Start a checkout for a credit pack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			co, err := c.api.Checkout(ctx, args[0], c.device.ID(ctx), successURL, cancelURL)
			if err != nil {
				return fmt.Errorf("create checkout: %w", err)
			}
			c.printf("Complete your purchase at:\n%s\n", co.CheckoutURL)
			c.printf("Then run `downgrade credits` (or keep `downgrade watch` open) to pick up the token.\n")
			return nil
		},
	}
	cmd.Flags().StringVar(&successURL, "success-url", "", "redirect after payment")
	cmd.Flags().StringVar(&cancelURL, "cancel-url", "", "redirect if payment is abandoned")
	return cmd
}

func (c *cli) addTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-token TOKEN",
		Short: "Add a credit token bought on another device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := c.api.TokenInfo(cmd.Context(), strings.TrimSpace(args[0]))
			if apiclient.IsNotFound(err) {
				return fmt.Errorf("token %s does not exist", args[0])
			}
			if err != nil {
				return fmt.Errorf("look up token: %w", err)
			}
			if err := c.wallet.AddToken(wallet.FromAPI(t)); err != nil {
				return err
			}
			c.printf("added %s with %d of %d uses left\n", t.Token, t.RemainingGenerations, t.TotalGenerations)
			return nil
		},
	}
}

func (c *cli) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow credit changes made from other sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.api.Watch(ctx, c.device.ID(ctx), func(ev model.DeviceEvent) error {
				c.apply(ev)
				return nil
			})
		},
	}
}

// apply folds a pushed event into the wallet.
func (c *cli) apply(ev model.DeviceEvent) {
	var err error
	switch ev.Type {
	case model.EventTokenMinted:
		t := wallet.Token{Value: ev.Token, Remaining: ev.Remaining, Total: ev.TotalGenerations}
		if ev.ExpiresAt != nil {
			t.ExpiresAt = *ev.ExpiresAt
		}
		err = c.wallet.AddToken(t)
		c.printf("new token %s with %d uses\n", ev.Token, ev.Remaining)
	case model.EventTokenConsumed:
		err = c.wallet.UpdateUsage(ev.Token, ev.Remaining)
		c.printf("%s: %d uses left\n", ev.Token, ev.Remaining)
	case model.EventTrialConsumed:
		err = c.wallet.SetTrialStatus(ev.Remaining)
		c.printf("free uses left: %d\n", ev.Remaining)
	default:
		c.logger.Debug("ignoring event", "type", ev.Type)
	}
	if err != nil {
		c.logger.Warn("wallet not saved", "error", err)
	}
}

func (c *cli) deviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "Print this device's id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.printf("%s\n", c.device.ID(cmd.Context()))
			return nil
		},
	}
}
