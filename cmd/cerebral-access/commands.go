package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/baerautotech/cerebral-access/internal/engine"
	"github.com/baerautotech/cerebral-access/internal/guard"
	"github.com/baerautotech/cerebral-access/internal/logging"
	"github.com/baerautotech/cerebral-access/internal/purchases/stripebackend"
	"github.com/baerautotech/cerebral-access/pkg/access"
)

// emit prints v as JSON with --json, otherwise calls text.
func (a *app) emit(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	out := cmd.OutOrStdout()
	if a.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(out)
	return nil
}

func (a *app) tierCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tier",
		Short: "Show the tier decoded from the current token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			if err := a.start(cmd); err != nil {
				return err
			}
			state := a.eng.Tier.State()
			return a.emit(cmd, state, func(w io.Writer) {
				fmt.Fprintf(w, "Tier:   %s\n", access.FormatTierName(state.Tier))
				fmt.Fprintf(w, "Active: %t\n", state.IsActive)
				if state.SubscriptionType != access.SubscriptionNone {
					fmt.Fprintf(w, "Billing: %s\n", state.SubscriptionType)
				}
				if state.ExpiresAt != nil {
					fmt.Fprintf(w, "Expires: %s\n", state.ExpiresAt.UTC().Format(time.RFC3339))
				}
			})
		},
	}
}

func (a *app) flagsCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "List feature flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			if err := a.start(cmd); err != nil {
				return err
			}
			snap := a.eng.Flags.Flags()
			if refresh {
				snap = a.eng.Flags.ForceRefresh(cmd.Context())
			}
			overrides := a.eng.Flags.Overrides()

			view := struct {
				Flags     map[string]bool `json:"flags"`
				Overrides map[string]bool `json:"overrides,omitempty"`
				Source    string          `json:"source"`
				Error     string          `json:"error,omitempty"`
			}{Flags: snap.Flags, Overrides: overrides, Source: string(snap.Source)}
			if snap.Err != nil {
				view.Error = snap.Err.Error()
			}

			return a.emit(cmd, view, func(w io.Writer) {
				fmt.Fprintf(w, "Source: %s\n", snap.Source)
				if snap.Err != nil {
					fmt.Fprintf(w, "Error:  %v\n", snap.Err)
				}
				for _, name := range snap.Names() {
					fmt.Fprintf(w, "%s=%t\n", name, snap.Flags[name])
				}
				names := make([]string, 0, len(overrides))
				for name := range overrides {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(w, "%s=%t (override)\n", name, overrides[name])
				}
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the cache TTL")
	return cmd
}

func (a *app) entitlementsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entitlements",
		Short: "List purchased SKUs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			if err := a.start(cmd); err != nil {
				return err
			}
			snap := a.eng.Entitlements.Snapshot()
			return a.emit(cmd, snap, func(w io.Writer) {
				if len(snap.SKUs) == 0 {
					fmt.Fprintln(w, "No active purchases")
					return
				}
				for _, sku := range snap.SKUs {
					fmt.Fprintln(w, sku)
				}
			})
		},
	}
}

func (a *app) purchaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purchase <sku>",
		Short: "Purchase a SKU through the configured backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			if err := a.start(cmd); err != nil {
				return err
			}
			res := a.eng.Entitlements.InitiateCheckout(cmd.Context(), args[0])
			if !res.Success {
				return fmt.Errorf("purchase %s: %w", args[0], res.Err)
			}
			return a.emit(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "Purchased %s\n", res.SKU)
				if res.NewTier != "" {
					fmt.Fprintf(w, "Tier: %s\n", access.FormatTierName(res.NewTier))
				}
			})
		},
	}
}

func (a *app) restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Restore previous purchases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			if err := a.start(cmd); err != nil {
				return err
			}
			res := a.eng.Entitlements.RestorePurchases(cmd.Context())
			if !res.Success {
				return fmt.Errorf("restore: %w", res.Err)
			}
			return a.emit(cmd, res.Snapshot, func(w io.Writer) {
				fmt.Fprintf(w, "Restored %d purchase(s)\n", len(res.Snapshot.SKUs))
				for _, sku := range res.Snapshot.SKUs {
					fmt.Fprintln(w, sku)
				}
			})
		},
	}
}

func (a *app) checkoutURLCmd() *cobra.Command {
	var successURL, cancelURL string
	cmd := &cobra.Command{
		Use:   "checkout-url <sku>",
		Short: "Create a Stripe Checkout link for a SKU",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			if err := a.setup(cmd); err != nil {
				return err
			}
			backend, ok := a.eng.Backend().(*stripebackend.Backend)
			if !ok {
				return errors.New("checkout links require CEREBRAL_PURCHASE_BACKEND=stripe")
			}
			link, err := backend.CheckoutURL(cmd.Context(), args[0], successURL, cancelURL)
			if err != nil {
				return err
			}
			return a.emit(cmd, map[string]string{"url": link}, func(w io.Writer) {
				fmt.Fprintln(w, link)
			})
		},
	}
	cmd.Flags().StringVar(&successURL, "success-url", "https://cerebral.baerautotech.com/billing/success", "redirect after payment")
	cmd.Flags().StringVar(&cancelURL, "cancel-url", "https://cerebral.baerautotech.com/billing/cancel", "redirect when cancelled")
	return cmd
}

func (a *app) verifyReceiptCmd() *cobra.Command {
	var receipt, sku, platform string
	cmd := &cobra.Command{
		Use:   "verify-receipt",
		Short: "Verify a store receipt with the purchase backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			if err := a.setup(cmd); err != nil {
				return err
			}
			res, err := a.eng.Entitlements.VerifyReceipt(cmd.Context(), receipt, sku, platform)
			if err != nil {
				return err
			}
			return a.emit(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "Valid: %t\n", res.Valid)
				if res.Tier != "" {
					fmt.Fprintf(w, "Tier:  %s\n", access.FormatTierName(res.Tier))
				}
			})
		},
	}
	cmd.Flags().StringVar(&receipt, "receipt", "", "receipt data")
	cmd.Flags().StringVar(&sku, "sku", "", "purchased SKU")
	cmd.Flags().StringVar(&platform, "platform", "ios", "store platform (ios, android)")
	_ = cmd.MarkFlagRequired("receipt")
	return cmd
}

type requirementFlags struct {
	tier     string
	flag     string
	sku      string
	fallback string
}

func (r *requirementFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.tier, "tier", "", "minimum tier (free, standard, enterprise)")
	cmd.Flags().StringVar(&r.flag, "flag", "", "feature flag that must be on")
	cmd.Flags().StringVar(&r.sku, "sku", "", "SKU that must be purchased")
	cmd.Flags().StringVar(&r.fallback, "fallback", "", "fallback shown when denied")
}

func (r *requirementFlags) requirement() (guard.Requirement[string], error) {
	req := guard.Requirement[string]{Flag: strings.TrimSpace(r.flag), SKU: strings.TrimSpace(r.sku)}
	if r.tier != "" {
		t, ok := access.ParseTier(strings.ToLower(strings.TrimSpace(r.tier)))
		if !ok {
			return req, fmt.Errorf("unknown tier %q", r.tier)
		}
		req.Tier = t
	}
	if r.fallback != "" {
		fallback := r.fallback
		req.Fallback = &fallback
	}
	return req, nil
}

type decisionView struct {
	Decision string   `json:"decision"`
	Fallback string   `json:"fallback,omitempty"`
	Unmet    []string `json:"unmet,omitempty"`
	Pending  bool     `json:"pending,omitempty"`
}

func viewOf(d guard.Decision[string]) decisionView {
	v := decisionView{Decision: d.Kind.String(), Fallback: d.Fallback, Pending: d.Pending}
	for _, c := range d.Unmet {
		v.Unmet = append(v.Unmet, string(c))
	}
	return v
}

func (a *app) checkCmd() *cobra.Command {
	var rf requirementFlags
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate an access requirement (exit status 3 when denied)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := rf.requirement()
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.start(cmd); err != nil {
				return err
			}

			d := a.eng.Check(req)
			v := viewOf(d)
			if err := a.emit(cmd, v, func(w io.Writer) {
				fmt.Fprintln(w, v.Decision)
				if v.Fallback != "" {
					fmt.Fprintf(w, "Fallback: %s\n", v.Fallback)
				}
				if len(v.Unmet) > 0 {
					fmt.Fprintf(w, "Unmet: %s\n", strings.Join(v.Unmet, ", "))
				}
			}); err != nil {
				return err
			}
			if !d.Allowed() {
				return exitError{code: exitDenied}
			}
			return nil
		},
	}
	rf.register(cmd)
	return cmd
}

func (a *app) watchCmd() *cobra.Command {
	var rf requirementFlags
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print guard transitions while refreshing the signals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := rf.requirement()
			if err != nil {
				return err
			}
			if interval <= 0 {
				return fmt.Errorf("interval must be positive, got %s", interval)
			}
			defer a.close()
			if err := a.setup(cmd); err != nil {
				return err
			}

			g := engine.NewGuard[string](a.eng, req)
			defer g.Close()
			g.OnTransition(func(t guard.Transition[string]) {
				v := viewOf(t.Decision)
				_ = a.emit(cmd, v, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s -> %s\n", time.Now().UTC().Format(time.RFC3339), t.From, t.To)
				})
			})

			ctx := cmd.Context()
			if err := a.eng.Start(ctx); err != nil {
				return err
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					tickCtx, _ := logging.WithRequestID(ctx, "")
					if err := a.eng.Refresh(tickCtx, false); err != nil && ctx.Err() == nil {
						logger := logging.FromContext(tickCtx)
						logger.Error().Err(err).Msg("Periodic refresh failed")
						return err
					}
				}
			}
		},
	}
	rf.register(cmd)
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "refresh interval")
	return cmd
}
