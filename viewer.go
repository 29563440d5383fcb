package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/john/pressme-overlay/internal/auth"
	"github.com/john/pressme-overlay/internal/donate"
	"github.com/john/pressme-overlay/internal/donation"
	"github.com/john/pressme-overlay/internal/wallet"
)

// viewer bundles the collaborators of the viewer-side commands
type viewer struct {
	wallet *wallet.Keypair
	auth   *auth.Manager
	close  func()
}

// viewer builds the wallet and session for one command. close drops the
// wallet connection, keeping the saved session, and releases the store.
func (a *app) viewer(cmd *cobra.Command) (*viewer, error) {
	ctx := cmd.Context()
	w := a.wallet(cmd)
	mgr, closeStore, err := a.authManager(ctx, w, a.backend(), nil)
	if err != nil {
		return nil, err
	}
	closeAll := func() {
		if err := w.Disconnect(ctx); err != nil {
			a.logger.WithError(err).Warn("Disconnect warning")
		}
		mgr.HandleWalletDisconnected()
		closeStore()
	}
	return &viewer{wallet: w, auth: mgr, close: closeAll}, nil
}

func newLoginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Connect the wallet and sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.viewer(cmd)
			if err != nil {
				return err
			}
			defer v.close()

			s, err := v.auth.ConnectAndSignIn(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if s.NeedsUsername {
				fmt.Fprintf(out, "Signed in as %s. Pick a username with: pressme username <name>\n", s.Wallet)
				return nil
			}
			fmt.Fprintf(out, "Signed in as %s (%s)\n", s.Username, s.Wallet)
			return nil
		},
	}
}

func newUsernameCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "username <name>",
		Short: "Choose the username for the signed-in wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.viewer(cmd)
			if err != nil {
				return err
			}
			defer v.close()

			s, err := v.auth.SetUsername(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Username set to %s\n", s.Username)
			return nil
		},
	}
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.viewer(cmd)
			if err != nil {
				return err
			}
			defer v.close()

			if err := v.auth.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.viewer(cmd)
			if err != nil {
				return err
			}
			defer v.close()
			return writeJSON(cmd.OutOrStdout(), v.auth.Status())
		},
	}
}

func newDonateCmd(a *app) *cobra.Command {
	var req donate.Request
	var typ string
	cmd := &cobra.Command{
		Use:   "donate [message]",
		Short: "Send a donation to the overlay",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.Message = args[0]
			}
			t, err := donation.ParseType(typ)
			if err != nil {
				return err
			}
			req.Type = t

			v, err := a.viewer(cmd)
			if err != nil {
				return err
			}
			defer v.close()

			s, err := requireSignedIn(v.auth)
			if err != nil {
				return err
			}
			if req.Wallet == "" {
				req.Wallet = s.Wallet
			}

			ctx := cmd.Context()
			if err := v.wallet.Select(v.wallet.Name()); err != nil {
				return err
			}
			if err := v.wallet.Connect(ctx); err != nil {
				return err
			}

			sub := donate.NewSubmitter(a.backend(), v.wallet, a.logger)
			r, err := sub.Send(ctx, req)
			if err != nil {
				var de *donate.Error
				if errors.As(err, &de) {
					return errors.New(donate.ToastMessage(de))
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Donated %s SOL (%s), signature %s\n",
				strconv.FormatFloat(r.Amount, 'f', -1, 64), r.Type, r.Signature)
			return nil
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", string(donation.TypeText), "text|image|gif|audio|video")
	cmd.Flags().StringVar(&req.MediaURL, "media", "", "media URL for non-text donations")
	cmd.Flags().Float64Var(&req.Amount, "amount", 0, "amount in SOL (defaults to the type's price)")
	return cmd
}

func newPressCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "press",
		Short: "Press the big red button",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.viewer(cmd)
			if err != nil {
				return err
			}
			defer v.close()

			s := v.auth.Session()
			if err := a.backend().RecordPress(cmd.Context(), s.Wallet, s.Username); err != nil {
				return err
			}
			who := s.Username
			if who == "" {
				who = donation.AnonymousUsername
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pressed as %s\n", who)
			return nil
		},
	}
}

func newSongCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "song <youtube-url>",
		Short: "Request a song",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.viewer(cmd)
			if err != nil {
				return err
			}
			defer v.close()

			s, err := requireSignedIn(v.auth)
			if err != nil {
				return err
			}
			if err := a.backend().AddSong(cmd.Context(), s.Wallet, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Song added to the queue")
			return nil
		},
	}
}

func newRecentCmd(a *app) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List recent donations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := a.backend().RecentDonations(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, list)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tWHO\tTYPE\tSOL\tTEXT")
			for _, d := range list {
				who := d.Username
				if who == "" {
					who = donation.AnonymousUsername
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					d.CreatedAt.Local().Format("Jan 2 15:04"), who, d.Type,
					strconv.FormatFloat(d.Price, 'f', -1, 64), d.Text)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of donations")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// requireSignedIn returns the session when it is fully onboarded
func requireSignedIn(m *auth.Manager) (auth.Session, error) {
	st := m.Status()
	switch st.State {
	case auth.StateAuthenticated:
		return st.Session, nil
	case auth.StateNeedsUsername:
		return auth.Session{}, errors.New("pick a username first: pressme username <name>")
	default:
		return auth.Session{}, errors.New("sign in first: pressme login")
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
