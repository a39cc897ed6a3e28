// cmd/carectl — command-line client for the CareBridge portal. Drives the
// same session synchronizer the portal frontends embed: register, sign in
// (password or delegated), inspect the reconciled session, and complete
// role profiles.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/carebridge-health/portal/internal/roles"
	"github.com/carebridge-health/portal/pkg/access"
	"github.com/carebridge-health/portal/pkg/backend"
	"github.com/carebridge-health/portal/pkg/idp"
	"github.com/carebridge-health/portal/pkg/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile     string
	providerURL string
	backendURL  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "carectl",
	Short: "CareBridge portal CLI",
	Long: `carectl is the command-line client for the CareBridge health portal.

It signs in against the identity service, reconciles the session with the
auth backend, and reports what the portal would show: your user record,
your landing page, and whether a given route would admit you.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.carectl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if providerURL == "" {
			providerURL = viper.GetString("provider_url")
		}
		if providerURL == "" {
			providerURL = "http://localhost:8082"
		}
		if backendURL == "" {
			backendURL = viper.GetString("backend_url")
		}
		if backendURL == "" {
			backendURL = "http://localhost:8081"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.carectl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&providerURL, "provider", "", "identity service URL (default http://localhost:8082)")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "", "auth backend URL (default http://localhost:8081)")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(oauthLoginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(homeCmd)
	rootCmd.AddCommand(guardCmd)
	rootCmd.AddCommand(completeProfileCmd)
	rootCmd.AddCommand(resetPasswordCmd)
	rootCmd.AddCommand(versionCmd)
}

// ── session plumbing ─────────────────────────────────────────────────────────

// sessionFilePath is where the refresh token persists between invocations.
func sessionFilePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".carectl", "session")
}

func saveRefreshToken(token string) error {
	dir := filepath.Dir(sessionFilePath())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(sessionFilePath(), []byte(token), 0o600)
}

func loadRefreshToken() string {
	data, err := os.ReadFile(sessionFilePath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func clearSavedSession() {
	_ = os.Remove(sessionFilePath())
}

// newProvider builds the identity client with an interactive delegated-code
// source: the user opens the printed URL and pastes back the one-time code.
func newProvider() *idp.Client {
	return idp.NewClient(providerURL, idp.WithDelegatedCodeSource(
		func(ctx context.Context, authURL string) (string, error) {
			fmt.Printf("Open this URL in your browser to sign in:\n\n  %s\n\n", authURL)
			fmt.Print("Paste the login code shown after approval: ")
			code, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return "", err
			}
			return strings.TrimSpace(code), nil
		},
	))
}

// newSynchronizer wires provider and backend into a started synchronizer.
// When resume is true a saved session is re-established first.
func newSynchronizer(ctx context.Context, resume bool) (*session.Synchronizer, *idp.Client, error) {
	provider := newProvider()
	if resume {
		refresh := loadRefreshToken()
		if refresh == "" {
			return nil, nil, fmt.Errorf("not signed in — run `carectl login` first")
		}
		if _, err := provider.ResumeSession(ctx, refresh); err != nil {
			clearSavedSession()
			return nil, nil, fmt.Errorf("saved session expired, sign in again: %w", err)
		}
	}
	sync := session.New(provider, backend.NewClient(backendURL), nil)
	sync.Start()
	return sync, provider, nil
}

func promptPassword(label string) (string, error) {
	fmt.Printf("%s: ", label)
	pw, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(pw), nil
}

// persistSession saves the provider's refresh token for later invocations.
func persistSession(provider *idp.Client) {
	if refresh := provider.RefreshToken(); refresh != "" {
		if err := saveRefreshToken(refresh); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not save session: %v\n", err)
		}
	}
}

// ── register ─────────────────────────────────────────────────────────────────

var (
	regRole  string
	regFirst string
	regLast  string
	regPhone string
)

var registerCmd = &cobra.Command{
	Use:   "register <email>",
	Short: "Create a portal account (identity account + backend record)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := promptPassword("Password (min 8 characters)")
		if err != nil {
			return err
		}

		ctx := context.Background()
		sync, provider, err := newSynchronizer(ctx, false)
		if err != nil {
			return err
		}
		defer sync.Close()

		err = sync.Register(ctx, args[0], password, roles.Role(regRole), session.ProfileFields{
			FirstName: regFirst,
			LastName:  regLast,
			Phone:     regPhone,
		})
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}
		persistSession(provider)

		st := sync.State()
		fmt.Printf("✓ Registered as %s (%s)\n", st.User.Email, st.User.Role)
		if st.User.Role == roles.RoleDoctor {
			fmt.Println("\nNext: carectl complete-profile --specialty ... --license ... to submit credentials for review")
		}
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVar(&regRole, "role", "patient", "Account role: patient or doctor")
	registerCmd.Flags().StringVar(&regFirst, "first-name", "", "First name")
	registerCmd.Flags().StringVar(&regLast, "last-name", "", "Last name")
	registerCmd.Flags().StringVar(&regPhone, "phone", "", "Phone number")

	_ = registerCmd.MarkFlagRequired("first-name")
	_ = registerCmd.MarkFlagRequired("last-name")
}

// ── login ─────────────────────────────────────────────────────────────────────

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in with email and password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := promptPassword("Password")
		if err != nil {
			return err
		}

		ctx := context.Background()
		sync, provider, err := newSynchronizer(ctx, false)
		if err != nil {
			return err
		}
		defer sync.Close()

		err = sync.SignIn(ctx, args[0], password)
		if session.KindOf(err) == session.KindNotRegistered {
			persistSession(provider)
			fmt.Println("Signed in, but no portal account exists for this identity.")
			fmt.Println("Run `carectl register` to create one.")
			return nil
		}
		if err != nil {
			return fmt.Errorf("sign in: %w", err)
		}
		persistSession(provider)

		st := sync.State()
		fmt.Printf("✓ Signed in as %s (%s)\n", st.User.Email, st.User.Role)
		fmt.Printf("  Landing page: %s\n", landingPath(st))
		return nil
	},
}

// ── oauth-login ──────────────────────────────────────────────────────────────

var oauthRole string

var oauthLoginCmd = &cobra.Command{
	Use:   "oauth-login",
	Short: "Sign in through a delegated provider (Google)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		sync, provider, err := newSynchronizer(ctx, false)
		if err != nil {
			return err
		}
		defer sync.Close()

		newUser, err := sync.SignInWithProvider(ctx, roles.Role(oauthRole))
		if err != nil {
			return fmt.Errorf("delegated sign-in: %w", err)
		}
		persistSession(provider)

		st := sync.State()
		if newUser {
			fmt.Printf("✓ Welcome! Account created as %s (%s)\n", st.User.Email, st.User.Role)
			fmt.Println("\nNext: carectl complete-profile to finish onboarding")
		} else {
			fmt.Printf("✓ Signed in as %s (%s)\n", st.User.Email, st.User.Role)
		}
		return nil
	},
}

func init() {
	oauthLoginCmd.Flags().StringVar(&oauthRole, "role", "patient", "Role for first-time delegated sign-ins")
}

// ── logout ───────────────────────────────────────────────────────────────────

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and discard the saved session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		sync, _, err := newSynchronizer(ctx, true)
		if err != nil {
			// No saved session is a clean logout.
			clearSavedSession()
			fmt.Println("✓ Signed out")
			return nil
		}
		defer sync.Close()

		if err := sync.SignOut(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "warning: provider sign-out failed: %v\n", err)
		}
		clearSavedSession()
		fmt.Println("✓ Signed out")
		return nil
	},
}

// ── whoami ───────────────────────────────────────────────────────────────────

var whoamiFormat string

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the reconciled session state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		sync, _, err := newSynchronizer(ctx, true)
		if err != nil {
			return err
		}
		defer sync.Close()

		if err := sync.RefreshCurrentUser(ctx); err != nil {
			if session.KindOf(err) == session.KindAccountNotFound {
				fmt.Println("Signed in, but no portal account exists for this identity.")
				return nil
			}
			return fmt.Errorf("refresh user: %w", err)
		}

		st := sync.State()
		if whoamiFormat == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"user":    st.User,
				"profile": st.Profile,
			})
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Email:\t%s\n", st.User.Email)
		fmt.Fprintf(w, "Name:\t%s %s\n", st.User.FirstName, st.User.LastName)
		fmt.Fprintf(w, "Role:\t%s\n", st.User.Role)
		fmt.Fprintf(w, "Status:\t%s\n", st.User.Status)
		fmt.Fprintf(w, "Provider:\t%s\n", st.User.AuthProvider)
		if st.Profile != nil {
			fmt.Fprintf(w, "Verification:\t%s\n", st.Profile.VerificationStatus)
		}
		fmt.Fprintf(w, "Landing page:\t%s\n", landingPath(st))
		return w.Flush()
	},
}

func init() {
	whoamiCmd.Flags().StringVar(&whoamiFormat, "format", "text", "Output format: text or json")
}

// ── home ─────────────────────────────────────────────────────────────────────

var homeIntended string

var homeCmd = &cobra.Command{
	Use:   "home",
	Short: "Print the landing path the portal would navigate to",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		sync, _, err := newSynchronizer(ctx, true)
		if err != nil {
			return err
		}
		defer sync.Close()

		if err := sync.RefreshCurrentUser(ctx); err != nil {
			return fmt.Errorf("refresh user: %w", err)
		}

		st := sync.State()
		verification := roles.VerificationPending
		if st.Profile != nil {
			verification = st.Profile.VerificationStatus
		}
		fmt.Println(roles.HomePathFor(st.User.Role, verification, homeIntended))
		return nil
	},
}

func init() {
	homeCmd.Flags().StringVar(&homeIntended, "intended", "", "Deep link the user was headed to")
}

// ── guard ────────────────────────────────────────────────────────────────────

var (
	guardRoles    string
	guardVerified bool
)

var guardCmd = &cobra.Command{
	Use:   "guard <path>",
	Short: "Evaluate a route policy against the current session",
	Long: `guard reports the access decision the portal would make for a route.

  carectl guard /admin --roles admin
  carectl guard /doctor/appointments --roles doctor --verified`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy := access.Policy{RequireVerifiedDoctor: guardVerified}
		if guardRoles != "" {
			for _, r := range strings.Split(guardRoles, ",") {
				role := roles.Role(strings.TrimSpace(r))
				if !role.Valid() {
					return fmt.Errorf("unknown role %q", r)
				}
				policy.AllowedRoles = append(policy.AllowedRoles, role)
			}
		}

		ctx := context.Background()
		sync, _, err := newSynchronizer(ctx, true)
		if err != nil {
			// Signed out still yields a decision.
			sync, _, _ = newSynchronizerSignedOut()
		}
		defer sync.Close()

		_ = sync.RefreshCurrentUser(ctx)

		outcome := access.Decide(sync.State(), policy, args[0])
		switch outcome.Kind {
		case access.Allow:
			fmt.Println("allow")
		case access.Denied:
			fmt.Printf("denied — requires %v, you are %s\n", outcome.RequiredRoles, outcome.ActualRole)
		case access.RedirectToSignIn:
			fmt.Printf("redirect to sign-in (return to %s)\n", outcome.ReturnPath)
		case access.RedirectToRegistration:
			fmt.Printf("redirect to registration (return to %s)\n", outcome.ReturnPath)
		case access.RedirectToVerificationPending:
			fmt.Printf("redirect to %s\n", roles.VerificationPendingPath)
		default:
			fmt.Println(string(outcome.Kind))
		}
		return nil
	},
}

// newSynchronizerSignedOut builds a synchronizer with no session, for guard
// evaluation while signed out.
func newSynchronizerSignedOut() (*session.Synchronizer, *idp.Client, error) {
	provider := newProvider()
	sync := session.New(provider, backend.NewClient(backendURL), nil)
	sync.Start()
	return sync, provider, nil
}

func init() {
	guardCmd.Flags().StringVar(&guardRoles, "roles", "", "Comma-separated allowed roles (empty admits any registered role)")
	guardCmd.Flags().BoolVar(&guardVerified, "verified", false, "Require an approved doctor verification")
}

// ── complete-profile ─────────────────────────────────────────────────────────

var (
	cpSpecialty string
	cpLicense   string
	cpBiography string
	cpPhone     string
	cpDOB       string
	cpAddress   string
)

var completeProfileCmd = &cobra.Command{
	Use:   "complete-profile",
	Short: "Submit role-specific onboarding details",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		sync, _, err := newSynchronizer(ctx, true)
		if err != nil {
			return err
		}
		defer sync.Close()

		if err := sync.RefreshCurrentUser(ctx); err != nil {
			return fmt.Errorf("refresh user: %w", err)
		}

		st := sync.State()
		switch st.User.Role {
		case roles.RoleDoctor:
			if cpSpecialty == "" || cpLicense == "" {
				return fmt.Errorf("--specialty and --license are required for doctors")
			}
			err = sync.CompleteDoctorProfile(ctx, backend.CompleteDoctorProfileRequest{
				Specialty:     cpSpecialty,
				LicenseNumber: cpLicense,
				Phone:         cpPhone,
				Biography:     cpBiography,
			})
			if err != nil {
				return fmt.Errorf("complete doctor profile: %w", err)
			}
			fmt.Println("✓ Credentials submitted — an administrator will review them")
		case roles.RolePatient:
			err = sync.CompletePatientProfile(ctx, backend.CompletePatientProfileRequest{
				Phone:       cpPhone,
				DateOfBirth: cpDOB,
				Address:     cpAddress,
			})
			if err != nil {
				return fmt.Errorf("complete patient profile: %w", err)
			}
			fmt.Println("✓ Profile completed")
		default:
			return fmt.Errorf("no onboarding profile for role %s", st.User.Role)
		}
		return nil
	},
}

func init() {
	completeProfileCmd.Flags().StringVar(&cpSpecialty, "specialty", "", "Medical specialty (doctors)")
	completeProfileCmd.Flags().StringVar(&cpLicense, "license", "", "License number (doctors)")
	completeProfileCmd.Flags().StringVar(&cpBiography, "biography", "", "Short biography (doctors)")
	completeProfileCmd.Flags().StringVar(&cpPhone, "phone", "", "Phone number")
	completeProfileCmd.Flags().StringVar(&cpDOB, "date-of-birth", "", "Date of birth, YYYY-MM-DD (patients)")
	completeProfileCmd.Flags().StringVar(&cpAddress, "address", "", "Postal address (patients)")
}

// ── reset-password ───────────────────────────────────────────────────────────

var resetPasswordCmd = &cobra.Command{
	Use:   "reset-password <email>",
	Short: "Request a password-reset email",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := newProvider()
		if err := provider.SendPasswordReset(context.Background(), args[0]); err != nil {
			return fmt.Errorf("request password reset: %w", err)
		}
		fmt.Println("If that address is registered, a reset link has been sent.")
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the carectl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("carectl %s\n", version)
	},
}

// landingPath computes the post-sign-in destination for a settled state.
func landingPath(st session.State) string {
	if st.User == nil {
		return "/register"
	}
	verification := roles.VerificationPending
	if st.Profile != nil {
		verification = st.Profile.VerificationStatus
	}
	return roles.HomePathFor(st.User.Role, verification, "")
}
