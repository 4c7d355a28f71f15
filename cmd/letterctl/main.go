// letterctl talks to a running letterlockd over its HTTP API.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jhossain3/signed-letters-sub000/internal/client"
)

var (
	serverURL string
	api       *client.Client

	ok   = color.New(color.FgGreen)
	warn = color.New(color.FgYellow)
	bold = color.New(color.Bold)
)

var rootCmd = &cobra.Command{
	Use:   "letterctl",
	Short: "letterctl - seal and open time-locked letters",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		api = client.New(serverURL)
		if tok, err := loadToken(); err == nil && tok != "" {
			api.SetToken(tok)
		}
	},
	SilenceUsage: true,
}

var signupCmd = &cobra.Command{
	Use:   "signup <email>",
	Short: "Create an account and print its recovery code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := promptSecret("Password: ")
		if err != nil {
			return err
		}
		out, err := api.Signup(cmd.Context(), args[0], password)
		if err != nil {
			return err
		}
		if err := saveToken(out.Token); err != nil {
			return err
		}
		ok.Println("account created")
		bold.Printf("recovery code: %s\n", out.RecoveryCode)
		warn.Println("write this code down now; it is shown exactly once")
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and cache the session token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := promptSecret("Password: ")
		if err != nil {
			return err
		}
		out, err := api.Login(cmd.Context(), args[0], password)
		if err != nil {
			return err
		}
		if err := saveToken(out.Token); err != nil {
			return err
		}
		ok.Printf("signed in; session valid until %s\n", out.ExpiresAt.Local().Format(time.RFC1123))
		return nil
	},
}

var sealCmd = &cobra.Command{
	Use:   "seal <recipient-email>",
	Short: "Seal a letter for delivery on a future date",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		after, _ := cmd.Flags().GetString("after")
		title, _ := cmd.Flags().GetString("title")
		signature, _ := cmd.Flags().GetString("signature")
		bodyFile, _ := cmd.Flags().GetString("body-file")

		deliverAfter, err := time.Parse(time.RFC3339, after)
		if err != nil {
			// Date-only input means midnight UTC on that day.
			deliverAfter, err = time.Parse("2006-01-02", after)
			if err != nil {
				return fmt.Errorf("--after must be RFC 3339 or YYYY-MM-DD: %w", err)
			}
		}

		body, err := readBody(bodyFile)
		if err != nil {
			return err
		}

		meta, err := api.Seal(cmd.Context(), args[0], deliverAfter, title, body, signature, "")
		if err != nil {
			return err
		}
		ok.Printf("sealed letter %s for %s\n", meta.ID, meta.RecipientEmail)
		fmt.Printf("opens %s\n", meta.DeliverAfter.Local().Format(time.RFC1123))
		if !meta.RecipientEncrypted {
			warn.Println("recipient has no account yet; the letter is held for them")
		}
		return nil
	},
}

var openCmd = &cobra.Command{
	Use:   "open <letter-id>",
	Short: "Open a letter you wrote or received",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		letter, err := api.Open(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		bold.Println(letter.Title)
		fmt.Println()
		fmt.Println(letter.Body)
		if letter.Signature != "" {
			fmt.Printf("\n  -- %s\n", letter.Signature)
		}
		return nil
	},
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List letters addressed to you",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := api.Inbox(cmd.Context())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no letters")
			return nil
		}
		for _, e := range entries {
			state := warn.Sprint("sealed")
			if e.Readable {
				state = ok.Sprint("readable")
			}
			fmt.Printf("%s  %s  opens %s\n", e.ID, state, e.DeliverAfter.Local().Format("2006-01-02"))
		}
		return nil
	},
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "List letters you have sealed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		letters, err := api.Outbox(cmd.Context())
		if err != nil {
			return err
		}
		if len(letters) == 0 {
			fmt.Println("no letters")
			return nil
		}
		for _, l := range letters {
			state := warn.Sprint("pending recipient")
			if l.RecipientEncrypted {
				state = ok.Sprint("delivered to keys")
			}
			fmt.Printf("%s  to %s  opens %s  [%s]\n",
				l.ID, l.RecipientEmail, l.DeliverAfter.Local().Format("2006-01-02"), state)
		}
		return nil
	},
}

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Rotate your recovery code",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := api.RotateRecovery(cmd.Context())
		if err != nil {
			return err
		}
		bold.Printf("recovery code: %s\n", out.RecoveryCode)
		warn.Println("the previous code no longer works")
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <email>",
	Short: "Reset a forgotten password using a recovery code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := promptSecret("Recovery code: ")
		if err != nil {
			return err
		}
		password, err := promptSecret("New password: ")
		if err != nil {
			return err
		}
		out, err := api.ResetPassword(cmd.Context(), args[0], code, password)
		if err != nil {
			return err
		}
		ok.Println("password reset; sign in with the new password")
		bold.Printf("new recovery code: %s\n", out.RecoveryCode)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the daemon is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if err := api.Health(ctx); err != nil {
			return fmt.Errorf("daemon at %s not reachable: %w", serverURL, err)
		}
		ok.Printf("%s is up\n", serverURL)
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		envOr("LETTERLOCK_SERVER", "http://localhost:8080"), "letterlockd base URL")

	sealCmd.Flags().String("after", "", "delivery date (RFC 3339 or YYYY-MM-DD)")
	sealCmd.Flags().String("title", "", "letter title")
	sealCmd.Flags().String("signature", "", "closing signature")
	sealCmd.Flags().String("body-file", "-", "file with the letter body (- for stdin)")
	_ = sealCmd.MarkFlagRequired("after")
	_ = sealCmd.MarkFlagRequired("title")

	rootCmd.AddCommand(signupCmd, loginCmd, sealCmd, openCmd,
		inboxCmd, outboxCmd, recoveryCmd, resetCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	br := bufio.NewReader(os.Stdin)
	line, err := br.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func readBody(path string) (string, error) {
	if path == "-" {
		fmt.Fprintln(os.Stderr, "letter body (end with Ctrl-D):")
		var sb strings.Builder
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			sb.WriteString(sc.Text())
			sb.WriteByte('\n')
		}
		if err := sc.Err(); err != nil {
			return "", err
		}
		return strings.TrimRight(sb.String(), "\n"), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func tokenPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "letterlock", "token"), nil
}

func saveToken(token string) error {
	path, err := tokenPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(token), 0o600)
}

func loadToken() (string, error) {
	path, err := tokenPath()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
