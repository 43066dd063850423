package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smartsentry/sentry"
)

var (
	registerName     string
	registerMobile   string
	registerAddress  string
	registerPassword string

	loginPassword string
)

func init() {
	registerCmd.Flags().StringVar(&registerName, "name", "", "Full name")
	registerCmd.Flags().StringVar(&registerMobile, "mobile", "", "Mobile number")
	registerCmd.Flags().StringVar(&registerAddress, "address", "", "Home address")
	registerCmd.Flags().StringVar(&registerPassword, "password", "", "Password")
	_ = registerCmd.MarkFlagRequired("name")
	_ = registerCmd.MarkFlagRequired("mobile")
	_ = registerCmd.MarkFlagRequired("password")

	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password")
	_ = loginCmd.MarkFlagRequired("password")

	rootCmd.AddCommand(registerCmd, loginCmd, logoutCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register <email>",
	Short: "Create an account and sign in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			res, err := s.client.Auth.Register(ctx, sentry.RegisterRequest{
				Name:     registerName,
				Email:    args[0],
				Mobile:   registerMobile,
				Address:  registerAddress,
				Password: registerPassword,
			})
			if err != nil {
				return fmt.Errorf("registration failed: %w", err)
			}
			return rememberUser(s, res)
		})
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and store the access token locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			res, err := s.client.Auth.Login(ctx, sentry.LoginRequest{Email: args[0], Password: loginPassword})
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			return rememberUser(s, res)
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			if err := s.client.Auth.Logout(ctx); err != nil {
				return fmt.Errorf("failed to clear token: %w", err)
			}
			s.cfg.Auth = ConfigAuth{}
			if err := saveConfig(s.cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Println("Logged out.")
			return nil
		})
	},
}

func rememberUser(s *session, res *sentry.AuthResult) error {
	s.cfg.Auth = ConfigAuth{UserID: res.User.ID, Name: res.User.Name, Email: res.User.Email}
	if err := saveConfig(s.cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	if jsonOutput {
		return printJSON(res.User)
	}

	fmt.Println(res.Message)
	fmt.Printf("  User ID: %s\n", res.User.ID)
	fmt.Printf("  Name:    %s\n", res.User.Name)
	fmt.Printf("  Email:   %s\n", res.User.Email)
	if expires, ok := sentry.TokenExpiry(res.Token); ok {
		fmt.Printf("  Token expires: %s\n", expires.Format("2006-01-02 15:04"))
	}
	return nil
}
