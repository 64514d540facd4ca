package cmd

import (
	"fmt"
	"log"
	"syscall"

	"github.com/hungrysocks/AnonPost/anonpost"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader is a function type for reading the token without
// echoing it. It's really only here to make testing easier.
type passwordReader func() ([]byte, error)

var (
	customPasswordReader passwordReader
	rotateToken          bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set the admin API token",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.Database == "" {
			log.Fatal("Environment variable AP_DATABASE not set (must be a sqlite file path)")
		}

		db, err := anonpost.CreateDB(ctx, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		store := anonpost.NewStore(db, nil)
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		existing, err := store.AdminTokenHash(ctx)
		if err != nil {
			log.Fatalf("Error retrieving admin token: %v", err)
		}

		out := cmd.OutOrStdout()
		if existing != "" && !rotateToken {
			fmt.Fprintln(out, "Admin token is already set. Use --rotate to replace it.")
		} else {
			if existing == "" {
				fmt.Fprintln(out, "Admin token is not set. Let's set it up.")
			}

			if customPasswordReader == nil {
				customPasswordReader = func() ([]byte, error) {
					return term.ReadPassword(int(syscall.Stdin))
				}
			}

			var token string
			for {
				fmt.Fprint(out, "Enter admin token: ")
				tokenBytes, readErr := customPasswordReader()
				if readErr != nil {
					log.Fatalf("Error reading token: %v", readErr)
				}
				token = string(tokenBytes)
				fmt.Fprintln(out)

				fmt.Fprint(out, "Confirm admin token: ")
				confirmBytes, readErr := customPasswordReader()
				if readErr != nil {
					log.Fatalf("Error reading token: %v", readErr)
				}
				fmt.Fprintln(out)

				if token == "" {
					fmt.Fprintln(out, "Token can't be empty. Please try again.")
					continue
				}
				if token == string(confirmBytes) {
					break
				}
				fmt.Fprintln(out, "Tokens do not match. Please try again.")
			}

			hashed, err := anonpost.HashToken(token)
			if err != nil {
				log.Fatalf("Error hashing token: %v", err)
			}
			if err = store.SetAdminToken(ctx, hashed); err != nil {
				log.Fatalf("Error saving admin token: %v", err)
			}
			fmt.Fprintln(out, "Admin token set successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	initCmd.Flags().BoolVar(
		&rotateToken,
		"rotate",
		false,
		"Replace the existing admin token",
	)
	rootCmd.AddCommand(initCmd)
}
