package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordFlag returns --password or prompts for it on the terminal.
// confirm asks twice.
func passwordFlag(cmd *cobra.Command, confirm bool) string {
	if p, _ := cmd.Flags().GetString("password"); p != "" {
		return p
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		fatalf("--password is required when stdin is not a terminal")
	}

	p, err := readPassword(fd, "Password: ")
	if err != nil {
		fatalf("%v", err)
	}
	if confirm {
		again, err := readPassword(fd, "Repeat password: ")
		if err != nil {
			fatalf("%v", err)
		}
		if again != p {
			fatalf("passwords do not match")
		}
	}
	return p
}

func readPassword(fd int, prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}
