package core

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	ctls "connserve/internal/tls"
)

// promptPassword asks for the key passphrase on the controlling
// terminal.  It is only invoked when the key turns out to be encrypted.
func promptPassword(keyPath string, prompt io.Writer) ctls.PasswordFunc {
	return func() ([]byte, error) {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return nil, fmt.Errorf("%s is encrypted and stdin is not a terminal", keyPath)
		}
		fmt.Fprintf(prompt, "Enter passphrase for %s: ", keyPath)
		pass, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
		return pass, nil
	}
}

// envPassword reads the passphrase from the named environment variable
// at load time, so a rotated key can carry a rotated password.
func envPassword(name string) ctls.PasswordFunc {
	return func() ([]byte, error) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return nil, fmt.Errorf("key is encrypted and $%s is not set", name)
		}
		return []byte(v), nil
	}
}
