// Command helix-demo is a file-based command-line cryptographic
// utility: it authenticates against a key server, then encrypts and/or
// decrypts the contents of a file. Encrypted output gets an
// "-encrypted" postfix, decrypted output a "-decrypted" postfix.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/helix"
	"github.com/opd-ai/helix/engine"
	"github.com/opd-ai/helix/promise"
)

// Process exit codes. Encrypt/decrypt failures get distinct codes so
// scripted callers can tell pipeline stages apart.
const (
	exitOK               = 0
	exitInputName        = 2
	exitInputRead        = 3
	exitOutputName       = 6
	exitOutputWrite      = 7
	exitModuleInit       = 8
	exitServerConnect    = 9
	exitAccountCreate    = 10
	exitAccountLogin     = 11
	exitEncryptRecipient = 12
	exitEncryptEmpty     = 13
	exitDecryptStatus    = 14
	exitDecryptEmpty     = 15
	exitDecryptSize      = 16
	exitBadArguments     = 18
)

// exitError carries a process exit code through cobra's error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func fail(code int, format string, args ...any) *exitError {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

type cliOptions struct {
	server       string
	port         uint16
	user         string
	simulatedUID string
	encrypt      bool
	decrypt      bool
	input        string
	output       string
	password     string
	verbose      bool
}

func main() {
	opts := &cliOptions{}

	cmd := &cobra.Command{
		Use:           "helix-demo",
		Short:         "File-based end-to-end encryption utility",
		Long:          "Demonstrates the helix module in a file-utility setting: encrypt and/or decrypt the contents of a file through a key-server-backed identity.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.verbose {
				logrus.SetLevel(logrus.WarnLevel)
			}
			return run(opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.server, "server", "s", helix.DefaultServer, "ip/DNS name of key server (without protocol)")
	flags.Uint16Var(&opts.port, "port", helix.DefaultPort, "key server port")
	flags.StringVarP(&opts.user, "user", "u", "", "username")
	flags.StringVarP(&opts.simulatedUID, "simulated", "f", "", "simulated device id to run under")
	flags.BoolVarP(&opts.encrypt, "encrypt", "e", false, "encrypt the contents of the input file")
	flags.BoolVarP(&opts.decrypt, "decrypt", "d", false, "decrypt the input file, or the encryption result when -e is also given")
	flags.StringVarP(&opts.input, "input", "i", "", "input file, either plaintext or already encrypted")
	flags.StringVarP(&opts.output, "output", "o", "", "output base filename; defaults to the input filename in the cwd")
	flags.StringVarP(&opts.password, "password", "p", "", "password to use for encryption/decryption")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("input")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		// Flag parse and validation failures.
		os.Exit(exitBadArguments)
	}
}

func run(opts *cliOptions) error {
	client, err := newClient(opts)
	if err != nil {
		return fail(exitModuleInit, "module startup failed: %v", err)
	}

	if err := client.Connect(); err != nil {
		return fail(exitServerConnect, "could not reach key server %s:%d: %v", opts.server, opts.port, err)
	}
	defer func() {
		logrus.Info("Disconnecting from the server")
		client.Disconnect()
		logrus.Info("Starting shutdown")
		client.Shutdown()
		logrus.Info("Finished shutdown")
	}()

	if err := authenticate(client, opts.user); err != nil {
		return err
	}

	data, err := os.ReadFile(opts.input)
	if err != nil {
		if os.IsNotExist(err) {
			return fail(exitInputName, "bad input file name %q", opts.input)
		}
		return fail(exitInputRead, "could not read input file %q: %v", opts.input, err)
	}
	logrus.WithFields(logrus.Fields{
		"input": opts.input,
		"bytes": len(data),
	}).Info("Read input file")

	base := opts.output
	if base == "" {
		base = filepath.Base(opts.input)
	}

	// Without -e the input file itself is treated as the ciphertext, so
	// an already-encrypted file can be decrypted directly.
	blob := data
	if opts.encrypt {
		blob, err = encryptBytes(client, opts.user, data, opts.password)
		if err != nil {
			return err
		}
		if err := writeOutput(base+"-encrypted", blob); err != nil {
			return err
		}
	}

	if opts.decrypt {
		plain, err := decryptBytes(client, blob, opts.password)
		if err != nil {
			return err
		}

		var sizeMismatch error
		if opts.encrypt && len(plain) != len(data) {
			// Recoverable: report it, but still write the output and
			// run the teardown path.
			sizeMismatch = fail(exitDecryptSize,
				"byte count between original plaindata (%d) and decrypted plaindata (%d) differs", len(data), len(plain))
		}
		if err := writeOutput(base+"-decrypted", plain); err != nil {
			return err
		}
		if sizeMismatch != nil {
			return sizeMismatch
		}
	}

	return nil
}

func newClient(opts *cliOptions) (*helix.Client, error) {
	o := helix.NewOptions()
	o.Server = opts.server
	o.Port = opts.port
	o.SimulatedUID = opts.simulatedUID
	// Key material at rest is bound to the account name; the optional
	// message password stays a per-message secret.
	o.StoragePassphrase = "helix-demo:" + opts.user
	return helix.New(o)
}

func authenticate(client *helix.Client, user string) error {
	created, err := client.Authenticate(user)
	if err != nil {
		if created {
			return fail(exitAccountLogin, "login failed after provisioning %q: %v", user, err)
		}
		if errors.Is(err, helix.ErrProvisionFailed) {
			return fail(exitAccountCreate, "could not provision account %q: %v", user, err)
		}
		return fail(exitAccountLogin, "could not authenticate as %q: %v", user, err)
	}
	if created {
		logrus.WithFields(logrus.Fields{"account": user}).Info("Provisioned new account")
	}
	return nil
}

// encryptBytes encrypts content for the named recipient. The demo
// sends the message to its own account.
func encryptBytes(client *helix.Client, recipient string, content []byte, password string) ([]byte, error) {
	id := client.FindRecipientByName(recipient)
	status, err := client.Wait(id, -1)
	if err != nil || status != promise.StatusDataAvailable {
		return nil, fail(exitEncryptRecipient, "could not find recipient %q: %v", recipient, client.Err(id))
	}
	rcpt, err := client.Recipient(id)
	if err != nil {
		return nil, fail(exitEncryptRecipient, "could not load recipient %q: %v", recipient, err)
	}
	defer rcpt.Release()
	client.Conclude(id)

	logrus.WithFields(logrus.Fields{
		"recipient": recipient,
		"bytes":     len(content),
	}).Info("Starting encryption")

	encID := client.EncryptStart(rcpt, content, password, engine.OwnerEngine)
	if _, err := client.Wait(encID, -1); err != nil {
		return nil, fail(exitEncryptEmpty, "encryption wait failed: %v", err)
	}
	exists, err := client.EncryptOutputExists(encID)
	if err != nil || !exists {
		return nil, fail(exitEncryptEmpty, "encryption produced no data: %v", client.Err(encID))
	}

	// Caller ownership transfers the blob out and releases the handle.
	blob, err := client.EncryptOutput(encID, engine.OwnerCaller)
	if err != nil {
		return nil, fail(exitEncryptEmpty, "could not retrieve encrypted data: %v", err)
	}
	return blob, nil
}

func decryptBytes(client *helix.Client, blob []byte, password string) ([]byte, error) {
	logrus.WithFields(logrus.Fields{"bytes": len(blob)}).Info("Starting decryption")

	// The input buffer stays valid for the whole call, so no engine copy
	// is needed.
	id := client.DecryptStart(blob, password, engine.OwnerCaller)
	if _, err := client.Wait(id, -1); err != nil {
		return nil, fail(exitDecryptStatus, "decryption wait failed: %v", err)
	}
	status, err := client.Poll(id)
	if err != nil || status != promise.StatusDataAvailable {
		return nil, fail(exitDecryptStatus, "decryption failed: %v", client.Err(id))
	}

	plain, err := client.DecryptOutput(id, engine.OwnerCaller)
	if err != nil {
		return nil, fail(exitDecryptEmpty, "could not retrieve decrypted data: %v", err)
	}
	return plain, nil
}

func writeOutput(path string, content []byte) error {
	if err := os.WriteFile(path, content, 0o600); err != nil {
		if os.IsPermission(err) || os.IsNotExist(err) {
			return fail(exitOutputName, "bad output file name %q", path)
		}
		return fail(exitOutputWrite, "could not write output file %q: %v", path, err)
	}
	logrus.WithFields(logrus.Fields{
		"output": path,
		"bytes":  len(content),
	}).Info("Wrote output file")
	return nil
}
