package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/gatekeeper/pkg/evidence"
	"github.com/Mindburn-Labs/gatekeeper/pkg/kms"
	"github.com/Mindburn-Labs/gatekeeper/pkg/receipts"
	"github.com/Mindburn-Labs/gatekeeper/pkg/ssrf"
	"github.com/Mindburn-Labs/gatekeeper/pkg/vault"
)

func (c *cli) checkURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "check-url <url>...",
		GroupID: "tools",
		Short:   "Check destinations against the configured SSRF policy",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			blocked := 0
			for _, raw := range args {
				if err := ssrf.AssertURLSafe(raw, cfg.SSRF); err != nil {
					blocked++
					_, _ = fmt.Fprintf(c.stdout, "BLOCKED %s (%v)\n", raw, err)
					continue
				}
				_, _ = fmt.Fprintf(c.stdout, "OK      %s\n", raw)
			}
			if blocked > 0 {
				return fmt.Errorf("%d of %d destinations blocked", blocked, len(args))
			}
			return nil
		},
	}
}

func (c *cli) rollupCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rollup [artifacts.json]",
		GroupID: "tools",
		Short:   "Compute the evidence rollup of a JSON array of artifact refs",
		Long: `Compute the evidence rollup of a JSON array of artifact refs
({kind, path, sha256, mime, bytes}). Reads stdin when no file is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(filepath.Clean(args[0]))
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				in = f
			}
			var refs []evidence.ArtifactRef
			if err := json.NewDecoder(in).Decode(&refs); err != nil {
				return fmt.Errorf("decode artifact refs: %w", err)
			}
			sum, err := evidence.Rollup(refs)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.stdout, sum)
			return err
		},
	}
}

type vaultOps struct {
	v    *vault.Vault
	keys *kms.LocalKMS
}

// withVault opens the vault for the duration of fn.
func withVault(c *cli, cmd *cobra.Command, fn func(o vaultOps) error) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	v, keys, closeDB, err := openVault(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeDB() }()
	return fn(vaultOps{v: v, keys: keys})
}

func (c *cli) vaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "vault",
		GroupID: "tools",
		Short:   "Manage encrypted credentials",
	}

	put := &cobra.Command{
		Use:   "put <name>",
		Short: "Store a credential read from stdin and print its reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(c, cmd, func(o vaultOps) error {
				value, err := readSecret(cmd.InOrStdin())
				if err != nil {
					return err
				}
				ref, err := o.v.Store(cmd.Context(), args[0], value)
				if err != nil {
					return err
				}
				return printJSON(c.stdout, ref)
			})
		},
	}
	get := &cobra.Command{
		Use:   "get <handle>",
		Short: "Print the plaintext of a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(c, cmd, func(o vaultOps) error {
				value, err := o.v.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(c.stdout, value)
				return err
			})
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List credential references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withVault(c, cmd, func(o vaultOps) error {
				refs, err := o.v.List(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(c.stdout, refs)
			})
		},
	}
	rotate := &cobra.Command{
		Use:   "rotate <handle>",
		Short: "Replace a credential's value (read from stdin); the handle is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(c, cmd, func(o vaultOps) error {
				value, err := readSecret(cmd.InOrStdin())
				if err != nil {
					return err
				}
				return o.v.Rotate(cmd.Context(), args[0], value)
			})
		},
	}
	del := &cobra.Command{
		Use:   "delete <handle>",
		Short: "Delete a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(c, cmd, func(o vaultOps) error {
				return o.v.Delete(cmd.Context(), args[0])
			})
		},
	}
	rekey := &cobra.Command{
		Use:   "rekey",
		Short: "Rotate the vault key and re-encrypt every credential under it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withVault(c, cmd, func(o vaultOps) error {
				version, err := o.keys.Rotate()
				if err != nil {
					return err
				}
				n, err := o.v.ReKey(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(c.stdout, "key version %d active, %d credentials re-encrypted\n", version, n)
				return err
			})
		},
	}
	cmd.AddCommand(put, get, list, rotate, del, rekey)
	return cmd
}

// readSecret reads one line, so "echo value | gatekeeper vault put" works.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	value := strings.TrimRight(line, "\r\n")
	if value == "" {
		return "", errors.New("empty value on stdin")
	}
	return value, nil
}

func (c *cli) receiptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "receipts",
		GroupID: "tools",
		Short:   "Inspect the receipt log",
	}
	verify := &cobra.Command{
		Use:   "verify [receipts.ndjson]",
		Short: "Verify the hash chain of the receipt log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path, err := c.receiptsPath(args)
			if err != nil {
				return err
			}
			f, err := os.Open(filepath.Clean(path))
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			n, err := receipts.VerifyChain(f)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.stdout, "%d receipts, chain intact\n", n)
			return err
		},
	}
	var task string
	list := &cobra.Command{
		Use:   "list [receipts.ndjson]",
		Short: "Print receipts, optionally for one task",
		Long: `Print receipts, optionally for one task. With --task and
RECEIPT_INDEX_DSN set (and no file argument) the SQL index is queried;
otherwise the NDJSON log is scanned.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if task != "" && len(args) == 0 {
				cfg, err := c.loadConfig()
				if err != nil {
					return err
				}
				if cfg.ReceiptIndexDSN != "" {
					idx, closeDB, err := openReceiptIndex(cmd.Context(), cfg.ReceiptIndexDSN)
					if err != nil {
						return err
					}
					defer func() { _ = closeDB() }()
					out, err := idx.ByTask(cmd.Context(), task)
					if err != nil {
						return err
					}
					if out == nil {
						out = []receipts.Receipt{}
					}
					return printJSON(c.stdout, out)
				}
			}
			path, err := c.receiptsPath(args)
			if err != nil {
				return err
			}
			all, err := receipts.ReadAll(path)
			if err != nil {
				return err
			}
			out := make([]receipts.Receipt, 0, len(all))
			for _, r := range all {
				if task == "" || r.TaskID == task {
					out = append(out, r)
				}
			}
			return printJSON(c.stdout, out)
		},
	}
	list.Flags().StringVar(&task, "task", "", "only receipts for this task id")
	cmd.AddCommand(verify, list)
	return cmd
}

func (c *cli) receiptsPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.ReceiptsPath(), nil
}

func (c *cli) keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "keys",
		GroupID: "tools",
		Short:   "Manage the vault keystore",
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show the active key version",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			keys, err := openKeys(cfg)
			if err != nil {
				return err
			}
			source := "keystore " + cfg.KMSKeystorePath
			if keys.Derived() {
				source = "derived from VAULT_MASTER_SECRET"
			}
			_, err = fmt.Fprintf(c.stdout, "%s, active version %d\n", source, keys.ActiveVersion())
			return err
		},
	}

	var keyVersion int
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import a base64 AES-256 key from stdin and re-encrypt every credential under it",
		Long: `Import a base64-encoded 32-byte key read from stdin as a new keystore
version, make it active and re-encrypt every stored credential under it.
Existing versions are never overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			encoded, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
			if err != nil {
				return fmt.Errorf("decode key: %w", err)
			}
			return withVault(c, cmd, func(o vaultOps) error {
				v, err := o.keys.ImportKey(raw, keyVersion)
				if err != nil {
					return err
				}
				n, err := o.v.ReKey(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(c.stdout, "key version %d active, %d credentials re-encrypted\n", v, n)
				return err
			})
		},
	}
	importCmd.Flags().IntVar(&keyVersion, "version", 0, "key version to install (0 picks the next free version)")

	cmd.AddCommand(status, importCmd)
	return cmd
}
