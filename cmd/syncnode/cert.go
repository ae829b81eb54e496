package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/calyptra/driftsync/internal/store"
	"github.com/calyptra/driftsync/internal/trust"
)

var (
	certPrefix     string
	certPermission string
	certPubKey     string
	certOut        string
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage the node's certificates and trusted roots",
}

var certInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the node key and a self-signed root certificate",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := os.Stat(cfg.Trust.PrivateKeyFile); err == nil {
			return fmt.Errorf("key already exists at %s", cfg.Trust.PrivateKeyFile)
		}

		scope := trust.Scope{Prefix: certPrefix, Permission: trust.Permission(certPermission)}
		if err := scope.Validate(); err != nil {
			return err
		}

		key, err := trust.GenerateKey()
		if err != nil {
			return err
		}
		cert, err := trust.IssueRoot(key, scope)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(cfg.Trust.PrivateKeyFile), 0755); err != nil {
			return err
		}
		if err := key.Save(cfg.Trust.PrivateKeyFile); err != nil {
			return err
		}
		data, err := cert.Serialize()
		if err != nil {
			return err
		}
		if err := os.WriteFile(cfg.Trust.CertificateFile, data, 0644); err != nil {
			return fmt.Errorf("failed to write certificate: %w", err)
		}

		fmt.Printf("issued root certificate %s for scope %s\n", cert.ID, scope)
		return nil
	},
}

var certShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the node's certificate",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(cfg.Trust.CertificateFile)
		if err != nil {
			return fmt.Errorf("no certificate at %s (run 'cert init' first): %w", cfg.Trust.CertificateFile, err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var certPubkeyCmd = &cobra.Command{
	Use:   "pubkey",
	Short: "Print the node's public key, base64 encoded",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		key, err := trust.LoadKey(cfg.Trust.PrivateKeyFile)
		if err != nil {
			return err
		}
		fmt.Println(base64.StdEncoding.EncodeToString(key.Public()))
		return nil
	},
}

var certIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a certificate for another node's public key",
	Long: `Issue signs a certificate for a subordinate node. The subject scope
must lie within this node's own scope; escalation is refused. The
subject node imports the resulting file with 'cert import' and this
node's root with 'cert trust'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		key, err := trust.LoadKey(cfg.Trust.PrivateKeyFile)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(cfg.Trust.CertificateFile)
		if err != nil {
			return err
		}
		issuer, err := trust.Deserialize(data)
		if err != nil {
			return err
		}

		subjectKey, err := base64.StdEncoding.DecodeString(certPubKey)
		if err != nil {
			return fmt.Errorf("invalid subject public key: %w", err)
		}
		scope := trust.Scope{Prefix: certPrefix, Permission: trust.Permission(certPermission)}
		cert, err := trust.Issue(issuer, key, subjectKey, scope)
		if err != nil {
			return err
		}

		out, err := cert.Serialize()
		if err != nil {
			return err
		}
		if certOut == "" {
			fmt.Println(string(out))
			return nil
		}
		if err := os.WriteFile(certOut, out, 0644); err != nil {
			return err
		}
		fmt.Printf("issued certificate %s for scope %s\n", cert.ID, scope)
		return nil
	},
}

var certImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a certificate into the local store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := importCertificate(args[0], false)
		return err
	},
}

var certTrustCmd = &cobra.Command{
	Use:   "trust <file>",
	Short: "Import a certificate and trust it as a root",
	RunE: func(cmd *cobra.Command, args []string) error {
		cert, err := importCertificate(args[0], true)
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return appendTrustedRoot(cfg.Trust.TrustedRootsFile, cert)
	},
	Args: cobra.ExactArgs(1),
}

var certListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored certificates",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := store.OpenDatabase(cfg.Storage.DatabaseFile)
		if err != nil {
			return err
		}
		defer db.Close()

		certs, err := trust.NewCertificateStore(db, zap.NewNop())
		if err != nil {
			return err
		}
		list, err := certs.List()
		if err != nil {
			return err
		}
		for _, cert := range list {
			trusted, err := certs.IsTrusted(cert.ID)
			if err != nil {
				return err
			}
			marker := " "
			if trusted {
				marker = "*"
			}
			issuer := cert.IssuerID
			if cert.IsRoot() {
				issuer = "(root)"
			}
			fmt.Printf("%s %s  scope=%s  issuer=%s\n", marker, cert.ID, cert.Scope, issuer)
		}
		return nil
	},
}

func importCertificate(path string, asRoot bool) (*trust.Certificate, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cert, err := trust.Deserialize(data)
	if err != nil {
		return nil, err
	}

	db, err := store.OpenDatabase(cfg.Storage.DatabaseFile)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	certs, err := trust.NewCertificateStore(db, zap.NewNop())
	if err != nil {
		return nil, err
	}
	if err := certs.Put(cert); err != nil {
		return nil, err
	}
	if asRoot {
		if err := certs.Trust(cert.ID); err != nil {
			return nil, err
		}
		fmt.Printf("trusting root certificate %s with scope %s\n", cert.ID, cert.Scope)
	} else {
		fmt.Printf("imported certificate %s with scope %s\n", cert.ID, cert.Scope)
	}
	return cert, nil
}

// appendTrustedRoot records the root in the roots file so a fresh
// database trusts it again after a wipe.
func appendTrustedRoot(path string, cert *trust.Certificate) error {
	var roots []*trust.Certificate
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &roots); err != nil {
			return fmt.Errorf("failed to parse trusted roots file: %w", err)
		}
	}
	for _, existing := range roots {
		if existing.ID == cert.ID {
			return nil
		}
	}
	roots = append(roots, cert)
	data, err := json.MarshalIndent(roots, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func init() {
	certInitCmd.Flags().StringVar(&certPrefix, "prefix", "", "scope partition prefix")
	certInitCmd.Flags().StringVar(&certPermission, "permission", string(trust.PermissionReadWrite), "scope permission")
	certInitCmd.MarkFlagRequired("prefix")

	certIssueCmd.Flags().StringVar(&certPubKey, "pubkey", "", "subject public key, base64")
	certIssueCmd.Flags().StringVar(&certPrefix, "prefix", "", "scope partition prefix")
	certIssueCmd.Flags().StringVar(&certPermission, "permission", string(trust.PermissionReadWrite), "scope permission")
	certIssueCmd.Flags().StringVar(&certOut, "out", "", "output file (default stdout)")
	certIssueCmd.MarkFlagRequired("pubkey")
	certIssueCmd.MarkFlagRequired("prefix")

	certCmd.AddCommand(certInitCmd, certShowCmd, certPubkeyCmd, certIssueCmd, certImportCmd, certTrustCmd, certListCmd)
	rootCmd.AddCommand(certCmd)
}
