package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"noosphere/core"
	"noosphere/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "noosphere"}
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(sphereCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		cfg = config.Default()
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logrus.SetLevel(level)
	}
	return cfg
}

func keyPath(cfg *config.Config, name string) string {
	return filepath.Join(cfg.Key.Dir, name+".seed")
}

func loadKey(cfg *config.Config, name string) (*core.Ed25519KeyMaterial, error) {
	encoded, err := os.ReadFile(keyPath(cfg, name))
	if err != nil {
		return nil, fmt.Errorf("no key named %q: %w", name, err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return nil, err
	}
	return core.Ed25519KeyFromSeed(seed)
}

func openStorage(cfg *config.Config) (*core.Storage, error) {
	if cfg.Storage.Memory {
		return core.NewMemoryStorage(), nil
	}
	return core.NewFileStorage(cfg.Storage.Path)
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "key"}
	create := &cobra.Command{
		Use:   "create [name]",
		Short: "generate a device key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			name := cfg.Key.Name
			if len(args) > 0 {
				name = args[0]
			}
			key, err := core.GenerateEd25519Key()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.Key.Dir, 0o700); err != nil {
				return err
			}
			encoded := hex.EncodeToString(key.Seed())
			if err := os.WriteFile(keyPath(cfg, name), []byte(encoded), 0o600); err != nil {
				return err
			}
			fmt.Printf("%s\n", key.Did())
			return nil
		},
	}
	mnemonic := &cobra.Command{
		Use:   "mnemonic [name]",
		Short: "print the recovery phrase of a stored key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			name := cfg.Key.Name
			if len(args) > 0 {
				name = args[0]
			}
			key, err := loadKey(cfg, name)
			if err != nil {
				return err
			}
			phrase, err := core.MnemonicFromKey(key)
			if err != nil {
				return err
			}
			fmt.Println(phrase)
			return nil
		},
	}
	cmd.AddCommand(create, mnemonic)
	return cmd
}

func sphereCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sphere"}

	create := &cobra.Command{
		Use:   "create",
		Short: "create a sphere owned by the configured device key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			key, err := loadKey(cfg, cfg.Key.Name)
			if err != nil {
				return err
			}
			storage, err := openStorage(cfg)
			if err != nil {
				return err
			}
			defer storage.Close()
			ctx := context.Background()
			sphere, mnemonic, err := core.CreateSphere(ctx, storage, key)
			if err != nil {
				return err
			}
			if err := storage.Keys.SetKey(ctx, core.KeyUserKeyName, cfg.Key.Name); err != nil {
				return err
			}
			fmt.Printf("sphere: %s\n", sphere.Identity())
			fmt.Printf("recovery phrase (shown exactly once):\n%s\n", mnemonic)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "print the sphere identity and current version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			key, err := loadKey(cfg, cfg.Key.Name)
			if err != nil {
				return err
			}
			storage, err := openStorage(cfg)
			if err != nil {
				return err
			}
			defer storage.Close()
			ctx := context.Background()
			sphere, err := core.OpenSphere(ctx, storage, key)
			if err != nil {
				return err
			}
			version, err := sphere.Version(ctx)
			if err != nil {
				return err
			}
			access := "read-only"
			if sphere.Access() == core.AccessReadWrite {
				access = "read-write"
			}
			fmt.Printf("sphere:  %s\nversion: %s\nauthor:  %s (%s)\n",
				sphere.Identity(), version, sphere.Author().Did(), access)
			return nil
		},
	}

	history := &cobra.Command{
		Use:   "history",
		Short: "list revisions from the current version back to genesis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			key, err := loadKey(cfg, cfg.Key.Name)
			if err != nil {
				return err
			}
			storage, err := openStorage(cfg)
			if err != nil {
				return err
			}
			defer storage.Close()
			ctx := context.Background()
			sphere, err := core.OpenSphere(ctx, storage, key)
			if err != nil {
				return err
			}
			version, err := sphere.Version(ctx)
			if err != nil {
				return err
			}
			timeline := core.NewTimeline(storage.Blocks)
			entries, err := timeline.SliceChronological(ctx, version, cid.Undef)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				marker := " "
				if entry.Memo.IsGenesis() {
					marker = "*"
				}
				fmt.Printf("%s %s\n", marker, entry.Cid)
			}
			return nil
		},
	}

	restore := &cobra.Command{
		Use:   "restore [mnemonic...]",
		Short: "recover root authorship from a recovery phrase",
		Long: "Rebinds the sphere with its root key re-derived from the " +
			"recovery phrase. This is the escape hatch when every device " +
			"delegation has been revoked. The phrase is read from the " +
			"arguments, or from stdin when none are given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			mnemonic := strings.Join(args, " ")
			if mnemonic == "" {
				reader := bufio.NewReader(cmd.InOrStdin())
				line, err := reader.ReadString('\n')
				if err != nil && line == "" {
					return err
				}
				mnemonic = strings.TrimSpace(line)
			}
			storage, err := openStorage(cfg)
			if err != nil {
				return err
			}
			defer storage.Close()
			ctx := context.Background()
			sphere, err := core.RestoreSphere(ctx, storage, mnemonic)
			if err != nil {
				return err
			}
			version, err := sphere.Version(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("restored root authorship of %s at %s\n", sphere.Identity(), version)
			return nil
		},
	}

	cmd.AddCommand(create, status, history, restore)
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			key, err := loadKey(cfg, cfg.Key.Name)
			if err != nil {
				return err
			}
			storage, err := openStorage(cfg)
			if err != nil {
				return err
			}
			defer storage.Close()
			counterparts := make([]core.Did, 0, len(cfg.Gateway.Counterparts))
			for _, counterpart := range cfg.Gateway.Counterparts {
				counterparts = append(counterparts, core.Did(counterpart))
			}
			gateway, err := core.NewGateway(context.Background(), storage, key, counterparts, logrus.StandardLogger())
			if err != nil {
				return err
			}
			server := core.NewGatewayServer(gateway, logrus.StandardLogger())
			return server.ListenAndServe(cfg.Gateway.ListenAddr)
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "sync the local sphere with its gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			key, err := loadKey(cfg, cfg.Key.Name)
			if err != nil {
				return err
			}
			storage, err := openStorage(cfg)
			if err != nil {
				return err
			}
			defer storage.Close()
			ctx := context.Background()
			sphere, err := core.OpenSphere(ctx, storage, key)
			if err != nil {
				return err
			}
			if cfg.Client.GatewayURL != "" {
				if err := sphere.ConfigureGateway(ctx, cfg.Client.GatewayURL); err != nil {
					return err
				}
			}
			if cfg.Gateway.NameRecordLifetime > 0 {
				sphere.SetNameRecordLifetime(time.Duration(cfg.Gateway.NameRecordLifetime) * time.Second)
			}
			version, err := sphere.Sync(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("synced to %s\n", version)
			return nil
		},
	}
}
