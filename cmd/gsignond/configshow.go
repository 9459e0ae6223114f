package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/gsignond/gsignond-go/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect gsignond's effective configuration",
	}
	cmd.AddCommand(newConfigShowCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as a table, after merging the config file and SSO_* overrides",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, err := cmd.Flags().GetString(configFlagName)
			if err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			renderConfigTable(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func renderConfigTable(w interface{ Write([]byte) (int, error) }, cfg *config.Config) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Section", "Key", "Value"})

	t.AppendRow(table.Row{"general", "storagePath", cfg.General.StoragePath})
	t.AppendRow(table.Row{"general", "secureDir", cfg.General.SecureDir})
	t.AppendRow(table.Row{"general", "extensionsDir", cfg.General.ExtensionsDir})
	t.AppendRow(table.Row{"general", "pluginsDir", cfg.General.PluginsDir})
	t.AppendRow(table.Row{"general", "binDir", cfg.General.BinDir})
	t.AppendRow(table.Row{"general", "extension", cfg.General.Extension})
	t.AppendRow(table.Row{"general", "pluginTimeout", cfg.General.PluginTimeout.String()})

	t.AppendRow(table.Row{"storage", "secretDBFilename", cfg.Storage.SecretDBFilename})
	t.AppendRow(table.Row{"storage", "metadataDBFilename", cfg.Storage.MetadataDBFilename})
	t.AppendRow(table.Row{"storage", "fileEncryptionKey", redact(cfg.Storage.FileEncryptionKey)})
	t.AppendRow(table.Row{"storage", "fileEncryptionSalt", redact(cfg.Storage.FileEncryptionSalt)})

	t.AppendRow(table.Row{"objectTimeouts", "daemonTimeout", cfg.ObjectTimeouts.DaemonTimeout.String()})
	t.AppendRow(table.Row{"objectTimeouts", "identityTimeout", cfg.ObjectTimeouts.IdentityTimeout.String()})
	t.AppendRow(table.Row{"objectTimeouts", "authSessionTimeout", cfg.ObjectTimeouts.AuthSessionTimeout.String()})

	t.SetColumnConfigs([]table.ColumnConfig{{Number: 1, AutoMerge: true}})
	style := table.StyleLight
	style.Options.DrawBorder = false
	t.SetStyle(style)
	t.Render()
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
