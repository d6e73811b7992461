package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/matheus3301/erpchat/internal/config"
	"github.com/matheus3301/erpchat/internal/profile"
)

var (
	initURL        string
	initDatabase   string
	initLogin      string
	initStreamMode string
	initDefault    bool
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage account profiles",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := profile.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No profiles found.")
			return nil
		}
		current := profile.Resolve("")
		for _, n := range names {
			running := "stopped"
			if _, err := os.Stat(profile.SocketPath(n)); err == nil {
				running = "running"
			}
			marker := " "
			if n == current {
				marker = "*"
			}
			fmt.Printf("%s %-20s %s (%s)\n", marker, n, profile.Dir(n), running)
		}
		return nil
	},
}

var profilesInitCmd = &cobra.Command{
	Use:   "init [name]",
	Short: "Create a profile config; the API key goes in the profile .env as " + config.APIKeyEnv,
	Long:  "Create a profile config. Without a name, the profile is named after --database.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := profile.NameFromDatabase(initDatabase)
		if len(args) == 1 {
			name = args[0]
		}
		if err := profile.ValidateName(name); err != nil {
			return err
		}
		if err := profile.EnsureDir(name); err != nil {
			return err
		}
		cfg := config.Defaults()
		cfg.Backend.URL = initURL
		cfg.Backend.Database = initDatabase
		cfg.Backend.Login = initLogin
		cfg.Stream.Mode = initStreamMode
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.SaveProfile(profile.ConfigPath(name), &cfg); err != nil {
			return err
		}
		if initDefault {
			if err := config.SaveGlobal(profile.GlobalConfigPath(), &config.Global{DefaultProfile: name}); err != nil {
				return err
			}
		}
		fmt.Printf("Wrote %s\n", profile.ConfigPath(name))
		fmt.Printf("Put %s=<key> in %s\n", config.APIKeyEnv, profile.EnvPath(name))
		return nil
	},
}

func init() {
	profilesInitCmd.Flags().StringVar(&initURL, "url", "", "backend URL")
	profilesInitCmd.Flags().StringVar(&initDatabase, "database", "", "backend database")
	profilesInitCmd.Flags().StringVar(&initLogin, "login", "", "backend login")
	profilesInitCmd.Flags().StringVar(&initStreamMode, "stream", "poll", "notification stream: poll or websocket")
	profilesInitCmd.Flags().BoolVar(&initDefault, "default", false, "make this the default profile")
	_ = profilesInitCmd.MarkFlagRequired("url")
	_ = profilesInitCmd.MarkFlagRequired("database")
	_ = profilesInitCmd.MarkFlagRequired("login")

	profilesCmd.AddCommand(profilesListCmd, profilesInitCmd)
	rootCmd.AddCommand(profilesCmd)
}
