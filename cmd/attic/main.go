// attic serves one host directory over HTTP: browsing, preview, edit,
// bounded search, and time-limited code-protected shares.
//
// Configuration precedence: flags, then ATTIC_* environment variables,
// then the config file (attic.yaml).
package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"attic/internal/auth"
	"attic/internal/config"
	"attic/internal/httpserver"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "attic",
	Short: "Serve a directory over HTTP with sessions, search, and shares",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Derive a stored password secret for the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")
		if password == "" {
			return fmt.Errorf("usage: attic passwd -p <password>")
		}
		secret, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Println(secret)
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default attic.yaml)")
	rootCmd.Flags().String("listen", "0.0.0.0:3923", "listen address")
	rootCmd.Flags().String("root", "", "directory to serve")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("listen", rootCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("root", rootCmd.Flags().Lookup("root"))
	_ = viper.BindPFlag("log.level", rootCmd.Flags().Lookup("log-level"))

	passwdCmd.Flags().StringP("password", "p", "", "password to hash")
	rootCmd.AddCommand(passwdCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("attic")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("ATTIC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
			os.Exit(1)
		}
	}
}

func runServe() error {
	cfg := config.Default()
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("mkdir state: %w", err)
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.Log.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	srv, err := httpserver.New(httpserver.Options{Config: cfg, Logger: log})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}
	defer srv.Close()

	log.WithFields(logrus.Fields{
		"addr": cfg.ListenAddr,
		"root": cfg.Root,
		"auth": cfg.HasAuth(),
	}).Info("attic listening")
	return http.ListenAndServe(cfg.ListenAddr, srv.Handler())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
