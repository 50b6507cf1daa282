package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "rendezvous",
	Short: "Coordination and transfers for the machines of a distributed job",
	Long: `rendezvous runs one machine of a job. One of them hosts the
coordination service, the others find it through static peers or gossip,
and all of them exchange bytes over a shared QUIC network.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is ./rendezvous.yaml)")
	flags.Int64("machine-id", 0, "id of this machine")
	flags.String("hostname", "", "hostname to advertise")
	flags.String("bind-addr", "0.0.0.0", "which address to bind")
	flags.Int("port", 6174, "which port to bind")
	flags.StringSlice("neighbours", nil, "neighbours to contact when joining")
	flags.Bool("ctrl-host", false, "host the coordination service")
	flags.String("ctrl-addr", "", "address of the coordination service")
	flags.String("tls-cert", "", "client cert to use")
	flags.String("tls-key", "", "client private key to use")
	flags.String("tls-ca", "", "ca to verify neighbours")
	flags.String("log-level", "info", "one of debug, info, warn or error")

	for key, flag := range map[string]string{
		"config":     "config",
		"machine_id": "machine-id",
		"hostname":   "hostname",
		"bind_addr":  "bind-addr",
		"port":       "port",
		"neighbours": "neighbours",
		"ctrl.host":  "ctrl-host",
		"ctrl.addr":  "ctrl-addr",
		"tls.cert":   "tls-cert",
		"tls.key":    "tls-key",
		"tls.ca":     "tls-ca",
		"log_level":  "log-level",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(serveCmd, barrierCmd)
}

func initConfig() {
	SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("rendezvous")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/rendezvous")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("RENDEZVOUS")
	// RENDEZVOUS_CTRL_ADDR for ctrl.addr
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = viper.ReadInConfig()
}
